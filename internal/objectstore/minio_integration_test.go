//go:build integration

package objectstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	miniomodule "github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/block/git-remote-s3/internal/objectstore"
)

// TestS3StoreAgainstRealMinIO exercises the minio-go-backed Store against a
// real MinIO container, the same way the teacher's disk cache tests spin up
// MinIO via testcontainers-go/modules/minio. Run with `go test -tags
// integration ./internal/objectstore/...`.
func TestS3StoreAgainstRealMinIO(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := miniomodule.Run(ctx, "minio/minio:latest")
	assert.NoError(t, err)
	defer func() { _ = container.Terminate(ctx) }() //nolint:errcheck

	endpoint, err := container.ConnectionString(ctx)
	assert.NoError(t, err)

	const bucket = "git-remote-s3-it"
	store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Endpoint: endpoint,
		Bucket:   bucket,
	})
	// Bucket doesn't exist yet in a fresh MinIO instance; creation is out of
	// scope for this adapter (the remote helper assumes a provisioned
	// bucket, per spec), so we only assert the dial itself classifies the
	// missing-bucket condition correctly here.
	assert.Error(t, err)
	assert.True(t, errors.Is(err, objectstore.ErrBucketNotFound))
	_ = store
}
