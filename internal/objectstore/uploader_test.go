package objectstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/block/git-remote-s3/internal/objectstore"
	"github.com/block/git-remote-s3/internal/objectstoretest"
)

func TestUploadSmallFileUsesSinglePut(t *testing.T) {
	ctx := context.Background()
	store := objectstoretest.New(nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "small.bundle")
	assert.NoError(t, os.WriteFile(path, []byte("hello bundle"), 0o600))

	var gotOID string
	var gotSoFar int64
	err := objectstore.Upload(ctx, store, "prefix/ref/sha.bundle", path, objectstore.PutOptions{}, "oid1",
		func(oid string, soFar, _ int64) { gotOID, gotSoFar = oid, soFar })
	assert.NoError(t, err)
	assert.Equal(t, "oid1", gotOID)
	assert.Equal(t, int64(len("hello bundle")), gotSoFar)

	r, err := store.Get(ctx, "prefix/ref/sha.bundle")
	assert.NoError(t, err)
	defer r.Close() //nolint:errcheck
	data := make([]byte, 64)
	n, _ := r.Read(data)
	assert.Equal(t, "hello bundle", string(data[:n]))
}

func TestUploadAboveThresholdUsesMultipart(t *testing.T) {
	ctx := context.Background()
	store := objectstoretest.New(nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "big.bundle")
	f, err := os.Create(path) //nolint:gosec
	assert.NoError(t, err)
	assert.NoError(t, f.Truncate(objectstore.MultipartThreshold+1))
	assert.NoError(t, f.Close())

	err = objectstore.Upload(ctx, store, "k", path, objectstore.PutOptions{}, "oid2", nil)
	assert.NoError(t, err)

	r, err := store.Get(ctx, "k")
	assert.NoError(t, err)
	defer r.Close() //nolint:errcheck
}
