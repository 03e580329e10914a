// Package objectstore is a thin facade over an S3-compatible object store:
// list-with-pagination, get, put (optionally conditional), head (preserving
// LastModified), delete, and multipart upload primitives. It is the single
// seam through which the ref engine, lock manager, and LFS agent talk to
// the backing bucket.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Get/Head when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ErrPreconditionFailed is returned by Put when an IfNoneMatch condition was
// requested and the object already exists (the S3 412 response).
var ErrPreconditionFailed = errors.New("precondition failed")

// ErrBucketNotFound is returned when the configured bucket itself does not exist.
var ErrBucketNotFound = errors.New("bucket not found")

// ErrAccessDenied is returned when the caller is not authorised for an operation.
var ErrAccessDenied = errors.New("access denied")

// ObjectInfo describes a stored object's key and the metadata the lock
// manager and ref engine depend on. LastModified MUST be preserved verbatim
// from the store's list/head response; the lock manager's TTL reclaim logic
// depends on it being accurate.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// PutOptions configures a Put call.
type PutOptions struct {
	// IfNoneMatch requests a conditional create: the put only succeeds if no
	// object currently exists at the key. Maps to S3's `If-None-Match: *`.
	IfNoneMatch bool
	ContentType string
	// ContentDisposition, if set, is stored as the object's Content-Disposition header.
	ContentDisposition string
	Metadata           map[string]string
}

// Part identifies one uploaded chunk of a multipart upload, as returned by
// the store after UploadPart and required again by CompleteMultipartUpload.
type Part struct {
	PartNumber int
	ETag       string
}

// Store is the object-store adapter contract. Implementations must page
// through List results internally and return them sorted most-recent-first
// by LastModified (spec requirement; also resolves the "no pagination"
// latent bug noted against the original implementation).
type Store interface {
	// List returns every object whose key begins with prefix, most-recently
	// modified first.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Get opens an object for reading. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Head returns object metadata without fetching its body. Returns
	// ErrNotFound if absent.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Put uploads body (exactly size bytes) to key. When opts.IfNoneMatch is
	// set and an object already exists at key, it returns
	// ErrPreconditionFailed without uploading.
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error

	// Delete removes an object. Deleting a nonexistent key is not an error.
	Delete(ctx context.Context, key string) error

	CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (Part, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}
