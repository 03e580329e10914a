package objectstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"github.com/alecthomas/errors"
	"github.com/google/uuid"
)

const (
	// MultipartThreshold is the file size above which Upload switches from a
	// single Put to a multipart upload.
	MultipartThreshold = 2 * 1024 * 1024 * 1024 // 2 GiB

	// PartSize is the fixed size of each part in a multipart upload.
	PartSize = 100 * 1024 * 1024 // 100 MiB
)

// ProgressFunc is invoked as each chunk of an upload is acknowledged by the
// store. oid identifies the object being uploaded (an LFS oid, or any other
// stable label); bytesSoFar and bytesSinceLast describe cumulative and
// incremental progress. Implementations must be safe to call concurrently;
// Upload does not serialize calls across concurrent uploads itself.
type ProgressFunc func(oid string, bytesSoFar, bytesSinceLast int64)

// Limits overrides the size-threshold and part-size policy Upload applies.
// A zero value for either field falls back to MultipartThreshold/PartSize;
// this lets internal/config's operational-tuning file (SPEC_FULL.md §4.12)
// adjust the policy per remote without every caller threading raw numbers.
type Limits struct {
	Threshold int64
	PartSize  int64
}

func (l Limits) threshold() int64 {
	if l.Threshold > 0 {
		return l.Threshold
	}
	return MultipartThreshold
}

func (l Limits) partSize() int64 {
	if l.PartSize > 0 {
		return l.PartSize
	}
	return PartSize
}

// Upload puts the file at path to key, choosing a single Put for files at or
// under MultipartThreshold and a multipart upload (PartSize chunks) above
// it. On any error during a multipart upload, the partial upload is
// aborted before the error is returned so no stray object lingers.
func Upload(ctx context.Context, store Store, key, path string, opts PutOptions, oid string, progress ProgressFunc) error {
	return UploadWithLimits(ctx, store, key, path, opts, oid, progress, Limits{})
}

// UploadWithLimits is Upload with an explicit size-threshold/part-size
// policy instead of the package defaults.
func UploadWithLimits(ctx context.Context, store Store, key, path string, opts PutOptions, oid string, progress ProgressFunc, limits Limits) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}

	if info.Size() <= limits.threshold() {
		return putWhole(ctx, store, key, path, info.Size(), opts, oid, progress)
	}
	return putMultipart(ctx, store, key, path, info.Size(), opts, oid, progress, limits.partSize())
}

func putWhole(ctx context.Context, store Store, key, path string, size int64, opts PutOptions, oid string, progress ProgressFunc) error {
	f, err := os.Open(path) //nolint:gosec // path is produced by this module's own temp dirs
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var body io.Reader = f
	if progress != nil {
		body = &countingReader{r: f, oid: oid, progress: progress}
	}

	if err := store.Put(ctx, key, body, size, opts); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}
	return nil
}

func putMultipart(ctx context.Context, store Store, key, path string, size int64, opts PutOptions, oid string, progress ProgressFunc, partSize int64) (err error) {
	uploadID, err := store.CreateMultipartUpload(ctx, key, opts)
	if err != nil {
		return errors.Wrapf(err, "create multipart upload for %s", key)
	}

	defer func() {
		if err != nil {
			if abortErr := store.AbortMultipartUpload(ctx, key, uploadID); abortErr != nil {
				err = errors.Wrapf(err, "abort multipart upload also failed: %s", abortErr.Error())
			}
		}
	}()

	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var parts []Part
	var bytesSoFar int64
	buf := make([]byte, partSize)
	partNumber := 1
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			part, uploadErr := store.UploadPart(ctx, key, uploadID, partNumber, bytes.NewReader(buf[:n]), int64(n))
			if uploadErr != nil {
				return errors.Wrapf(uploadErr, "upload part %d of %s", partNumber, key)
			}
			parts = append(parts, part)
			bytesSoFar += int64(n)
			if progress != nil {
				progress(oid, bytesSoFar, int64(n))
			}
			partNumber++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return errors.Wrapf(readErr, "read %s", path)
		}
	}

	if err := store.CompleteMultipartUpload(ctx, key, uploadID, parts); err != nil {
		return errors.Wrapf(err, "complete multipart upload for %s", key)
	}
	return nil
}

// countingReader wraps an io.Reader, invoking progress after every Read so
// even the single-Put path reports progress (the original implementation
// only reported progress on its boto3 chunked-read Callback path).
type countingReader struct {
	r        io.Reader
	oid      string
	progress ProgressFunc
	mu       sync.Mutex
	soFar    int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.mu.Lock()
		c.soFar += int64(n)
		soFar := c.soFar
		c.mu.Unlock()
		c.progress(c.oid, soFar, int64(n))
	}
	return n, err
}

// TempScratchDir creates a fresh, uniquely named temporary directory for a
// single push/fetch/LFS-transfer operation, under the OS temp root with the
// given prefix. The caller must remove it once done.
func TempScratchDir(prefix string) (string, error) {
	dir, err := os.MkdirTemp("", prefix+"_"+uuid.NewString())
	if err != nil {
		return "", errors.Wrap(err, "create temp scratch dir")
	}
	return dir, nil
}
