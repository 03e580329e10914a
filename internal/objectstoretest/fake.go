// Package objectstoretest provides an in-memory objectstore.Store fake for
// unit tests of the lock manager, ref engine, fetcher, and LFS agent that
// would otherwise need a real (or containerized) S3-compatible endpoint.
// The real client is covered separately by
// internal/objectstore/minio_integration_test.go against an actual MinIO
// instance.
package objectstoretest

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alecthomas/errors"

	"github.com/block/git-remote-s3/internal/objectstore"
)

type object struct {
	data         []byte
	etag         string
	lastModified time.Time
	opts         objectstore.PutOptions
}

type multipartUpload struct {
	key   string
	parts map[int][]byte
}

// Store is a mutex-guarded in-memory implementation of objectstore.Store.
type Store struct {
	mu        sync.Mutex
	objects   map[string]*object
	uploads   map[string]*multipartUpload
	now       func() time.Time
	nextEtag  int
	nextUpID  int
	ListCalls int
	GetCalls  int
}

// New creates an empty fake store. now defaults to time.Now if nil, and can
// be overridden to make LastModified deterministic in lock-TTL tests.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		objects: map[string]*object{},
		uploads: map[string]*multipartUpload{},
		now:     now,
	}
}

func (s *Store) List(_ context.Context, prefix string) ([]objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ListCalls++

	var infos []objectstore.ObjectInfo
	for key, obj := range s.objects {
		if !hasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, objectstore.ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			ETag:         obj.etag,
			LastModified: obj.lastModified,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastModified.After(infos[j].LastModified)
	})
	return infos, nil
}

func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetCalls++

	obj, ok := s.objects[key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *Store) Head(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.lastModified}, nil
}

func (s *Store) Put(_ context.Context, key string, body io.Reader, _ int64, opts objectstore.PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.IfNoneMatch {
		if _, exists := s.objects[key]; exists {
			return objectstore.ErrPreconditionFailed
		}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return errors.Wrap(err, "read body")
	}

	s.nextEtag++
	s.objects[key] = &object{
		data:         data,
		etag:         strconv.Itoa(s.nextEtag),
		lastModified: s.now(),
		opts:         opts,
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *Store) CreateMultipartUpload(_ context.Context, key string, _ objectstore.PutOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUpID++
	id := strconv.Itoa(s.nextUpID)
	s.uploads[id] = &multipartUpload{key: key, parts: map[int][]byte{}}
	return id, nil
}

func (s *Store) UploadPart(_ context.Context, key, uploadID string, partNumber int, body io.Reader, _ int64) (objectstore.Part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	upload, ok := s.uploads[uploadID]
	if !ok || upload.key != key {
		return objectstore.Part{}, errors.Errorf("no such multipart upload %s", uploadID)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return objectstore.Part{}, errors.Wrap(err, "read part body")
	}
	upload.parts[partNumber] = data
	return objectstore.Part{PartNumber: partNumber, ETag: strconv.Itoa(partNumber)}, nil
}

func (s *Store) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []objectstore.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	upload, ok := s.uploads[uploadID]
	if !ok || upload.key != key {
		return errors.Errorf("no such multipart upload %s", uploadID)
	}
	var all []byte
	for _, p := range parts {
		all = append(all, upload.parts[p.PartNumber]...)
	}
	s.nextEtag++
	s.objects[key] = &object{data: all, etag: strconv.Itoa(s.nextEtag), lastModified: s.now()}
	delete(s.uploads, uploadID)
	return nil
}

func (s *Store) AbortMultipartUpload(_ context.Context, _, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, uploadID)
	return nil
}

// SetLastModified overrides an existing object's LastModified timestamp,
// used by lock manager tests to simulate a stale lock.
func (s *Store) SetLastModified(key string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[key]; ok {
		obj.lastModified = t
	}
}

func hasPrefix(key, prefix string) bool {
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}

var _ objectstore.Store = (*Store)(nil)
