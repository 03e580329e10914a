package lfsagent

import (
	"time"

	"github.com/alecthomas/errors"
	"go.etcd.io/bbolt"
)

//nolint:gochecknoglobals
var completedBucketName = []byte("completed")

// Ledger persists, across separate git-lfs-s3 process invocations within the
// same `git lfs push`, which oids have already completed an upload. git-lfs
// may restart the transfer agent between batches of a large push; without
// this the agent still converges (handleUpload falls back to a Head check
// against the object store) but re-pays a round-trip per object on resume.
type Ledger struct {
	db *bbolt.DB
}

// OpenLedger opens (creating if absent) a bbolt-backed ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open ledger %s", path)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(completedBucketName)
		return errors.WithStack(err)
	}); err != nil {
		return nil, errors.Join(errors.Wrap(err, "create ledger bucket"), db.Close())
	}
	return &Ledger{db: db}, nil
}

// IsComplete reports whether oid has a recorded completed upload.
func (l *Ledger) IsComplete(oid string) (bool, error) {
	var done bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(completedBucketName)
		done = bucket.Get([]byte(oid)) != nil
		return nil
	})
	return done, errors.WithStack(err)
}

// MarkComplete records oid as having completed an upload.
func (l *Ledger) MarkComplete(oid string) error {
	return errors.WithStack(l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(completedBucketName)
		return errors.WithStack(bucket.Put([]byte(oid), []byte{1}))
	}))
}

// Close closes the underlying bbolt database.
func (l *Ledger) Close() error {
	return errors.Wrap(l.db.Close(), "close ledger")
}
