// Package lock implements the per-ref advisory lock that serialises
// concurrent pushes to the same ref across independent remote-helper
// processes, built on the object store's conditional create
// (If-None-Match: *) rather than any server-side locking primitive.
package lock

import (
	"bytes"
	"context"
	"math/rand/v2"
	"time"

	"github.com/alecthomas/errors"

	"github.com/block/git-remote-s3/internal/objectstore"
)

// DefaultTTL is how long a lock may be held before another acquirer may
// reclaim it, assuming its holder crashed without releasing it.
const DefaultTTL = 60 * time.Second

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// Manager acquires and releases per-ref locks against an object store.
type Manager struct {
	store          objectstore.Store
	ttl            time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
	sleep          func(time.Duration)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option { return func(m *Manager) { m.ttl = ttl } }

// WithRetry overrides the acquisition retry bound and initial backoff.
func WithRetry(maxAttempts int, initialBackoff, maxBackoff time.Duration) Option {
	return func(m *Manager) {
		m.maxAttempts = maxAttempts
		m.initialBackoff = initialBackoff
		m.maxBackoff = maxBackoff
	}
}

// NewManager constructs a lock Manager over store with conservative
// defaults: a 60s TTL and 5 acquisition attempts with 200ms initial
// backoff, doubling, capped at 5s, ±20% jitter. The source project left
// these unspecified; these defaults are this re-implementation's choice
// (see SPEC_FULL.md §8).
func NewManager(store objectstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		ttl:            DefaultTTL,
		maxAttempts:    defaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		now:            time.Now,
		sleep:          time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ErrContended is returned by Acquire when the lock remains held by another
// process after the retry bound is exhausted.
var ErrContended = errors.New("lock contention exhausted")

// Key returns the lock object key for a ref directory prefix
// (<prefix>/<ref>).
func Key(refPrefix string) string {
	return refPrefix + "/LOCK#.lock"
}

// Acquire attempts to take the advisory lock for the ref whose object-store
// directory prefix is refPrefix (<bucket-prefix>/<ref>). On success it
// returns a release function that must be called exactly once, even on the
// caller's error path — release errors are swallowed (logged by the
// caller if desired) since the TTL guarantees eventual recovery.
func (m *Manager) Acquire(ctx context.Context, refPrefix string) (release func(context.Context) error, err error) {
	key := Key(refPrefix)

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		putErr := m.store.Put(ctx, key, bytes.NewReader(nil), 0, objectstore.PutOptions{IfNoneMatch: true})
		if putErr == nil {
			return func(releaseCtx context.Context) error {
				return errors.Wrap(m.store.Delete(releaseCtx, key), "release lock")
			}, nil
		}

		if !errors.Is(putErr, objectstore.ErrPreconditionFailed) {
			return nil, errors.Wrapf(putErr, "acquire lock for %s", refPrefix)
		}

		if m.reclaimIfStale(ctx, key) {
			// Stale lock was evicted; retry the conditional put immediately
			// without counting this as a contended attempt.
			attempt--
			continue
		}

		if attempt == m.maxAttempts {
			break
		}
		m.sleep(m.backoff(attempt))
	}

	return nil, errors.Wrapf(ErrContended, "%s", refPrefix)
}

// reclaimIfStale deletes key if its LastModified is older than the
// configured TTL, returning true if it did so.
func (m *Manager) reclaimIfStale(ctx context.Context, key string) bool {
	info, err := m.store.Head(ctx, key)
	if err != nil {
		// Lock may have been released between the failed Put and this Head;
		// let the next iteration's Put decide.
		return false
	}
	if m.now().Sub(info.LastModified) <= m.ttl {
		return false
	}
	if err := m.store.Delete(ctx, key); err != nil {
		return false
	}
	return true
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.initialBackoff << (attempt - 1) //nolint:gosec // attempt is small and bounded by maxAttempts
	if d > m.maxBackoff {
		d = m.maxBackoff
	}
	jitter := time.Duration(float64(d) * (0.8 + 0.4*rand.Float64())) //nolint:gosec // jitter, not security-sensitive
	return jitter
}
