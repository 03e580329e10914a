// Package fetcher executes a batch of queued `fetch <sha> <ref>` commands
// concurrently, deduplicating repeated shas within the same batch so
// `git bundle unbundle` runs at most once per sha.
package fetcher

import (
	"context"
	"os"
	"runtime"
	"sync"

	"github.com/alecthomas/errors"
	"golang.org/x/sync/errgroup"

	"github.com/block/git-remote-s3/internal/gitadapter"
	"github.com/block/git-remote-s3/internal/objectstore"
	"github.com/block/git-remote-s3/internal/remoteurl"
)

// Cmd is one queued fetch command: the commit sha to materialise and the
// ref name it should end up under locally.
type Cmd struct {
	SHA string
	Ref string
}

// Fetcher downloads and unbundles fetch commands against a single remote,
// deduplicating by sha across the lifetime of the Fetcher (one remote
// helper process, per spec.md §3's "fetched-refs set").
type Fetcher struct {
	Store  objectstore.Store
	Remote *remoteurl.Remote
	// Dir is the local git repository's working directory.
	Dir string
	// Concurrency bounds the number of fetches processed at once. Zero
	// selects min(len(cmds), runtime.NumCPU()*4).
	Concurrency int

	mu      sync.Mutex
	fetched map[string]bool
}

// New constructs a Fetcher over store/remote for the repository at dir.
func New(store objectstore.Store, remote *remoteurl.Remote, dir string) *Fetcher {
	return &Fetcher{Store: store, Remote: remote, Dir: dir, fetched: map[string]bool{}}
}

// FetchBatch processes every queued command concurrently, bounded by
// Concurrency, and returns the first error encountered (if any) after all
// workers have finished. Repeated shas within cmds are unbundled at most
// once.
func (f *Fetcher) FetchBatch(ctx context.Context, cmds []Cmd) error {
	if len(cmds) == 0 {
		return nil
	}

	limit := f.Concurrency
	if limit <= 0 {
		limit = runtime.NumCPU() * 4
	}
	if limit > len(cmds) {
		limit = len(cmds)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(limit)

	for _, cmd := range cmds {
		cmd := cmd
		group.Go(func() error {
			return f.fetchOne(ctx, cmd)
		})
	}

	return errors.WithStack(group.Wait())
}

func (f *Fetcher) fetchOne(ctx context.Context, cmd Cmd) error {
	// claim, not check-then-mark: two workers racing on the same sha must
	// not both pass the check before either marks it done.
	if !f.claim(cmd.SHA) {
		return nil
	}

	dir, err := objectstore.TempScratchDir("git-remote-s3-fetch")
	if err != nil {
		return errors.Wrap(err, "create scratch dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	key := f.Remote.RefKey(cmd.Ref) + "/" + cmd.SHA + ".bundle"
	if err := f.downloadBundle(ctx, key, dir, cmd.SHA); err != nil {
		return errors.Wrapf(err, "download %s", key)
	}

	if err := gitadapter.Unbundle(ctx, f.Dir, dir, cmd.SHA, cmd.Ref); err != nil {
		return errors.Wrapf(err, "unbundle %s", cmd.Ref)
	}

	return nil
}

func (f *Fetcher) downloadBundle(ctx context.Context, key, dir, sha string) error {
	r, err := f.Store.Get(ctx, key)
	if err != nil {
		return errors.WithStack(err)
	}
	defer r.Close() //nolint:errcheck

	path := dir + "/" + sha + ".bundle"
	file, err := os.Create(path) //nolint:gosec // path is under our own scratch dir
	if err != nil {
		return errors.Wrap(err, "create bundle file")
	}
	defer file.Close() //nolint:errcheck

	if _, err := file.ReadFrom(r); err != nil {
		return errors.Wrap(err, "write bundle file")
	}
	return nil
}

// claim reports whether sha had not yet been fetched, atomically marking
// it fetched in the same critical section.
func (f *Fetcher) claim(sha string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetched[sha] {
		return false
	}
	f.fetched[sha] = true
	return true
}
