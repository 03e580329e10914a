// Package refengine implements the per-ref push logic: bundling, the
// fast-forward/force-push decision, atomic replacement of the previous
// bundle, optional archive upload, HEAD bootstrap, and ref deletion. It is
// the component the command loop drives for every queued `push` line.
package refengine

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/alecthomas/errors"

	"github.com/block/git-remote-s3/internal/gitadapter"
	"github.com/block/git-remote-s3/internal/lock"
	"github.com/block/git-remote-s3/internal/objectstore"
	"github.com/block/git-remote-s3/internal/remoteurl"
)

// bundleKeyPattern matches a live bundle object under a ref directory:
// <ref>/<40-hex-sha>.bundle. Anything else under the directory (PROTECTED#,
// LOCK#.lock, repo.zip) is ignored when counting bundles.
var bundleKeyPattern = regexp.MustCompile(`/([a-f0-9]{40})\.bundle$`)

// Engine drives pushes for a single remote against its object store and the
// local git repository rooted at Dir.
type Engine struct {
	Store  objectstore.Store
	Locks  *lock.Manager
	Remote *remoteurl.Remote
	// Dir is the local git repository's working directory; "" uses the
	// process's current directory, matching gitadapter's convention.
	Dir string
	// Limits overrides the multipart size-threshold/part-size policy for
	// bundle and archive uploads; the zero value uses objectstore's
	// defaults.
	Limits objectstore.Limits
}

// New constructs an Engine.
func New(store objectstore.Store, locks *lock.Manager, remote *remoteurl.Remote, dir string) *Engine {
	return &Engine{Store: store, Locks: locks, Remote: remote, Dir: dir}
}

// bundleObj is a recognised live bundle under a ref directory.
type bundleObj struct {
	Key string
	SHA string
}

// Push processes one `push <local>:<remote>` command and returns the single
// protocol response line (without trailing newline) the caller should write
// back to git, e.g. "ok refs/heads/main" or
// `error refs/heads/main "remote ref is not ancestor of refs/heads/main."`.
func (e *Engine) Push(ctx context.Context, local, remote string) string {
	refPrefix := e.Remote.RefKey(remote)

	release, err := e.Locks.Acquire(ctx, refPrefix)
	if err != nil {
		return errorLine(remote, fmt.Sprintf("could not lock %s: %s", remote, err.Error()))
	}
	defer func() {
		_ = release(ctx) //nolint:errcheck // TTL reclaim covers a failed release
	}()

	if local == "" {
		return e.pushDelete(ctx, refPrefix, remote)
	}

	force := strings.HasPrefix(local, "+")
	local = strings.TrimPrefix(local, "+")

	if force {
		protected, err := e.isProtected(ctx, refPrefix)
		if err != nil {
			return errorLine(remote, err.Error())
		}
		if protected {
			force = false
		}
	}

	bundles, err := e.listBundles(ctx, refPrefix)
	if err != nil {
		return errorLine(remote, err.Error())
	}
	if len(bundles) > 1 {
		return errorLine(remote, "multiple bundles exists on server. Run git-s3 doctor to fix.")
	}

	sha, err := gitadapter.RevParse(ctx, e.Dir, local)
	if err != nil {
		return errorLine(remote, fmt.Sprintf("%s not found", local))
	}

	var previous *bundleObj
	if len(bundles) == 1 {
		previous = &bundles[0]
		if !force {
			ok, err := gitadapter.IsAncestor(ctx, e.Dir, previous.SHA, sha)
			if err != nil {
				return errorLine(remote, err.Error())
			}
			if !ok {
				return errorLine(remote, fmt.Sprintf("remote ref is not ancestor of %s.", local))
			}
		}
	}

	if err := e.uploadBundle(ctx, refPrefix, sha, remote, local); err != nil {
		return errorLine(remote, err.Error())
	}

	if err := e.bootstrapHead(ctx, remote); err != nil {
		return errorLine(remote, err.Error())
	}

	if previous != nil && previous.SHA != sha {
		if err := e.Store.Delete(ctx, previous.Key); err != nil {
			return errorLine(remote, err.Error())
		}
	}

	if e.Remote.Scheme == remoteurl.SchemeS3Zip {
		if err := e.uploadArchive(ctx, refPrefix, local, sha); err != nil {
			return errorLine(remote, err.Error())
		}
	}

	return okLine(remote)
}

func (e *Engine) pushDelete(ctx context.Context, refPrefix, remote string) string {
	infos, err := e.Store.List(ctx, refPrefix+"/")
	if err != nil {
		return errorLine(remote, err.Error())
	}

	var toDelete []string
	bundleCount := 0
	hasZip := false
	for _, info := range infos {
		switch {
		case bundleKeyPattern.MatchString(info.Key):
			bundleCount++
			toDelete = append(toDelete, info.Key)
		case strings.HasSuffix(info.Key, "/repo.zip"):
			hasZip = true
			toDelete = append(toDelete, info.Key)
		}
	}

	valid := bundleCount == 1
	if e.Remote.Scheme == remoteurl.SchemeS3Zip {
		valid = valid && hasZip
	}
	if !valid {
		return fmt.Sprintf("error %s not found", remote)
	}

	for _, key := range toDelete {
		if err := e.Store.Delete(ctx, key); err != nil {
			return errorLine(remote, err.Error())
		}
	}
	return okLine(remote)
}

func (e *Engine) listBundles(ctx context.Context, refPrefix string) ([]bundleObj, error) {
	infos, err := e.Store.List(ctx, refPrefix+"/")
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", refPrefix)
	}
	var out []bundleObj
	for _, info := range infos {
		m := bundleKeyPattern.FindStringSubmatch(info.Key)
		if m == nil {
			continue
		}
		out = append(out, bundleObj{Key: info.Key, SHA: m[1]})
	}
	return out, nil
}

func (e *Engine) isProtected(ctx context.Context, refPrefix string) (bool, error) {
	_, err := e.Store.Head(ctx, refPrefix+"/PROTECTED#")
	if err == nil {
		return true, nil
	}
	if errors.Is(err, objectstore.ErrNotFound) {
		return false, nil
	}
	return false, errors.Wrapf(err, "check protected marker for %s", refPrefix)
}

func (e *Engine) uploadBundle(ctx context.Context, refPrefix, sha, remote, local string) error {
	dir, err := objectstore.TempScratchDir("git-remote-s3-push")
	if err != nil {
		return errors.Wrap(err, "create scratch dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	path, err := gitadapter.Bundle(ctx, e.Dir, dir, sha, local)
	if err != nil {
		return errors.Wrapf(err, "bundle %s", local)
	}

	key := refPrefix + "/" + sha + ".bundle"
	if err := objectstore.UploadWithLimits(ctx, e.Store, key, path, objectstore.PutOptions{}, sha, nil, e.Limits); err != nil {
		return errors.Wrapf(err, "upload bundle for %s", remote)
	}
	return nil
}

func (e *Engine) uploadArchive(ctx context.Context, refPrefix, local, sha string) error {
	dir, err := objectstore.TempScratchDir("git-remote-s3-archive")
	if err != nil {
		return errors.Wrap(err, "create scratch dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	path, err := gitadapter.Archive(ctx, e.Dir, dir, local)
	if err != nil {
		return errors.Wrap(err, "archive")
	}

	msg, err := gitadapter.GetLastCommitMessage(ctx, e.Dir)
	if err != nil {
		msg = ""
	}

	shortSHA := sha
	if len(shortSHA) > 8 {
		shortSHA = shortSHA[:8]
	}
	opts := objectstore.PutOptions{
		ContentType:        "application/zip",
		ContentDisposition: fmt.Sprintf("attachment; filename=repo-%s.zip", shortSHA),
		Metadata:           map[string]string{"codepipeline-artifact-revision-summary": msg},
	}
	key := refPrefix + "/repo.zip"
	if err := objectstore.UploadWithLimits(ctx, e.Store, key, path, opts, sha, nil, e.Limits); err != nil {
		return errors.Wrap(err, "upload archive")
	}
	return nil
}

func (e *Engine) bootstrapHead(ctx context.Context, remote string) error {
	if _, err := e.Store.Head(ctx, e.Remote.HeadKey()); err == nil {
		return nil
	} else if !errors.Is(err, objectstore.ErrNotFound) {
		return errors.Wrap(err, "check HEAD")
	}

	body := strings.NewReader(remote)
	if err := e.Store.Put(ctx, e.Remote.HeadKey(), body, int64(len(remote)), objectstore.PutOptions{ContentType: "text/plain"}); err != nil {
		return errors.Wrap(err, "bootstrap HEAD")
	}
	return nil
}

func okLine(remote string) string {
	return "ok " + remote
}

// errorLine formats a quoted protocol error line. The trailing "?" before
// the newline is not a typo: the original implementation emits it on every
// quoted error (but not on the unquoted delete-not-found message), and
// downstream tooling greps for the exact string, so it is reproduced
// verbatim here.
func errorLine(remote, msg string) string {
	return fmt.Sprintf("error %s %q?", remote, msg)
}
