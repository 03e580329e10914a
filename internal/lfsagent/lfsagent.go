// Package lfsagent implements git-lfs's custom transfer agent protocol: a
// streaming-JSON event loop on stdin/stdout that uploads and downloads LFS
// objects through the same object-store adapter and multipart uploader the
// remote helper uses.
package lfsagent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/alecthomas/errors"

	"github.com/block/git-remote-s3/internal/gitadapter"
	"github.com/block/git-remote-s3/internal/objectstore"
	"github.com/block/git-remote-s3/internal/remoteurl"
)

// StoreFactory builds the object-store adapter for a resolved remote. It is
// invoked once, from the `init` event, after the backing bucket URL has
// been resolved.
type StoreFactory func(ctx context.Context, remote *remoteurl.Remote) (objectstore.Store, error)

// Agent drives the LFS custom-transfer event loop for one `git lfs
// push`/`pull` invocation.
type Agent struct {
	NewStore StoreFactory
	// Dir is the local git repository's working directory.
	Dir    string
	Logger *slog.Logger
	// Limits overrides the multipart size-threshold/part-size policy for
	// LFS object uploads; the zero value uses objectstore's defaults.
	Limits objectstore.Limits
	// Ledger, if set, persists which oids have completed an upload across
	// separate agent invocations within the same `git lfs push`, so a
	// resumed push skips re-uploading objects a prior (e.g. killed) agent
	// process already finished. It complements, not replaces, the
	// object-store existence check in handleUpload.
	Ledger *Ledger

	store  objectstore.Store
	remote *remoteurl.Remote

	outMu sync.Mutex
	out   *bufio.Writer
}

type envelope struct {
	Event string `json:"event"`
}

type initEvent struct {
	Event      string `json:"event"`
	Remote     string `json:"remote"`
	Concurrent bool   `json:"concurrent"`
}

type transferEvent struct {
	Event string `json:"event"`
	Oid   string `json:"oid"`
	Size  int64  `json:"size"`
	Path  string `json:"path"`
}

type progressEvent struct {
	Event          string `json:"event"`
	Oid            string `json:"oid"`
	BytesSoFar     int64  `json:"bytesSoFar"`
	BytesSinceLast int64  `json:"bytesSinceLast"`
}

type completeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type completeEvent struct {
	Event string         `json:"event"`
	Oid   string         `json:"oid"`
	Path  string         `json:"path,omitempty"`
	Error *completeError `json:"error,omitempty"`
}

// Run reads init/upload/download events from in and writes responses to
// out until in is exhausted or a fatal error (invalid init event) occurs.
func (a *Agent) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	a.out = bufio.NewWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return errors.Wrapf(err, "parse event %q", string(line))
		}

		switch env.Event {
		case "init":
			if err := a.handleInit(ctx, line); err != nil {
				a.log(ctx, "init failed", err)
				return err
			}
		case "upload":
			a.handleUpload(ctx, line)
		case "download":
			a.handleDownload(ctx, line)
		case "terminate":
			return nil
		}
	}
	return errors.WithStack(scanner.Err())
}

func (a *Agent) log(ctx context.Context, msg string, err error) {
	if a.Logger == nil {
		return
	}
	a.Logger.ErrorContext(ctx, msg, "error", err)
}

func (a *Agent) handleInit(ctx context.Context, line []byte) error {
	var ev initEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return errors.Wrap(err, "parse init event")
	}

	if !gitadapter.ValidateRefName(ev.Remote) {
		a.writeRaw("{}")
		return errors.Errorf("invalid remote %q", ev.Remote)
	}

	uri, err := a.resolveURL(ctx, ev.Remote)
	if err != nil {
		a.writeJSON(map[string]any{
			"error": map[string]any{"code": 2, "message": fmt.Sprintf("cannot resolve remote %q", ev.Remote)},
		})
		return errors.Wrapf(err, "resolve remote %s", ev.Remote)
	}

	remote, err := remoteurl.Parse(uri)
	if err != nil {
		a.writeJSON(map[string]any{
			"error": map[string]any{"code": 2, "message": fmt.Sprintf("s3 uri %s is invalid", uri)},
		})
		return errors.Wrapf(err, "parse remote url %s", uri)
	}
	a.remote = remote

	store, err := a.NewStore(ctx, remote)
	if err != nil {
		a.writeJSON(map[string]any{
			"error": map[string]any{"code": 2, "message": err.Error()},
		})
		return errors.Wrap(err, "open object store")
	}
	a.store = store

	a.writeRaw("{}")
	return nil
}

// resolveURL tries .lfsconfig's remote.<name>.lfsurl first, then falls back
// to `git remote get-url <name>`, matching the original's "preferring
// .lfsconfig" behavior documented as spec.md §9's open question on
// `_lfs_only_url`.
func (a *Agent) resolveURL(ctx context.Context, remote string) (string, error) {
	key := fmt.Sprintf("remote.%s.lfsurl", remote)
	if uri, err := gitadapter.ConfigGetFile(ctx, a.Dir, ".lfsconfig", key); err == nil && uri != "" {
		return uri, nil
	}
	uri, err := gitadapter.RemoteGetURL(ctx, a.Dir, remote)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if uri == "" {
		return "", errors.Errorf("remote %s resolved to an empty url", remote)
	}
	return uri, nil
}

func (a *Agent) fail(ctx context.Context, oid string, err error) {
	a.log(ctx, "transfer failed", err)
	a.writeComplete(completeEvent{Event: "complete", Oid: oid, Error: &completeError{Code: 2, Message: err.Error()}})
}

func (a *Agent) handleUpload(ctx context.Context, line []byte) {
	var ev transferEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		a.fail(ctx, ev.Oid, err)
		return
	}

	key := a.remote.LFSKey(ev.Oid)
	if a.Ledger != nil {
		done, err := a.Ledger.IsComplete(ev.Oid)
		if err != nil {
			a.log(ctx, "ledger lookup failed, falling back to object-store check", err)
		} else if done {
			a.writeComplete(completeEvent{Event: "complete", Oid: ev.Oid})
			return
		}
	}

	exists, err := a.objectExists(ctx, key)
	if err != nil {
		a.fail(ctx, ev.Oid, err)
		return
	}
	if exists {
		a.markComplete(ctx, ev.Oid)
		a.writeComplete(completeEvent{Event: "complete", Oid: ev.Oid})
		return
	}

	progress := func(oid string, soFar, sinceLast int64) {
		a.writeJSON(progressEvent{Event: "progress", Oid: oid, BytesSoFar: soFar, BytesSinceLast: sinceLast})
	}
	if err := objectstore.UploadWithLimits(ctx, a.store, key, ev.Path, objectstore.PutOptions{}, ev.Oid, progress, a.Limits); err != nil {
		a.fail(ctx, ev.Oid, err)
		return
	}
	a.markComplete(ctx, ev.Oid)
	a.writeComplete(completeEvent{Event: "complete", Oid: ev.Oid})
}

// markComplete records oid as done in the Ledger, if one is configured.
// Ledger write failures are logged, not fatal: the object-store existence
// check in handleUpload is the correctness backstop, the ledger only saves
// a redundant Head/Put round-trip on a resumed push.
func (a *Agent) markComplete(ctx context.Context, oid string) {
	if a.Ledger == nil {
		return
	}
	if err := a.Ledger.MarkComplete(oid); err != nil {
		a.log(ctx, "ledger write failed", err)
	}
}

func (a *Agent) handleDownload(ctx context.Context, line []byte) {
	var ev transferEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		a.fail(ctx, ev.Oid, err)
		return
	}

	key := a.remote.LFSKey(ev.Oid)
	r, err := a.store.Get(ctx, key)
	if err != nil {
		a.fail(ctx, ev.Oid, err)
		return
	}
	defer r.Close() //nolint:errcheck

	tmpDir := filepath.Join(a.Dir, ".git", "lfs", "tmp")
	if err := os.MkdirAll(tmpDir, 0o750); err != nil {
		a.fail(ctx, ev.Oid, err)
		return
	}
	path := filepath.Join(tmpDir, ev.Oid)

	f, err := os.Create(path) //nolint:gosec // path is built from the repo's own .git/lfs/tmp
	if err != nil {
		a.fail(ctx, ev.Oid, err)
		return
	}
	defer f.Close() //nolint:errcheck

	counted := &countingReader{r: r, oid: ev.Oid, onProgress: func(oid string, soFar, sinceLast int64) {
		a.writeJSON(progressEvent{Event: "progress", Oid: oid, BytesSoFar: soFar, BytesSinceLast: sinceLast})
	}}
	if _, err := io.Copy(f, counted); err != nil {
		a.fail(ctx, ev.Oid, err)
		return
	}

	a.writeComplete(completeEvent{Event: "complete", Oid: ev.Oid, Path: path})
}

func (a *Agent) objectExists(ctx context.Context, key string) (bool, error) {
	if _, err := a.store.Head(ctx, key); err == nil {
		return true, nil
	} else if errors.Is(err, objectstore.ErrNotFound) {
		return false, nil
	} else {
		return false, errors.WithStack(err)
	}
}

func (a *Agent) writeComplete(ev completeEvent) {
	a.writeJSON(ev)
}

func (a *Agent) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	a.writeRaw(string(data))
}

func (a *Agent) writeRaw(s string) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	_, _ = a.out.WriteString(s)    //nolint:errcheck
	_, _ = a.out.WriteString("\n") //nolint:errcheck
	_ = a.out.Flush()              //nolint:errcheck
}

// countingReader reports download progress the same way uploads do (see
// internal/objectstore.Upload's countingReader), one progress event per
// Read rather than only on the multipart path.
type countingReader struct {
	r          io.Reader
	oid        string
	onProgress func(oid string, soFar, sinceLast int64)
	soFar      int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.soFar += int64(n)
		c.onProgress(c.oid, c.soFar, int64(n))
	}
	return n, err
}
