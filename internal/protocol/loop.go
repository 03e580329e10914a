// Package protocol implements git's remote-helper line protocol: the
// command loop that reads capabilities/option/list/push/fetch lines from
// git on stdin and writes responses to stdout, batching push and fetch
// commands by phase and flushing on the empty-line terminator.
package protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/errors"

	"github.com/block/git-remote-s3/internal/fetcher"
	"github.com/block/git-remote-s3/internal/objectstore"
	"github.com/block/git-remote-s3/internal/remoteurl"
)

// Pusher processes one queued push command and returns the protocol
// response line. Implemented by *refengine.Engine.
type Pusher interface {
	Push(ctx context.Context, local, remote string) string
}

// Fetcher processes a batch of queued fetch commands concurrently.
// Implemented by *fetcher.Fetcher.
type Fetcher interface {
	FetchBatch(ctx context.Context, cmds []fetcher.Cmd) error
}

// mode tracks which kind of batch is currently being accumulated.
type mode int

const (
	modeIdle mode = iota
	modePush
	modeFetch
)

// Loop drives the remote-helper protocol for a single git invocation.
type Loop struct {
	in     *bufio.Scanner
	out    *bufio.Writer
	errOut io.Writer

	store  objectstore.Store
	remote *remoteurl.Remote
	push   Pusher
	fetch  Fetcher
	level  *slog.LevelVar
	logger *slog.Logger

	mode      mode
	pushCmds  []pushCmd
	fetchCmds []fetcher.Cmd
}

type pushCmd struct {
	local  string
	remote string
}

// bundleKeyPattern recognises a live bundle key anywhere under the bucket,
// skipping malformed/stale keys per spec.md §4.7.
var bundleKeyPattern = regexp.MustCompile(`.+/.+/.+/([a-f0-9]{40})\.bundle$`)

// New constructs a Loop reading commands from in and writing responses to
// out; errOut receives fatal diagnostics (normally os.Stderr).
func New(in io.Reader, out, errOut io.Writer, store objectstore.Store, remote *remoteurl.Remote, push Pusher, fetch Fetcher, level *slog.LevelVar, logger *slog.Logger) *Loop {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Loop{
		in:     scanner,
		out:    bufio.NewWriter(out),
		errOut: errOut,
		store:  store,
		remote: remote,
		push:   push,
		fetch:  fetch,
		level:  level,
		logger: logger,
	}
}

// fatalError marks a fatal protocol violation and carries its message; Run
// returns it so main can print the message and exit 1.
type fatalError struct {
	msg string
}

func (e *fatalError) Error() string { return e.msg }

// Run reads and processes commands until stdin is exhausted. It returns nil
// on a clean end-of-input, a *fatalError for protocol violations (the
// caller should print its message to stderr and exit 1), or another error
// for I/O failures. Broken-pipe writes are treated as a silent, successful
// exit per spec.md §5.
func (l *Loop) Run(ctx context.Context) error {
	for l.in.Scan() {
		line := l.in.Text()
		if err := l.handle(ctx, line); err != nil {
			var fatal *fatalError
			if errors.As(err, &fatal) {
				return fatal
			}
			if isBrokenPipe(err) {
				return nil
			}
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(l.in.Err())
}

// isBrokenPipe reports whether err comes from writing to a closed stdout.
func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}

func (l *Loop) handle(ctx context.Context, line string) error {
	switch {
	case line == "capabilities":
		return l.writeLines("*push", "*fetch", "option", "")
	case line == "":
		return l.flush(ctx)
	case strings.HasPrefix(line, "option "):
		return l.handleOption(strings.TrimPrefix(line, "option "))
	case line == "list" || line == "list for-push":
		return l.handleList(ctx, line == "list for-push")
	case strings.HasPrefix(line, "push "):
		return l.queuePush(strings.TrimPrefix(line, "push "))
	case strings.HasPrefix(line, "fetch "):
		return l.queueFetch(strings.TrimPrefix(line, "fetch "))
	default:
		return &fatalError{msg: fmt.Sprintf("fatal: invalid command '%s'", line)}
	}
}

func (l *Loop) handleOption(rest string) error {
	name, value, _ := strings.Cut(rest, " ")
	if name == "verbosity" {
		if n, err := strconv.Atoi(value); err == nil && n >= 2 && l.level != nil {
			l.level.Set(slog.LevelDebug)
		}
		return l.writeLines("ok")
	}
	return l.writeLines("unsupported")
}

func (l *Loop) queuePush(rest string) error {
	if l.mode != modePush {
		l.mode = modePush
		l.fetchCmds = nil
	}
	local, remote, ok := strings.Cut(rest, ":")
	if !ok {
		return &fatalError{msg: fmt.Sprintf("fatal: invalid command 'push %s'", rest)}
	}
	l.pushCmds = append(l.pushCmds, pushCmd{local: local, remote: remote})
	return nil
}

func (l *Loop) queueFetch(rest string) error {
	if l.mode != modeFetch {
		l.mode = modeFetch
		l.pushCmds = nil
	}
	sha, ref, ok := strings.Cut(rest, " ")
	if !ok {
		return &fatalError{msg: fmt.Sprintf("fatal: invalid command 'fetch %s'", rest)}
	}
	l.fetchCmds = append(l.fetchCmds, fetcher.Cmd{SHA: sha, Ref: ref})
	return nil
}

func (l *Loop) flush(ctx context.Context) error {
	switch l.mode {
	case modePush:
		for _, cmd := range l.pushCmds {
			reply := l.push.Push(ctx, cmd.local, cmd.remote)
			if err := l.writeLines(reply); err != nil {
				return err
			}
		}
		l.pushCmds = nil
	case modeFetch:
		if err := l.fetch.FetchBatch(ctx, l.fetchCmds); err != nil {
			return &fatalError{msg: fmt.Sprintf("fatal: %s", err.Error())}
		}
		l.fetchCmds = nil
	}
	// The terminating empty line is emitted unconditionally, even for an
	// empty flush with mode still Idle — preserving the source behavior
	// flagged as an open question in spec.md §9.
	return l.writeLines("")
}

func (l *Loop) handleList(ctx context.Context, forPush bool) error {
	infos, err := l.store.List(ctx, l.remote.Prefix+"/")
	if err != nil {
		return &fatalError{msg: fmt.Sprintf("fatal: %s", err.Error())}
	}

	var lines []string
	if !forPush {
		if head, ok := l.readHead(ctx); ok {
			lines = append(lines, fmt.Sprintf("@%s HEAD", head))
		}
	}

	for _, info := range infos {
		m := bundleKeyPattern.FindStringSubmatch(info.Key)
		if m == nil {
			continue
		}
		sha := m[1]
		suffix := "/" + sha + ".bundle"
		rel := strings.TrimPrefix(info.Key, l.remote.Prefix+"/")
		ref := strings.TrimSuffix(rel, suffix)
		lines = append(lines, fmt.Sprintf("%s %s", sha, ref))
	}

	lines = append(lines, "")
	return l.writeLines(lines...)
}

func (l *Loop) readHead(ctx context.Context) (string, bool) {
	r, err := l.store.Get(ctx, l.remote.HeadKey())
	if err != nil {
		return "", false
	}
	defer r.Close() //nolint:errcheck
	body, err := io.ReadAll(r)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(body)), true
}

func (l *Loop) writeLines(lines ...string) error {
	for _, line := range lines {
		if _, err := l.out.WriteString(line); err != nil {
			return errors.WithStack(err)
		}
		if _, err := l.out.WriteString("\n"); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(l.out.Flush())
}
