package refengine_test

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/block/git-remote-s3/internal/lock"
	"github.com/block/git-remote-s3/internal/objectstore"
	"github.com/block/git-remote-s3/internal/objectstoretest"
	"github.com/block/git-remote-s3/internal/refengine"
	"github.com/block/git-remote-s3/internal/remoteurl"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com")
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Skipf("git not usable in this environment: %v: %s", err, out)
		}
	}
	run("init", "-q", "-b", "main")
	run("commit", "--allow-empty", "-q", "-m", "first commit")
	return dir
}

func commitMore(t *testing.T, dir string) {
	t.Helper()
	cmd := exec.Command("git", "commit", "--allow-empty", "-q", "-m", "second commit")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com")
	assert.NoError(t, cmd.Run())
}

func newEngine(store objectstore.Store, dir string) *refengine.Engine {
	remote := &remoteurl.Remote{Scheme: remoteurl.SchemeS3, Bucket: "b", Prefix: "repos/foo"}
	return refengine.New(store, lock.NewManager(store), remote, dir)
}

func TestPushFastForward(t *testing.T) {
	dir := initRepo(t)
	store := objectstoretest.New(nil)
	e := newEngine(store, dir)
	ctx := context.Background()

	reply := e.Push(ctx, "refs/heads/main", "refs/heads/main")
	assert.Equal(t, "ok refs/heads/main", reply)

	_, err := store.Head(ctx, "repos/foo/HEAD")
	assert.NoError(t, err)

	infos, err := store.List(ctx, "repos/foo/refs/heads/main/")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(infos))
}

func TestPushNonFastForwardRejected(t *testing.T) {
	dir := initRepo(t)
	store := objectstoretest.New(nil)
	e := newEngine(store, dir)
	ctx := context.Background()

	assert.Equal(t, "ok refs/heads/main", e.Push(ctx, "refs/heads/main", "refs/heads/main"))

	// Rewrite history so the old remote bundle is no longer an ancestor.
	cmd := exec.Command("git", "commit", "--amend", "-q", "--allow-empty", "-m", "rewritten")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com")
	assert.NoError(t, cmd.Run())

	reply := e.Push(ctx, "refs/heads/main", "refs/heads/main")
	assert.Equal(t, `error refs/heads/main "remote ref is not ancestor of refs/heads/main."?`, reply)

	infos, err := store.List(ctx, "repos/foo/refs/heads/main/")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(infos))
}

func TestPushForceReplacesBundle(t *testing.T) {
	dir := initRepo(t)
	store := objectstoretest.New(nil)
	e := newEngine(store, dir)
	ctx := context.Background()

	assert.Equal(t, "ok refs/heads/main", e.Push(ctx, "refs/heads/main", "refs/heads/main"))

	cmd := exec.Command("git", "commit", "--amend", "-q", "--allow-empty", "-m", "rewritten")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com")
	assert.NoError(t, cmd.Run())

	reply := e.Push(ctx, "+refs/heads/main", "refs/heads/main")
	assert.Equal(t, "ok refs/heads/main", reply)

	infos, err := store.List(ctx, "repos/foo/refs/heads/main/")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(infos))
}

func TestPushForceRejectedWhenProtected(t *testing.T) {
	dir := initRepo(t)
	store := objectstoretest.New(nil)
	e := newEngine(store, dir)
	ctx := context.Background()

	assert.Equal(t, "ok refs/heads/main", e.Push(ctx, "refs/heads/main", "refs/heads/main"))
	assert.NoError(t, store.Put(ctx, "repos/foo/refs/heads/main/PROTECTED#", bytes.NewReader(nil), 0, objectstore.PutOptions{}))

	cmd := exec.Command("git", "commit", "--amend", "-q", "--allow-empty", "-m", "rewritten")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com")
	assert.NoError(t, cmd.Run())

	reply := e.Push(ctx, "+refs/heads/main", "refs/heads/main")
	assert.Equal(t, `error refs/heads/main "remote ref is not ancestor of refs/heads/main."?`, reply)
}

func TestPushDelete(t *testing.T) {
	dir := initRepo(t)
	store := objectstoretest.New(nil)
	e := newEngine(store, dir)
	ctx := context.Background()

	assert.Equal(t, "ok refs/heads/main", e.Push(ctx, "refs/heads/main", "refs/heads/main"))

	reply := e.Push(ctx, "", "refs/heads/main")
	assert.Equal(t, "ok refs/heads/main", reply)

	infos, err := store.List(ctx, "repos/foo/refs/heads/main/")
	assert.NoError(t, err)
	assert.Equal(t, 0, len(infos))
}

func TestPushDeleteNotFound(t *testing.T) {
	store := objectstoretest.New(nil)
	e := newEngine(store, "")
	ctx := context.Background()

	reply := e.Push(ctx, "", "refs/heads/main")
	assert.Equal(t, "error refs/heads/main not found", reply)
}

func TestPushMultipleBundlesRejected(t *testing.T) {
	dir := initRepo(t)
	store := objectstoretest.New(nil)
	e := newEngine(store, dir)
	ctx := context.Background()

	assert.NoError(t, store.Put(ctx, "repos/foo/refs/heads/main/"+sha40('a')+".bundle", bytes.NewReader(nil), 0, objectstore.PutOptions{}))
	assert.NoError(t, store.Put(ctx, "repos/foo/refs/heads/main/"+sha40('b')+".bundle", bytes.NewReader(nil), 0, objectstore.PutOptions{}))

	reply := e.Push(ctx, "refs/heads/main", "refs/heads/main")
	assert.Equal(t, `error refs/heads/main "multiple bundles exists on server. Run git-s3 doctor to fix."?`, reply)
}

func sha40(c byte) string {
	b := make([]byte, 40)
	for i := range b {
		b[i] = c
	}
	return string(b)
}
