package fetcher_test

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/block/git-remote-s3/internal/fetcher"
	"github.com/block/git-remote-s3/internal/gitadapter"
	"github.com/block/git-remote-s3/internal/objectstore"
	"github.com/block/git-remote-s3/internal/objectstoretest"
	"github.com/block/git-remote-s3/internal/remoteurl"
)

func gitEnv() []string {
	return append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com")
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = gitEnv()
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("git not usable in this environment: %v: %s", err, out)
	}
}

func TestFetchBatchDedupsRepeatedSHA(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	runGit(t, src, "init", "-q", "-b", "main")
	runGit(t, src, "commit", "-q", "--allow-empty", "-m", "first")

	sha, err := gitadapter.RevParse(ctx, src, "HEAD")
	assert.NoError(t, err)

	bundleDir := t.TempDir()
	path, err := gitadapter.Bundle(ctx, src, bundleDir, sha, "refs/heads/main")
	assert.NoError(t, err)
	data, err := os.ReadFile(path) //nolint:gosec
	assert.NoError(t, err)

	store := objectstoretest.New(nil)
	remote := &remoteurl.Remote{Scheme: remoteurl.SchemeS3, Bucket: "b", Prefix: "repos/foo"}
	key := remote.RefKey("refs/heads/main") + "/" + sha + ".bundle"
	assert.NoError(t, store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), objectstore.PutOptions{}))

	dst := t.TempDir()
	runGit(t, dst, "init", "-q", "-b", "main")

	f := fetcher.New(store, remote, dst)
	cmds := []fetcher.Cmd{
		{SHA: sha, Ref: "refs/heads/main"},
		{SHA: sha, Ref: "refs/heads/main"},
	}
	assert.NoError(t, f.FetchBatch(ctx, cmds))
	assert.Equal(t, 1, store.GetCalls)
}
