package gitadapter

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
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
	run("init", "-q")
	run("commit", "--allow-empty", "-q", "-m", "first commit")
	return dir
}

func TestRevParseAndIsAncestor(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()

	sha, err := RevParse(ctx, dir, "HEAD")
	assert.NoError(t, err)
	assert.True(t, len(sha) == 40)

	ok, err := IsAncestor(ctx, dir, sha, sha)
	assert.NoError(t, err)
	assert.True(t, ok)

	_, err = RevParse(ctx, dir, "does-not-exist")
	assert.Error(t, err)
}

func TestBundleWritesSHANamedFile(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()

	sha, err := RevParse(ctx, dir, "refs/heads/master")
	if err != nil {
		sha, err = RevParse(ctx, dir, "HEAD")
	}
	assert.NoError(t, err)

	bundleDir := t.TempDir()
	path, err := Bundle(ctx, dir, bundleDir, sha, "HEAD")
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(bundleDir, sha+".bundle"), path)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestValidateRefName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"origin", true},
		{"refs/heads/main", true},
		{"feature/x-1.2", true},
		{"", false},
		{"-rf", false},
		{"../etc/passwd", false},
		{"/abs", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, ValidateRefName(tt.name), tt.name)
	}
}
