// Package gitadapter wraps the handful of `git` subprocess invocations the
// remote helper and LFS agent need: rev-parse, is-ancestor, bundle,
// unbundle, archive, last-commit-message, and ref-name validation. Every
// operation here is a thin adapter over os/exec; no git object model is
// reimplemented.
package gitadapter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/alecthomas/errors"
)

// GitError wraps a failed git invocation, carrying the subprocess's stderr
// so callers can classify failures (e.g. "not found") without string
// matching deep in the git adapter.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), strings.TrimSpace(e.Stderr))
}

func (e *GitError) Unwrap() error { return e.Err }

func run(ctx context.Context, dir string, args ...string) (string, error) {
	// #nosec G204 - args are constructed by this package, not user input
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &GitError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

// RevParse resolves ref to a full commit sha in the repository rooted at dir
// (dir == "" uses the process's current working directory).
func RevParse(ctx context.Context, dir, ref string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "--verify", ref)
	if err != nil {
		return "", errors.Wrapf(err, "rev-parse %s", ref)
	}
	return strings.TrimSpace(out), nil
}

// IsAncestor reports whether commit a is an ancestor of commit b.
func IsAncestor(ctx context.Context, dir, a, b string) (bool, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", a, b)
	if dir != "" {
		cmd.Dir = dir
	}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, errors.Wrapf(err, "is-ancestor %s %s", a, b)
	}
	return true, nil
}

// Bundle creates a bundle of ref's history into folder, returning the
// resulting file path. The caller owns cleanup of folder.
func Bundle(ctx context.Context, dir, folder, sha, ref string) (string, error) {
	path := filepath.Join(folder, sha+".bundle")
	if _, err := run(ctx, dir, "bundle", "create", path, ref); err != nil {
		return "", errors.Wrapf(err, "bundle create for %s", ref)
	}
	return path, nil
}

// Unbundle unbundles the bundle at <folder>/<sha>.bundle into the local
// repository, updating ref to point at sha.
func Unbundle(ctx context.Context, dir, folder, sha, ref string) error {
	path := filepath.Join(folder, sha+".bundle")
	refspec := fmt.Sprintf("%s:%s", sha, ref)
	if _, err := run(ctx, dir, "bundle", "unbundle", path, refspec); err != nil {
		return errors.Wrapf(err, "unbundle %s", ref)
	}
	if _, err := run(ctx, dir, "update-ref", ref, sha); err != nil {
		return errors.Wrapf(err, "update-ref %s", ref)
	}
	return nil
}

// Archive produces a zip archive of ref's working tree into folder,
// returning the resulting file path.
func Archive(ctx context.Context, dir, folder, ref string) (string, error) {
	path := filepath.Join(folder, "repo.zip")
	// #nosec G204 - dir/folder/ref are controlled by this package's callers
	cmd := exec.CommandContext(ctx, "git", "archive", "--format=zip", "--output", path, ref)
	if dir != "" {
		cmd.Dir = dir
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(&GitError{Args: cmd.Args, Stderr: stderr.String(), Err: err}, "archive %s", ref)
	}
	return path, nil
}

// GetLastCommitMessage returns the subject+body of the tip commit.
func GetLastCommitMessage(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "log", "-1", "--pretty=%B")
	if err != nil {
		return "", errors.Wrap(err, "get last commit message")
	}
	return strings.TrimSpace(out), nil
}

// refNamePattern is a conservative character class for git ref/remote names:
// alphanumerics, dot, underscore, dash, and slash as a path separator.
var refNamePattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// ValidateRefName performs a conservative character-class check used before
// trusting a remote/ref name in a shell-adjacent context (e.g. the LFS
// agent's `init` event), mirroring git_remote_s3's own precautionary check
// even though git has already validated the name by the time it invokes us.
func ValidateRefName(name string) bool {
	if name == "" || strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return refNamePattern.MatchString(name)
}

// RemoteGetURL returns the URL configured for remote in the repository
// rooted at dir, as `git remote get-url <remote>` would print it.
func RemoteGetURL(ctx context.Context, dir, remote string) (string, error) {
	out, err := run(ctx, dir, "remote", "get-url", remote)
	if err != nil {
		return "", errors.Wrapf(err, "resolve remote %s", remote)
	}
	return strings.TrimSpace(out), nil
}

// ConfigGet reads a single config key from the repository's effective git
// config (local, global, system), returning "" and no error if unset.
func ConfigGet(ctx context.Context, dir, key string) (string, error) {
	out, err := run(ctx, dir, "config", "--get", key)
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) {
			return "", nil
		}
		return "", errors.Wrapf(err, "config --get %s", key)
	}
	return strings.TrimSpace(out), nil
}

// ConfigGetFile reads a single config key from an explicit config file
// (e.g. ".lfsconfig") in dir, returning "" and no error if the key or file
// is absent.
func ConfigGetFile(ctx context.Context, dir, file, key string) (string, error) {
	out, err := run(ctx, dir, "config", "-f", file, "--get", key)
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) {
			return "", nil
		}
		return "", errors.Wrapf(err, "config -f %s --get %s", file, key)
	}
	return strings.TrimSpace(out), nil
}

// ConfigAdd runs `git config --add key value`.
func ConfigAdd(ctx context.Context, dir, key, value string) error {
	if _, err := run(ctx, dir, "config", "--add", key, value); err != nil {
		return errors.Wrapf(err, "config --add %s %s", key, value)
	}
	return nil
}

// ConfigUnset runs `git config --unset key`, ignoring a "key not found"
// failure (the key may never have been set, e.g. disable-debug before
// enable-debug).
func ConfigUnset(ctx context.Context, dir, key string) error {
	_, err := run(ctx, dir, "config", "--unset", key)
	var gitErr *GitError
	if err != nil && !errors.As(err, &gitErr) {
		return errors.Wrapf(err, "config --unset %s", key)
	}
	return nil
}
