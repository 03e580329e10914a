package lfsagent

import (
	"context"

	"github.com/alecthomas/errors"

	"github.com/block/git-remote-s3/internal/gitadapter"
)

// Install registers git-lfs-s3 as the standalone LFS transfer agent for the
// current repository. The two config writes are independent and
// order-sensitive: the original aborts on the first failure without
// attempting the second, so we do the same rather than running both
// unconditionally.
func Install(ctx context.Context, dir string) error {
	if err := gitadapter.ConfigAdd(ctx, dir, "lfs.customtransfer.git-lfs-s3.path", "git-lfs-s3"); err != nil {
		return errors.WithStack(err)
	}
	if err := gitadapter.ConfigAdd(ctx, dir, "lfs.standalonetransferagent", "git-lfs-s3"); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// EnableDebug arranges for the next invocation of git-lfs-s3 to be started
// with the "debug" argument, raising its log level.
func EnableDebug(ctx context.Context, dir string) error {
	return errors.WithStack(gitadapter.ConfigAdd(ctx, dir, "lfs.customtransfer.git-lfs-s3.args", "debug"))
}

// DisableDebug removes the debug argument configured by EnableDebug.
func DisableDebug(ctx context.Context, dir string) error {
	return errors.WithStack(gitadapter.ConfigUnset(ctx, dir, "lfs.customtransfer.git-lfs-s3.args"))
}
