// Command git-remote-s3 is the git remote helper invoked by git whenever a
// remote URL uses the s3:// or s3+zip:// scheme. It speaks git's
// remote-helper line protocol on stdin/stdout; see internal/protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/block/git-remote-s3/internal/config"
	"github.com/block/git-remote-s3/internal/fetcher"
	"github.com/block/git-remote-s3/internal/lock"
	"github.com/block/git-remote-s3/internal/logging"
	"github.com/block/git-remote-s3/internal/objectstore"
	"github.com/block/git-remote-s3/internal/protocol"
	"github.com/block/git-remote-s3/internal/refengine"
	"github.com/block/git-remote-s3/internal/remoteurl"
)

// CLI mirrors the two positional arguments git always passes a remote
// helper: the configured remote's name and its URL.
type CLI struct {
	RemoteName string `arg:"" help:"The name git gave this remote."`
	RemoteURL  string `arg:"" help:"The s3:// or s3+zip:// URL of the remote."`
}

func main() {
	var cli CLI
	_ = kong.Parse(&cli, kong.Name("git-remote-s3"), kong.DefaultEnvars("GIT_REMOTE_S3"))

	os.Exit(run(cli))
}

func run(cli CLI) int {
	ctx := context.Background()
	logger, ctx, level := logging.Configure(ctx, os.Stderr, logging.Config{Level: slog.LevelWarn})

	remote, err := remoteurl.Parse(cli.RemoteURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %s\n", err.Error()) //nolint:errcheck
		return 1
	}

	cfg, err := config.Resolve(ctx, "")
	if err != nil {
		logger.WarnContext(ctx, "failed to resolve operational config, using defaults", "error", err)
		cfg = config.Default()
	}

	store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Bucket:  remote.Bucket,
		Profile: remote.Profile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %s\n", classifyFatal(err, remote.Bucket)) //nolint:errcheck
		return 1
	}

	locks := lock.NewManager(store,
		lock.WithTTL(cfg.LockTTL),
		lock.WithRetry(cfg.LockMaxAttempts, cfg.LockInitialBackoff, cfg.LockMaxBackoff))

	engine := refengine.New(store, locks, remote, "")
	engine.Limits = objectstore.Limits{Threshold: cfg.MultipartThreshold, PartSize: cfg.MultipartPartSize}
	fetch := fetcher.New(store, remote, "")
	fetch.Concurrency = cfg.FetchConcurrency

	loop := protocol.New(os.Stdin, os.Stdout, os.Stderr, store, remote, engine, fetch, level, logger)
	if err := loop.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error()) //nolint:errcheck
		return 1
	}
	return 0
}

func classifyFatal(err error, bucket string) string {
	switch {
	case errors.Is(err, objectstore.ErrBucketNotFound):
		return fmt.Sprintf("bucket not found %s", bucket)
	case errors.Is(err, objectstore.ErrAccessDenied):
		return fmt.Sprintf("user not authorized to perform ListBucket on %s", bucket)
	default:
		return err.Error()
	}
}
