// Command git-lfs-s3 is a git-lfs custom transfer agent whose backing
// store is the same S3-compatible bucket git-remote-s3 pushes bundles to.
// With no subcommand it runs the streaming-JSON event loop on stdin/stdout;
// see internal/lfsagent.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"

	"github.com/block/git-remote-s3/internal/lfsagent"
	"github.com/block/git-remote-s3/internal/logging"
	"github.com/block/git-remote-s3/internal/objectstore"
	"github.com/block/git-remote-s3/internal/remoteurl"
)

// defaultLogPath is the fixed sink the original implementation wrote to;
// it stays the default even though the sink is now an injectable writer
// rather than a hardcoded logging.basicConfig call.
const defaultLogPath = ".git/lfs/tmp/git-lfs-s3.log"

// CLI takes an optional single positional subcommand, matching the
// original's sys.argv[1] dispatch: with none given, git-lfs-s3 runs the
// event loop (the only mode git-lfs itself ever invokes).
type CLI struct {
	Command string `arg:"" optional:"" enum:"install,debug,enable-debug,disable-debug," help:"install|debug|enable-debug|disable-debug; omit to run the transfer event loop."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.Name("git-lfs-s3"))

	ctx := context.Background()
	switch cli.Command {
	case "install":
		kctx.FatalIfErrorf(lfsagent.Install(ctx, ""))
		fmt.Println("git-lfs-s3 installed")
	case "enable-debug":
		kctx.FatalIfErrorf(lfsagent.EnableDebug(ctx, ""))
		fmt.Println("debug enabled")
	case "disable-debug":
		kctx.FatalIfErrorf(lfsagent.DisableDebug(ctx, ""))
		fmt.Println("debug disabled")
	case "debug":
		kctx.FatalIfErrorf(serve(slog.LevelDebug))
	default:
		kctx.FatalIfErrorf(serve(slog.LevelError))
	}
}

// defaultLedgerPath sits alongside defaultLogPath in .git/lfs/tmp; see
// internal/lfsagent.Ledger.
const defaultLedgerPath = ".git/lfs/tmp/git-lfs-s3-ledger.db"

func serve(level slog.Level) error {
	if err := os.MkdirAll(filepath.Dir(defaultLogPath), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(defaultLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	ctx := context.Background()
	logger, ctx, _ := logging.Configure(ctx, f, logging.Config{Level: level})

	agent := &lfsagent.Agent{
		Dir:    "",
		Logger: logger,
		NewStore: func(ctx context.Context, remote *remoteurl.Remote) (objectstore.Store, error) {
			return objectstore.NewS3Store(ctx, objectstore.S3Config{
				Bucket:  remote.Bucket,
				Profile: remote.Profile,
			})
		},
	}

	if ledger, err := lfsagent.OpenLedger(defaultLedgerPath); err != nil {
		logger.WarnContext(ctx, "could not open transfer ledger, resume dedup disabled", "error", err)
	} else {
		agent.Ledger = ledger
		defer ledger.Close() //nolint:errcheck
	}

	return agent.Run(ctx, os.Stdin, os.Stdout)
}
