// Package config loads the optional operational-tuning file that adjusts
// lock, multipart, and fetch-concurrency defaults away from the
// conservative values baked into internal/lock, internal/objectstore, and
// internal/fetcher.
package config

import (
	"context"
	"os"
	"time"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/hcl/v2"

	"github.com/block/git-remote-s3/internal/gitadapter"
)

// Config is the full set of operational knobs a git-remote-s3.hcl file may
// override. Every field has a default matching the hardcoded values this
// re-implementation otherwise ships with (SPEC_FULL.md §8).
type Config struct {
	LockTTL            time.Duration `hcl:"lock-ttl,optional" help:"How long a per-ref lock may be held before another acquirer may reclaim it." default:"60s"`
	LockMaxAttempts    int           `hcl:"lock-max-attempts,optional" help:"Maximum lock acquisition attempts before giving up." default:"5"`
	LockInitialBackoff time.Duration `hcl:"lock-initial-backoff,optional" help:"Initial backoff between lock acquisition retries." default:"200ms"`
	LockMaxBackoff     time.Duration `hcl:"lock-max-backoff,optional" help:"Backoff ceiling for lock acquisition retries." default:"5s"`
	MultipartThreshold int64         `hcl:"multipart-threshold,optional" help:"File size above which uploads switch to multipart." default:"2147483648"`
	MultipartPartSize  int64         `hcl:"multipart-part-size,optional" help:"Size of each part in a multipart upload." default:"104857600"`
	FetchConcurrency   int           `hcl:"fetch-concurrency,optional" help:"Maximum number of fetch commands processed concurrently; 0 selects NumCPU*4." default:"0"`
}

// Default returns Config populated with its documented defaults, as if an
// empty HCL file had been parsed.
func Default() Config {
	return Config{
		LockTTL:            60 * time.Second,
		LockMaxAttempts:    5,
		LockInitialBackoff: 200 * time.Millisecond,
		LockMaxBackoff:     5 * time.Second,
		MultipartThreshold: 2 * 1024 * 1024 * 1024,
		MultipartPartSize:  100 * 1024 * 1024,
		FetchConcurrency:   0,
	}
}

// Resolve locates and loads the operational tuning file for the repository
// rooted at dir: the path named by `git config --get remote-s3.config`, or
// Default() if that key is unset or the file doesn't exist.
func Resolve(ctx context.Context, dir string) (Config, error) {
	cfg := Default()

	path, err := gitadapter.ConfigGet(ctx, dir, "remote-s3.config")
	if err != nil {
		return Config{}, errors.Wrap(err, "resolve remote-s3.config path")
	}
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path) //nolint:gosec // path comes from the repository's own git config
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close() //nolint:errcheck

	ast, err := hcl.Parse(f)
	if err != nil {
		return Config{}, errors.Wrapf(err, "parse %s", path)
	}
	if err := hcl.UnmarshalAST(ast, &cfg, hcl.HydratedImplicitBlocks(true)); err != nil {
		return Config{}, errors.Wrapf(err, "unmarshal %s", path)
	}
	return cfg, nil
}
