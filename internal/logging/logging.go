// Package logging provides logging configuration and utility functions.
//
// The remote helper and LFS agent speak their wire protocols on stdout; a
// logger that wrote there would corrupt the protocol stream mid-command. All
// handlers configured here therefore target an explicit io.Writer supplied
// by the caller (stderr for the remote helper, a log file for the LFS
// agent), never os.Stdout.
package logging

import (
	"context"
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
)

type Config struct {
	JSON  bool              `hcl:"json,optional" help:"Enable JSON logging."`
	Level slog.Level        `hcl:"level" help:"Set the logging level." default:"info"`
	Remap map[string]string `hcl:"remap,optional" help:"Remap field names from old to new (e.g., msg=message, time=timestamp)."`
}

type logKey struct{}

// Configure builds a logger that writes to sink (never os.Stdout, which
// carries the protocol stream) and attaches it to ctx. The returned
// *slog.LevelVar lets callers raise the level later (e.g. the remote
// helper's `option verbosity <n>` handling) without reconstructing the
// handler chain.
func Configure(ctx context.Context, sink io.Writer, config Config) (*slog.Logger, context.Context, *slog.LevelVar) {
	level := &slog.LevelVar{}
	level.Set(config.Level)

	var handler slog.Handler
	if config.JSON {
		options := &slog.HandlerOptions{Level: level}
		if len(config.Remap) > 0 {
			options.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
				if len(groups) > 0 {
					return a
				}
				if newName, ok := config.Remap[a.Key]; ok {
					a.Key = newName
				}
				return a
			}
		}
		handler = &messageHandler{inner: slog.NewJSONHandler(sink, options)}
	} else {
		handler = tint.NewHandler(sink, &tint.Options{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		})
	}
	logger := slog.New(handler)
	return logger, context.WithValue(ctx, logKey{}, logger), level
}

func FromContext(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(logKey{}).(*slog.Logger)
	if !ok {
		panic("no logger in context")
	}
	return logger
}

// ContextWithLogger returns a new context with the given logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, logKey{}, logger)
}
