package bufcache

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// discard drops every record. Enabled reports false, so callers never build
// the attributes of a disabled record.
type discard struct{}

func (discard) Enabled(context.Context, slog.Level) bool  { return false }
func (discard) Handle(context.Context, slog.Record) error { return nil }
func (discard) WithAttrs([]slog.Attr) slog.Handler        { return discard{} }
func (discard) WithGroup(string) slog.Handler             { return discard{} }

var (
	silent = slog.New(discard{})

	current atomic.Pointer[slog.Logger]
)

func init() {
	current.Store(silent)
}

// SetLogger sets the logger shared by the cache, slab, manager and halbuf
// packages when they are not given one through their WithLogger options.
// Nothing is logged until SetLogger is called; nil silences logging again.
// It may be called while buffers are being allocated.
//
// Messages are prefixed with the emitting package ("cache:", "slab:",
// "manager:", "halbuf:"). Levels:
//   - [slog.LevelDebug]: a buffer skipped the cache (bypass usage or over
//     max size), a new slab was carved, a slab allocation retried after
//     reclaim, background reclaim passes.
//   - [slog.LevelInfo]: a cache or slab engine closed, a halbuf manager
//     attached to a shared device.
//   - [slog.LevelWarn]: the provider ran out of memory and the cache was
//     emptied, a slab engine or halbuf manager was torn down with buffers
//     still allocated, an unmap failed.
//
// bufstress wires its --log-level flag like this:
//
//	var level slog.Level
//	_ = level.UnmarshalText([]byte("debug"))
//	bufcache.SetLogger(slog.New(slog.NewTextHandler(os.Stderr,
//		&slog.HandlerOptions{Level: level})))
//	defer bufcache.SetLogger(nil)
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = silent
	}
	current.Store(l)
}

// Logger returns the shared logger set by SetLogger.
func Logger() *slog.Logger {
	return current.Load()
}
