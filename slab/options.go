package slab

import (
	"log/slog"

	"github.com/gogpu/bufcache"
)

// Option configures Slabs during creation.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets a dedicated logger for the engine.
// By default the engine logs through bufcache.Logger().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func (o *options) log() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return bufcache.Logger()
}
