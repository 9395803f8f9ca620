package cache

import (
	"log/slog"
	"time"

	"github.com/gogpu/bufcache"
)

// Option configures a Cache during creation.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

func defaultOptions() options {
	return options{
		now: time.Now,
	}
}

// WithClock sets the time source used for entry ages.
// Tests use it to advance time deterministically.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets a dedicated logger for the cache.
// By default the cache logs through bufcache.Logger().
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
