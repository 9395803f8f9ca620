package halbuf

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultReclaimInterval is how often a Reclaimer runs by default.
const DefaultReclaimInterval = 100 * time.Millisecond

// ReclaimFunc recycles idle memory and returns how many buffers it freed.
// Both (*SlabManager).ReclaimAll and (*manager.Cached).Trim qualify.
type ReclaimFunc func() int

// Reclaimer periodically runs reclaim functions, for drivers that do not
// reclaim from their own idle points.
type Reclaimer struct {
	limiter *rate.Limiter
	funcs   []ReclaimFunc
	opts    options
}

// NewReclaimer runs funcs at most once per interval.
func NewReclaimer(interval time.Duration, funcs []ReclaimFunc, opts ...Option) *Reclaimer {
	if interval <= 0 {
		interval = DefaultReclaimInterval
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Reclaimer{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		funcs:   funcs,
		opts:    o,
	}
}

// RunOnce calls every reclaim function and returns the total freed.
func (r *Reclaimer) RunOnce() int {
	n := 0
	for _, f := range r.funcs {
		n += f()
	}
	if n > 0 {
		r.opts.log().Debug("halbuf: reclaimed", "buffers", n)
	}
	return n
}

// Run reclaims until ctx is done. It always returns nil; the error result
// lets Run be used directly with errgroup.
func (r *Reclaimer) Run(ctx context.Context) error {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			// The next tick falls past the deadline.
			<-ctx.Done()
			return nil
		}
		r.RunOnce()
	}
}
