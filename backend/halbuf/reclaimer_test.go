package halbuf

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/bufcache"
)

func TestReclaimerRunOnce(t *testing.T) {
	r := NewReclaimer(0, []ReclaimFunc{
		func() int { return 2 },
		func() int { return 3 },
	})
	assert.Equal(t, 5, r.RunOnce())
}

func TestReclaimerRunStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	r := NewReclaimer(time.Millisecond, []ReclaimFunc{
		func() int { calls.Add(1); return 0 },
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(ctx) })

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, g.Wait())
}

func TestReclaimerRecyclesSlabEntries(t *testing.T) {
	sm, hm := newTestSlabManager(t)

	buf, err := sm.CreateBuffer(1024, bufcache.Desc{Usage: bufcache.UsageGPURead})
	require.NoError(t, err)
	fence, nf := newFence(t, hm.Device())
	buf.Fence(fence)
	bufcache.Release(buf)

	r := NewReclaimer(time.Millisecond, []ReclaimFunc{sm.ReclaimAll})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	nf.Signal(1)
	require.Eventually(t, func() bool { return hm.Stats().Buffers == 0 }, 5*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
