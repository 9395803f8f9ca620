package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"golang.org/x/time/rate"

	"github.com/gogpu/bufcache"
	"github.com/gogpu/bufcache/backend/halbuf"
)

// workload describes what each worker does.
type workload struct {
	ops        int
	maxSize    uint64
	largeSize  uint64
	largeEvery int
	inflight   int
	rate       float64
	seed       uint64
}

// counters are shared by all workers.
type counters struct {
	ops         atomic.Uint64
	bytes       atomic.Uint64
	outOfMemory atomic.Uint64
	busyMaps    atomic.Uint64
}

// submission is a simulated GPU submission holding buffers in flight.
type submission struct {
	fence hal.Fence
	raw   *noop.Fence
}

type worker struct {
	id      int
	st      *stack
	w       workload
	c       *counters
	rng     *rand.Rand
	limiter *rate.Limiter
	pending []submission
}

func newWorker(id int, st *stack, w workload, c *counters) *worker {
	wk := &worker{
		id:  id,
		st:  st,
		w:   w,
		c:   c,
		rng: rand.New(rand.NewPCG(w.seed, uint64(id))),
	}
	if w.rate > 0 {
		wk.limiter = rate.NewLimiter(rate.Limit(w.rate), 1)
	}
	return wk
}

func (wk *worker) run(ctx context.Context) error {
	defer wk.retireAll()
	for i := 0; i < wk.w.ops; i++ {
		if wk.limiter != nil {
			if err := wk.limiter.Wait(ctx); err != nil {
				return nil
			}
		} else if ctx.Err() != nil {
			return nil
		}
		if err := wk.step(i); err != nil {
			return err
		}
	}
	return nil
}

// step allocates one buffer, writes it when CPU-visible, submits it and
// releases it while the submission is still in flight.
func (wk *worker) step(i int) error {
	heap := wk.rng.IntN(len(wk.st.heaps))
	usage := wk.st.heaps[heap]
	size := 1 + wk.rng.Uint64N(wk.w.maxSize)
	if wk.w.largeEvery > 0 && i%wk.w.largeEvery == wk.w.largeEvery-1 {
		size = wk.w.largeSize/2 + wk.rng.Uint64N(wk.w.largeSize/2+1)
	}

	buf, err := wk.st.top.CreateBuffer(size, bufcache.Desc{Usage: usage, Heap: heap})
	if errors.Is(err, bufcache.ErrOutOfMemory) {
		wk.c.outOfMemory.Add(1)
		wk.retireAll()
		return nil
	}
	if err != nil {
		return err
	}
	wk.c.ops.Add(1)
	wk.c.bytes.Add(size)

	if usage.Contains(bufcache.UsageCPUWrite) {
		data, err := buf.Map(bufcache.UsageCPUWrite|bufcache.UsageDontBlock, nil)
		switch {
		case errors.Is(err, bufcache.ErrBusy):
			wk.c.busyMaps.Add(1)
		case err != nil:
			bufcache.Release(buf)
			return err
		default:
			for j := range data {
				data[j] = byte(i + j)
			}
			buf.Unmap()
		}
	}

	fence, err := wk.submit()
	if err != nil {
		bufcache.Release(buf)
		return err
	}
	buf.Fence(fence)
	bufcache.Release(buf)
	return nil
}

// submit opens a submission and retires the oldest beyond the in-flight depth.
func (wk *worker) submit() (*halbuf.SubmissionFence, error) {
	f, err := wk.st.device.CreateFence()
	if err != nil {
		return nil, err
	}
	wk.pending = append(wk.pending, submission{fence: f, raw: f.(*noop.Fence)})
	for len(wk.pending) > wk.w.inflight {
		wk.retire()
	}
	return halbuf.NewSubmissionFence(wk.st.device, f, 1), nil
}

func (wk *worker) retire() {
	s := wk.pending[0]
	wk.pending = wk.pending[1:]
	s.raw.Signal(1)
	wk.st.device.DestroyFence(s.fence)
}

func (wk *worker) retireAll() {
	for len(wk.pending) > 0 {
		wk.retire()
	}
}
