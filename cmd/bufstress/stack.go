package main

import (
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/bufcache"
	"github.com/gogpu/bufcache/backend/halbuf"
	"github.com/gogpu/bufcache/config"
	"github.com/gogpu/bufcache/manager"
	"github.com/gogpu/bufcache/metrics"
)

// stack is a device manager with an optional cache and slab layer on top.
type stack struct {
	device hal.Device
	mem    *halbuf.Manager
	cached *manager.Cached
	slabs  *halbuf.SlabManager

	// top is the manager workers allocate from.
	top bufcache.Manager

	// heaps are the usages workers request, indexed by heap.
	heaps []bufcache.Usage
}

func newStack(cfg config.Config) (*stack, error) {
	dc, err := cfg.DeviceConfig()
	if err != nil {
		return nil, err
	}
	dev := &noop.Device{}
	s := &stack{device: dev, mem: halbuf.New(dev, dc)}
	s.top = s.mem
	s.heaps = []bufcache.Usage{bufcache.UsageGPUReadWrite}

	if cfg.Cache.Enabled {
		cc, err := cfg.CacheConfig()
		if err != nil {
			return nil, err
		}
		s.cached = manager.NewCached(s.top, cc)
		s.top = s.cached
	}

	if cfg.Slab.Enabled {
		sc, err := cfg.SlabConfig()
		if err != nil {
			return nil, err
		}
		s.slabs, err = halbuf.NewSlabManager(s.top, sc)
		if err != nil {
			return nil, err
		}
		s.top = s.slabs
		s.heaps = sc.HeapUsage
	}
	return s, nil
}

// reclaimFuncs returns the reclaim passes of every layer that has one.
func (s *stack) reclaimFuncs() []halbuf.ReclaimFunc {
	var funcs []halbuf.ReclaimFunc
	if s.slabs != nil {
		funcs = append(funcs, s.slabs.ReclaimAll)
	}
	if s.cached != nil {
		funcs = append(funcs, s.cached.Trim)
	}
	return funcs
}

// register adds every layer to a metrics collector.
func (s *stack) register(c *metrics.Collector) {
	c.AddMemory("device", s.mem)
	if s.cached != nil {
		c.AddCache("cache", s.cached)
	}
	if s.slabs != nil {
		c.AddSlabs("slab", s.slabs)
	}
}

func (s *stack) destroy() {
	s.top.Destroy()
}
