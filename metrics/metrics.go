// Package metrics exports buffer cache, slab and device memory statistics
// to Prometheus.
//
// [Collector] is a prometheus.Collector that reads Stats snapshots from
// registered sources at scrape time, so the engines carry no Prometheus
// dependency and pay nothing between scrapes.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gogpu/bufcache/backend/halbuf"
	"github.com/gogpu/bufcache/cache"
	"github.com/gogpu/bufcache/slab"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "bufcache"

// CacheSource provides cache statistics, e.g. *cache.Cache or *manager.Cached.
type CacheSource interface {
	Stats() cache.Stats
}

// SlabSource provides slab statistics, e.g. *slab.Slabs or *halbuf.SlabManager.
type SlabSource interface {
	Stats() slab.Stats
}

// MemorySource provides device memory statistics, e.g. *halbuf.Manager.
type MemorySource interface {
	Stats() halbuf.MemoryStats
}

type namedCache struct {
	name string
	src  CacheSource
}

type namedSlabs struct {
	name string
	src  SlabSource
}

type namedMemory struct {
	name string
	src  MemorySource
}

// Collector exports statistics of registered sources.
// Every metric carries a "name" label identifying its source.
//
// Collector is safe for concurrent use.
type Collector struct {
	mu     sync.RWMutex
	caches []namedCache
	slabs  []namedSlabs
	memory []namedMemory

	cacheBytes     *prometheus.Desc
	cacheMaxBytes  *prometheus.Desc
	cacheBuffers   *prometheus.Desc
	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cacheDestroyed *prometheus.Desc

	slabLive      *prometheus.Desc
	slabEntries   *prometheus.Desc
	slabPending   *prometheus.Desc
	slabAllocs    *prometheus.Desc
	slabFrees     *prometheus.Desc
	slabReclaimed *prometheus.Desc
	slabCreated   *prometheus.Desc
	slabReleased  *prometheus.Desc

	memUsed     *prometheus.Desc
	memBudget   *prometheus.Desc
	memBuffers  *prometheus.Desc
	memFailures *prometheus.Desc
}

// NewCollector creates a collector with metric names under namespace.
// An empty namespace means DefaultNamespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	name := []string{"name"}
	desc := func(subsystem, metric, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, metric),
			help, append(name, labels...), nil)
	}

	return &Collector{
		cacheBytes:     desc("cache", "bytes", "Total size of cached buffers."),
		cacheMaxBytes:  desc("cache", "max_bytes", "Cache capacity."),
		cacheBuffers:   desc("cache", "buffers", "Number of cached buffers."),
		cacheHits:      desc("cache", "hits_total", "Requests served from the cache."),
		cacheMisses:    desc("cache", "misses_total", "Requests the cache could not serve."),
		cacheDestroyed: desc("cache", "destroyed_total", "Buffers destroyed by the cache.", "reason"),

		slabLive:      desc("slab", "slabs", "Slabs held from the backend."),
		slabEntries:   desc("slab", "outstanding_entries", "Entries allocated and not yet freed."),
		slabPending:   desc("slab", "pending_reclaim_entries", "Freed entries waiting for the GPU."),
		slabAllocs:    desc("slab", "allocs_total", "Entries handed out."),
		slabFrees:     desc("slab", "frees_total", "Entries freed."),
		slabReclaimed: desc("slab", "reclaimed_total", "Freed entries returned to their slab."),
		slabCreated:   desc("slab", "slabs_allocated_total", "Slabs requested from the backend."),
		slabReleased:  desc("slab", "slabs_freed_total", "Slabs returned to the backend."),

		memUsed:     desc("memory", "used_bytes", "Device memory in use."),
		memBudget:   desc("memory", "budget_bytes", "Device memory budget."),
		memBuffers:  desc("memory", "buffers", "Live device buffers."),
		memFailures: desc("memory", "failures_total", "Allocations refused for lack of budget."),
	}
}

// AddCache registers a cache source under name.
func (c *Collector) AddCache(name string, src CacheSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caches = append(c.caches, namedCache{name, src})
}

// AddSlabs registers a slab source under name.
func (c *Collector) AddSlabs(name string, src SlabSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slabs = append(c.slabs, namedSlabs{name, src})
}

// AddMemory registers a device memory source under name.
func (c *Collector) AddMemory(name string, src MemorySource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory = append(c.memory, namedMemory{name, src})
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.cacheBytes, c.cacheMaxBytes, c.cacheBuffers, c.cacheHits, c.cacheMisses, c.cacheDestroyed,
		c.slabLive, c.slabEntries, c.slabPending, c.slabAllocs, c.slabFrees, c.slabReclaimed,
		c.slabCreated, c.slabReleased,
		c.memUsed, c.memBudget, c.memBuffers, c.memFailures,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	for _, s := range c.caches {
		st := s.src.Stats()
		gauge(c.cacheBytes, float64(st.Size), s.name)
		gauge(c.cacheMaxBytes, float64(st.MaxSize), s.name)
		gauge(c.cacheBuffers, float64(st.Buffers), s.name)
		counter(c.cacheHits, st.Hits, s.name)
		counter(c.cacheMisses, st.Misses, s.name)
		counter(c.cacheDestroyed, st.Expired, s.name, "expired")
		counter(c.cacheDestroyed, st.Bypassed, s.name, "bypass")
		counter(c.cacheDestroyed, st.Rejected, s.name, "full")
		counter(c.cacheDestroyed, st.Released, s.name, "released")
	}

	for _, s := range c.slabs {
		st := s.src.Stats()
		gauge(c.slabLive, float64(st.LiveSlabs), s.name)
		gauge(c.slabEntries, float64(st.Outstanding), s.name)
		gauge(c.slabPending, float64(st.PendingReclaim), s.name)
		counter(c.slabAllocs, st.Allocs, s.name)
		counter(c.slabFrees, st.Frees, s.name)
		counter(c.slabReclaimed, st.Reclaimed, s.name)
		counter(c.slabCreated, st.SlabsAllocated, s.name)
		counter(c.slabReleased, st.SlabsFreed, s.name)
	}

	for _, s := range c.memory {
		st := s.src.Stats()
		gauge(c.memUsed, float64(st.UsedBytes), s.name)
		gauge(c.memBudget, float64(st.TotalBytes), s.name)
		gauge(c.memBuffers, float64(st.Buffers), s.name)
		counter(c.memFailures, st.Failures, s.name)
	}
}

// Handler returns an HTTP handler serving c and the Go runtime collectors
// from a private registry.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}
