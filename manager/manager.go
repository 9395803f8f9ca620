// Package manager wraps a buffer manager with a cache of retired buffers.
//
// [Cached] sits in front of a provider [bufcache.Manager]. Buffers it hands
// out go back into a [cache.Cache] when their last reference is released
// instead of being destroyed, and later requests of a compatible size and
// usage are served from there.
package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/bufcache"
	"github.com/gogpu/bufcache/cache"
)

// ErrInvalidHeap is returned when Desc.Heap does not name a cache bucket.
var ErrInvalidHeap = errors.New("manager: heap out of range")

// Option configures a Cached manager during creation.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	cacheOpts []cache.Option
}

// WithLogger sets a dedicated logger for the manager and its cache.
// By default both log through bufcache.Logger().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithCacheOptions passes options through to the underlying cache.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(o *options) {
		o.cacheOpts = append(o.cacheOpts, opts...)
	}
}

func (o *options) log() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return bufcache.Logger()
}

// Cached is a bufcache.Manager that recycles buffers of a provider manager.
//
// Cached is safe for concurrent use if the provider is.
type Cached struct {
	provider bufcache.Manager
	busy     bufcache.BusyChecker
	cache    *cache.Cache
	cfg      cache.Config
	opts     options
}

// NewCached creates a caching manager in front of provider.
//
// If provider implements bufcache.BusyChecker it decides whether a cached
// buffer is idle; otherwise the buffer is probed with a non-blocking map.
func NewCached(provider bufcache.Manager, cfg cache.Config, opts ...Option) *Cached {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := &Cached{
		provider: provider,
		opts:     o,
	}
	m.busy, _ = provider.(bufcache.BusyChecker)

	cacheOpts := o.cacheOpts
	if o.logger != nil {
		cacheOpts = append([]cache.Option{cache.WithLogger(o.logger)}, cacheOpts...)
	}
	m.cache = cache.New(cfg, cache.Callbacks{
		DestroyBuffer: m.destroyBuffer,
		CanReclaim:    m.canReclaim,
	}, cacheOpts...)
	m.cfg = m.cache.Config()

	return m
}

// CreateBuffer returns a buffer of at least size bytes, reusing a cached
// buffer when one is compatible with desc.
//
// Requests with bypass usage go straight to the provider. When the
// provider is out of memory the cache is emptied and the allocation is
// retried once.
func (m *Cached) CreateBuffer(size uint64, desc bufcache.Desc) (bufcache.Buffer, error) {
	if desc.Usage&m.cfg.BypassUsage != 0 {
		return m.provider.CreateBuffer(size, desc)
	}
	if size == 0 {
		return nil, fmt.Errorf("manager: create buffer: %w", bufcache.ErrInvalidSize)
	}
	if !bufcache.ValidAlignment(desc.Alignment) {
		return nil, fmt.Errorf("manager: create buffer: %w: %d", bufcache.ErrInvalidAlignment, desc.Alignment)
	}
	if desc.Heap < 0 || desc.Heap >= m.cfg.Heaps {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidHeap, desc.Heap, m.cfg.Heaps)
	}

	// Cached buffers all carry aligned sizes, so round the request the
	// same way to keep the size match meaningful.
	size = bufcache.AlignUp(size, desc.Alignment)

	if buf := m.cache.ReclaimBuffer(size, desc.Alignment, desc.Usage, desc.Heap); buf != nil {
		return buf, nil
	}

	inner, err := m.provider.CreateBuffer(size, desc)
	if err != nil {
		n := m.cache.ReleaseAll()
		m.opts.log().Warn("manager: provider allocation failed, emptied cache and retrying",
			"size", size, "usage", desc.Usage, "released", n, "err", err)
		inner, err = m.provider.CreateBuffer(size, desc)
		if err != nil {
			return nil, fmt.Errorf("manager: create %d-byte buffer: %w", size, err)
		}
	}

	if inner.Size() < size || !bufcache.CheckAlignment(desc.Alignment, inner.Alignment()) {
		bufcache.Release(inner)
		return nil, fmt.Errorf("manager: provider returned %d bytes aligned to %d for %d bytes aligned to %d",
			inner.Size(), inner.Alignment(), size, desc.Alignment)
	}

	b := &cachedBuffer{inner: inner, mgr: m}
	b.Init(inner.Size(), inner.Alignment(), inner.Usage(), inner.Placement())
	b.entry.Init(b, desc.Heap)
	return b, nil
}

// Evict marks a buffer created by m so that it is destroyed instead of
// cached when its last reference is released. It reports whether buf
// belongs to m's cache.
func (m *Cached) Evict(buf bufcache.Buffer) bool {
	b, ok := buf.(*cachedBuffer)
	if !ok || b.mgr != m {
		return false
	}
	b.evicted.Store(true)
	return true
}

// Flush destroys every cached buffer and flushes the provider.
func (m *Cached) Flush() {
	m.cache.ReleaseAll()
	m.provider.Flush()
}

// Trim destroys cached buffers that outlived the cache timeout.
func (m *Cached) Trim() int {
	return m.cache.Trim()
}

// Destroy empties and closes the cache, then destroys the provider.
// Buffers released afterwards are destroyed directly.
func (m *Cached) Destroy() {
	m.cache.Close()
	m.provider.Destroy()
}

// Stats returns a snapshot of the cache statistics.
func (m *Cached) Stats() cache.Stats {
	return m.cache.Stats()
}

// Cache returns the underlying cache.
func (m *Cached) Cache() *cache.Cache {
	return m.cache
}

func (m *Cached) destroyBuffer(buf bufcache.Buffer) {
	bufcache.Release(buf.(*cachedBuffer).inner)
}

func (m *Cached) canReclaim(buf bufcache.Buffer) bool {
	inner := buf.(*cachedBuffer).inner
	if m.busy != nil {
		return !m.busy.IsBufferBusy(inner)
	}
	if _, err := inner.Map(bufcache.UsageDontBlock, nil); err != nil {
		return false
	}
	inner.Unmap()
	return true
}

// cachedBuffer wraps a provider buffer. Its last release returns it to the
// cache; the provider buffer keeps its own single reference throughout.
type cachedBuffer struct {
	bufcache.Base
	entry   cache.Entry
	inner   bufcache.Buffer
	mgr     *Cached
	evicted atomic.Bool
}

func (b *cachedBuffer) Map(usage bufcache.Usage, flush bufcache.Flusher) ([]byte, error) {
	return b.inner.Map(usage, flush)
}

func (b *cachedBuffer) Unmap() {
	b.inner.Unmap()
}

func (b *cachedBuffer) Validate(v bufcache.Validator, usage bufcache.Usage) error {
	return b.inner.Validate(v, usage)
}

func (b *cachedBuffer) Fence(f bufcache.Fence) {
	b.inner.Fence(f)
}

func (b *cachedBuffer) BaseBuffer() (bufcache.Buffer, uint64) {
	return b.inner.BaseBuffer()
}

func (b *cachedBuffer) Destroy() {
	if b.evicted.Load() {
		bufcache.Release(b.inner)
		return
	}
	b.mgr.cache.AddBuffer(&b.entry)
}
