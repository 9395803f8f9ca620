package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/bufcache"
	"github.com/gogpu/bufcache/internal/list"
)

// Default configuration constants.
const (
	// DefaultTimeout is how long an unused buffer stays cached.
	DefaultTimeout = 500 * time.Millisecond

	// DefaultSizeFactor lets a request be served by a buffer up to twice its size.
	DefaultSizeFactor = 2.0

	// DefaultMaxSize is the default cache capacity (256 MiB).
	DefaultMaxSize = 256 << 20
)

// ReclaimStatus is the result of testing a cached buffer against a request.
type ReclaimStatus int

const (
	// Incompatible means the buffer cannot serve the request.
	Incompatible ReclaimStatus = iota
	// Ready means the buffer matches and the GPU is done with it.
	Ready
	// Busy means the buffer matches but the GPU may still use it.
	Busy
)

// String returns the status name.
func (s ReclaimStatus) String() string {
	switch s {
	case Incompatible:
		return "Incompatible"
	case Ready:
		return "Ready"
	case Busy:
		return "Busy"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Callbacks connect the cache to the backend that owns the buffers.
// Both run with the cache mutex held.
type Callbacks struct {
	// DestroyBuffer frees a buffer that leaves the cache for good.
	DestroyBuffer func(buf bufcache.Buffer)

	// CanReclaim reports whether the GPU is done with buf. Must not block.
	// A nil CanReclaim treats every buffer as idle.
	CanReclaim func(buf bufcache.Buffer) bool
}

// Config holds the cache limits.
type Config struct {
	// Heaps is the number of buckets. Defaults to 1.
	Heaps int

	// Timeout is how long an unused buffer stays cached.
	// Zero or negative means DefaultTimeout.
	Timeout time.Duration

	// SizeFactor is the maximum oversize accepted when matching a request:
	// a buffer of size s serves requests of size r when r <= s <= SizeFactor*r.
	// Zero or negative means DefaultSizeFactor.
	SizeFactor float64

	// BypassUsage lists usage flags that exclude a buffer from caching.
	BypassUsage bufcache.Usage

	// MaxSize is the maximum total size of cached buffers in bytes.
	// Zero means DefaultMaxSize.
	MaxSize uint64
}

// DefaultConfig returns a single-bucket configuration with default limits.
func DefaultConfig() Config {
	return Config{
		Heaps:      1,
		Timeout:    DefaultTimeout,
		SizeFactor: DefaultSizeFactor,
		MaxSize:    DefaultMaxSize,
	}
}

// Entry is the cache bookkeeping embedded in every cacheable buffer.
// An Entry is linked into at most one bucket at a time.
type Entry struct {
	node   list.Node[*Entry]
	buffer bufcache.Buffer
	bucket int
	start  uint32
}

// Init binds the entry to its buffer and bucket. Call it once when the
// buffer is created; the binding survives any number of trips through the
// cache.
func (e *Entry) Init(buf bufcache.Buffer, bucket int) {
	e.node.Value = e
	e.buffer = buf
	e.bucket = bucket
}

// Buffer returns the buffer the entry belongs to.
func (e *Entry) Buffer() bufcache.Buffer { return e.buffer }

// Bucket returns the bucket index the entry is cached in.
func (e *Entry) Bucket() int { return e.bucket }

// Cache is a bucketed cache of retired buffers.
//
// Cache is safe for concurrent use.
// Cache must not be copied after creation (has mutex).
type Cache struct {
	mu sync.Mutex

	buckets []list.List[*Entry]

	cacheSize  uint64
	maxSize    uint64
	timeoutMS  uint32
	bypass     bufcache.Usage
	sizeFactor float64

	cb    Callbacks
	clock *clock
	opts  options

	closed bool
	stats  counters
}

// counters accumulate statistics. Guarded by Cache.mu.
type counters struct {
	added    uint64
	hits     uint64
	misses   uint64
	expired  uint64
	bypassed uint64
	rejected uint64
	released uint64
}

// New creates a cache with cfg limits. cb.DestroyBuffer is required.
func New(cfg Config, cb Callbacks, opts ...Option) *Cache {
	if cb.DestroyBuffer == nil {
		panic("cache: DestroyBuffer callback is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	heaps := cfg.Heaps
	if heaps <= 0 {
		heaps = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	sizeFactor := cfg.SizeFactor
	if sizeFactor <= 0 {
		sizeFactor = DefaultSizeFactor
	}
	maxSize := cfg.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}

	return &Cache{
		buckets:    make([]list.List[*Entry], heaps),
		maxSize:    maxSize,
		timeoutMS:  durationToMS(timeout),
		bypass:     cfg.BypassUsage,
		sizeFactor: sizeFactor,
		cb:         cb,
		clock:      newClock(o.now),
		opts:       o,
	}
}

// AddBuffer puts a buffer whose last reference was dropped into the cache.
//
// Expired buffers in every bucket are destroyed first. The buffer itself is
// destroyed right away when it carries bypass usage or does not fit under
// the size limit.
func (c *Cache) AddBuffer(e *Entry) {
	buf := e.buffer
	if buf == nil {
		panic("cache: entry added before Init")
	}
	if n := buf.Refs().Load(); n != 0 {
		panic(fmt.Sprintf("cache: buffer added with %d live references", n))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.bucket < 0 || e.bucket >= len(c.buckets) {
		panic(fmt.Sprintf("cache: bucket %d out of range [0, %d)", e.bucket, len(c.buckets)))
	}

	if c.closed {
		c.cb.DestroyBuffer(buf)
		return
	}

	now := c.clock.ms()
	for i := range c.buckets {
		c.releaseExpiredLocked(&c.buckets[i], now)
	}

	size := buf.Size()
	if buf.Usage()&c.bypass != 0 {
		c.stats.bypassed++
		c.opts.log().Debug("cache: bypass usage, destroying buffer",
			"size", size, "usage", buf.Usage())
		c.cb.DestroyBuffer(buf)
		return
	}
	if c.cacheSize+size > c.maxSize {
		c.stats.rejected++
		c.opts.log().Debug("cache: buffer exceeds cache limit, destroying",
			"size", size, "cache_size", c.cacheSize, "max_size", c.maxSize)
		c.cb.DestroyBuffer(buf)
		return
	}

	e.start = now
	c.buckets[e.bucket].PushBack(&e.node)
	c.cacheSize += size
	c.stats.added++
}

// ReclaimBuffer returns a cached buffer able to serve a request of size
// bytes with the given alignment and usage from bucket, or nil.
//
// The returned buffer is removed from the cache and holds one reference
// owned by the caller.
//
// The search walks the bucket oldest first and gives up at the first
// compatible buffer that the backend reports as busy. Expired buffers passed
// on the way are destroyed and never returned.
func (c *Cache) ReclaimBuffer(size, alignment uint64, usage bufcache.Usage, bucket int) bufcache.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if bucket < 0 || bucket >= len(c.buckets) {
		panic(fmt.Sprintf("cache: bucket %d out of range [0, %d)", bucket, len(c.buckets)))
	}
	if c.closed {
		c.stats.misses++
		return nil
	}

	b := &c.buckets[bucket]
	now := c.clock.ms()

	var found *Entry
	for n := b.Front(); n != nil; {
		next := n.Next()
		e := n.Value
		status := c.compatible(e, size, alignment, usage)
		if status == Busy {
			break
		}
		if expired(e.start, now, c.timeoutMS) {
			c.destroyEntryLocked(b, e)
			c.stats.expired++
		} else if status == Ready {
			found = e
			break
		}
		n = next
	}

	if found == nil {
		c.stats.misses++
		return nil
	}

	b.Remove(&found.node)
	buf := found.buffer
	c.cacheSize -= buf.Size()
	buf.Refs().Init(1)
	c.stats.hits++
	return buf
}

// compatible tests whether the buffer behind e can serve a request.
// Caller must hold c.mu.
func (c *Cache) compatible(e *Entry, size, alignment uint64, usage bufcache.Usage) ReclaimStatus {
	buf := e.buffer

	if !bufcache.CheckUsage(usage, buf.Usage()) {
		return Incompatible
	}

	bufSize := buf.Size()
	if bufSize < size || float64(bufSize) > c.sizeFactor*float64(size) {
		return Incompatible
	}

	if buf.Usage()&c.bypass != 0 {
		return Incompatible
	}

	if !bufcache.CheckAlignment(alignment, buf.Alignment()) {
		return Incompatible
	}

	if c.cb.CanReclaim != nil && !c.cb.CanReclaim(buf) {
		return Busy
	}

	return Ready
}

// releaseExpiredLocked destroys the expired prefix of a bucket.
// Caller must hold c.mu.
func (c *Cache) releaseExpiredLocked(b *list.List[*Entry], now uint32) int {
	n := 0
	for node := b.Front(); node != nil; node = b.Front() {
		if !expired(node.Value.start, now, c.timeoutMS) {
			break
		}
		c.destroyEntryLocked(b, node.Value)
		c.stats.expired++
		n++
	}
	return n
}

// destroyEntryLocked unlinks e and destroys its buffer.
// Caller must hold c.mu.
func (c *Cache) destroyEntryLocked(b *list.List[*Entry], e *Entry) {
	b.Remove(&e.node)
	c.cacheSize -= e.buffer.Size()
	c.cb.DestroyBuffer(e.buffer)
}

// Trim destroys every expired buffer and returns how many were destroyed.
// Expiry otherwise happens lazily; drivers call Trim from idle points.
func (c *Cache) Trim() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.ms()
	n := 0
	for i := range c.buckets {
		n += c.releaseExpiredLocked(&c.buckets[i], now)
	}
	return n
}

// ReleaseAll destroys every cached buffer and returns how many were destroyed.
// Used under memory pressure and at teardown.
func (c *Cache) ReleaseAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.releaseAllLocked()
}

func (c *Cache) releaseAllLocked() int {
	n := 0
	for i := range c.buckets {
		b := &c.buckets[i]
		for node := b.Front(); node != nil; node = b.Front() {
			c.destroyEntryLocked(b, node.Value)
			n++
		}
	}
	c.stats.released += uint64(n)
	return n
}

// Close destroys every cached buffer. Buffers added afterwards are destroyed
// immediately and ReclaimBuffer always misses.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	n := c.releaseAllLocked()
	c.closed = true
	c.opts.log().Info("cache: closed", "released", n)
}

// Len returns the number of cached buffers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for i := range c.buckets {
		n += c.buckets[i].Len()
	}
	return n
}

// Size returns the total size of cached buffers in bytes.
func (c *Cache) Size() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cacheSize
}

// Config returns the limits the cache was created with.
func (c *Cache) Config() Config {
	return Config{
		Heaps:       len(c.buckets),
		Timeout:     time.Duration(c.timeoutMS) * time.Millisecond,
		SizeFactor:  c.sizeFactor,
		BypassUsage: c.bypass,
		MaxSize:     c.maxSize,
	}
}
