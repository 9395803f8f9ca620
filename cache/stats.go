package cache

import "fmt"

// Stats contains cache statistics.
type Stats struct {
	// Size is the total size of cached buffers in bytes.
	Size uint64
	// MaxSize is the cache capacity in bytes.
	MaxSize uint64
	// Buffers is the number of cached buffers.
	Buffers int
	// BucketBuffers is the number of cached buffers per bucket.
	BucketBuffers []int
	// Added is the number of buffers admitted into the cache.
	Added uint64
	// Hits is the number of requests served from the cache.
	Hits uint64
	// Misses is the number of requests the cache could not serve.
	Misses uint64
	// Expired is the number of buffers destroyed because they aged out.
	Expired uint64
	// Bypassed is the number of buffers destroyed because of bypass usage.
	Bypassed uint64
	// Rejected is the number of buffers destroyed because the cache was full.
	Rejected uint64
	// Released is the number of buffers destroyed by ReleaseAll or Close.
	Released uint64
}

// HitRate returns the fraction of requests served from the cache, 0.0 to 1.0.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Cache[%d buffers, %d/%d bytes, %.1f%% hits, %d expired]",
		s.Buffers, s.Size, s.MaxSize, s.HitRate()*100, s.Expired)
}

// Stats returns a snapshot of the cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:          c.cacheSize,
		MaxSize:       c.maxSize,
		BucketBuffers: make([]int, len(c.buckets)),
		Added:         c.stats.added,
		Hits:          c.stats.hits,
		Misses:        c.stats.misses,
		Expired:       c.stats.expired,
		Bypassed:      c.stats.bypassed,
		Rejected:      c.stats.rejected,
		Released:      c.stats.released,
	}
	for i := range c.buckets {
		n := c.buckets[i].Len()
		s.BucketBuffers[i] = n
		s.Buffers += n
	}
	return s
}
