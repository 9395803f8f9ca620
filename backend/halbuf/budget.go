package halbuf

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/gogpu/bufcache"
)

// Default memory limits.
const (
	// DefaultBudget is the default device memory budget (256 MiB).
	DefaultBudget = 256 << 20

	// MinBudget is the smallest accepted budget (1 MiB).
	MinBudget = 1 << 20
)

// MemoryStats contains device memory usage statistics.
type MemoryStats struct {
	// TotalBytes is the memory budget in bytes.
	TotalBytes uint64

	// UsedBytes is the memory currently allocated in bytes.
	UsedBytes uint64

	// AvailableBytes is the remaining budget.
	AvailableBytes uint64

	// PeakBytes is the largest UsedBytes seen.
	PeakBytes uint64

	// Buffers is the number of live buffers.
	Buffers int

	// Failures counts allocations refused for lack of budget.
	Failures uint64

	// Utilization is the fraction of the budget in use (0.0 to 1.0).
	Utilization float64
}

// String returns a human-readable string of memory stats.
func (s MemoryStats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %s/%s, %d buffers, %d failures]",
		s.Utilization*100,
		humanize.IBytes(s.UsedBytes),
		humanize.IBytes(s.TotalBytes),
		s.Buffers,
		s.Failures)
}

// budget tracks device memory against a limit.
//
// budget is safe for concurrent use.
type budget struct {
	mu       sync.Mutex
	total    uint64
	used     uint64
	peak     uint64
	buffers  int
	failures uint64
}

func newBudget(total uint64) *budget {
	if total < MinBudget {
		total = DefaultBudget
	}
	return &budget{total: total}
}

// reserve accounts for size bytes or fails with ErrOutOfMemory.
func (b *budget) reserve(size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if size > b.total-b.used {
		b.failures++
		return fmt.Errorf("%w: %s requested, %s of %s available",
			bufcache.ErrOutOfMemory,
			humanize.IBytes(size),
			humanize.IBytes(b.total-b.used),
			humanize.IBytes(b.total))
	}
	b.used += size
	b.buffers++
	if b.used > b.peak {
		b.peak = b.used
	}
	return nil
}

// release returns size bytes to the budget.
func (b *budget) release(size uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.used -= size
	b.buffers--
}

func (b *budget) stats() MemoryStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var utilization float64
	if b.total > 0 {
		utilization = float64(b.used) / float64(b.total)
	}
	return MemoryStats{
		TotalBytes:     b.total,
		UsedBytes:      b.used,
		AvailableBytes: b.total - b.used,
		PeakBytes:      b.peak,
		Buffers:        b.buffers,
		Failures:       b.failures,
		Utilization:    utilization,
	}
}
