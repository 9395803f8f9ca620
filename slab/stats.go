package slab

import "fmt"

// Stats contains slab engine statistics.
type Stats struct {
	// LiveSlabs is the number of slabs currently held from the backend.
	LiveSlabs int
	// PeakSlabs is the largest LiveSlabs seen.
	PeakSlabs int
	// LiveEntries is the number of entries in live slabs.
	LiveEntries int
	// Outstanding is the number of entries allocated and not yet freed.
	Outstanding uint64
	// PendingReclaim is the number of freed entries waiting for the GPU.
	PendingReclaim int
	// PeakPendingReclaim is the longest the reclaim list has been.
	PeakPendingReclaim int
	// Allocs is the number of entries handed out.
	Allocs uint64
	// Frees is the number of entries freed.
	Frees uint64
	// Reclaimed is the number of freed entries returned to their slab.
	Reclaimed uint64
	// FailedReclaims counts reclaim attempts on busy entries.
	FailedReclaims uint64
	// SlabsAllocated is the number of slabs requested from the backend.
	SlabsAllocated uint64
	// SlabsFreed is the number of slabs returned to the backend.
	SlabsFreed uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Slabs[%d live, %d outstanding, %d pending, %d allocated, %d freed]",
		s.LiveSlabs, s.Outstanding, s.PendingReclaim, s.SlabsAllocated, s.SlabsFreed)
}

// Stats returns a snapshot of the engine statistics.
func (s *Slabs) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		LiveSlabs:          s.liveSlabs,
		PeakSlabs:          s.peakSlabs,
		LiveEntries:        s.liveTotal,
		Outstanding:        s.stats.allocs - s.stats.frees,
		PendingReclaim:     s.reclaim.Len(),
		PeakPendingReclaim: s.pendingMax,
		Allocs:             s.stats.allocs,
		Frees:              s.stats.frees,
		Reclaimed:          s.stats.reclaimed,
		FailedReclaims:     s.stats.failedReclaims,
		SlabsAllocated:     s.stats.slabsAllocated,
		SlabsFreed:         s.stats.slabsFreed,
	}
}
