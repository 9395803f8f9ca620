package slab

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/gogpu/bufcache"
	"github.com/gogpu/bufcache/internal/list"
)

// DefaultMaxFailedReclaims is how many consecutive busy entries end a
// bounded reclaim pass. Reclaim lists tend to be either mostly idle or
// mostly busy, so a short run of failures predicts the rest.
const DefaultMaxFailedReclaims = 2

// Slab engine errors.
var (
	// ErrInvalidConfig is returned by New for unusable order or heap counts.
	ErrInvalidConfig = errors.New("slab: invalid configuration")

	// ErrInvalidHeap is returned when a heap index is out of range.
	ErrInvalidHeap = errors.New("slab: heap out of range")

	// ErrClosed is returned when allocating from a closed engine.
	ErrClosed = errors.New("slab: engine closed")
)

// Callbacks connect the engine to the backend that owns slab memory.
type Callbacks struct {
	// SlabAlloc creates a slab of entrySize-byte entries for the group and
	// populates its free list. Runs without the engine mutex held.
	SlabAlloc func(heap int, entrySize uint64, groupIndex int) (*Slab, error)

	// SlabFree releases a slab whose entries are all free. Runs with the
	// engine mutex held and must not call back into the engine.
	SlabFree func(s *Slab)

	// CanReclaim reports whether the GPU is done with a freed entry.
	// Runs with the engine mutex held and must not block.
	// A nil CanReclaim treats every entry as idle.
	CanReclaim func(e *Entry) bool
}

// Config describes the size classes served by the engine.
type Config struct {
	// MinOrder is log2 of the smallest entry size.
	MinOrder int

	// NumOrders is the number of power-of-two size orders starting at MinOrder.
	NumOrders int

	// NumHeaps is the number of independent heaps.
	NumHeaps int

	// AllowThreeFourths adds a group with 3/4-sized entries per order.
	AllowThreeFourths bool

	// MaxFailedReclaims bounds a reclaim pass triggered by allocation.
	// Zero means DefaultMaxFailedReclaims.
	MaxFailedReclaims int
}

// Slabs is the slab sub-allocator.
//
// Slabs is safe for concurrent use.
// Slabs must not be copied after creation (has mutex).
type Slabs struct {
	mu sync.Mutex

	minOrder   int
	numOrders  int
	numHeaps   int
	threeFour  bool
	maxFailed  int
	groups     []list.List[*Slab]
	reclaim    list.List[*Entry]
	cb         Callbacks
	opts       options
	closed     bool
	stats      counters
	liveSlabs  int
	liveTotal  int
	peakSlabs  int
	pendingMax int
}

// counters accumulate statistics. Guarded by Slabs.mu.
type counters struct {
	allocs         uint64
	frees          uint64
	reclaimed      uint64
	failedReclaims uint64
	slabsAllocated uint64
	slabsFreed     uint64
}

// New creates a slab engine. SlabAlloc and SlabFree are required.
func New(cfg Config, cb Callbacks, opts ...Option) (*Slabs, error) {
	if cb.SlabAlloc == nil || cb.SlabFree == nil {
		return nil, fmt.Errorf("%w: SlabAlloc and SlabFree are required", ErrInvalidConfig)
	}
	if cfg.MinOrder < 0 || cfg.NumOrders <= 0 || cfg.MinOrder+cfg.NumOrders > 63 {
		return nil, fmt.Errorf("%w: orders [%d, %d)", ErrInvalidConfig,
			cfg.MinOrder, cfg.MinOrder+cfg.NumOrders)
	}
	if cfg.NumHeaps <= 0 {
		return nil, fmt.Errorf("%w: %d heaps", ErrInvalidConfig, cfg.NumHeaps)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	maxFailed := cfg.MaxFailedReclaims
	if maxFailed <= 0 {
		maxFailed = DefaultMaxFailedReclaims
	}

	numGroups := cfg.NumHeaps * cfg.NumOrders
	if cfg.AllowThreeFourths {
		numGroups *= 2
	}

	return &Slabs{
		minOrder:  cfg.MinOrder,
		numOrders: cfg.NumOrders,
		numHeaps:  cfg.NumHeaps,
		threeFour: cfg.AllowThreeFourths,
		maxFailed: maxFailed,
		groups:    make([]list.List[*Slab], numGroups),
		cb:        cb,
		opts:      o,
	}, nil
}

// sizeClass maps a request to its entry size and group.
func (s *Slabs) sizeClass(size uint64, heap int) (entrySize uint64, groupIndex int, err error) {
	if heap < 0 || heap >= s.numHeaps {
		return 0, 0, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidHeap, heap, s.numHeaps)
	}
	if size == 0 {
		return 0, 0, fmt.Errorf("%w: zero-sized slab entry", bufcache.ErrInvalidSize)
	}

	order := bits.Len64(size - 1)
	if order < s.minOrder {
		order = s.minOrder
	}
	if order >= s.minOrder+s.numOrders {
		return 0, 0, fmt.Errorf("%w: %d bytes exceeds largest slab entry %d",
			bufcache.ErrInvalidSize, size, s.MaxEntrySize())
	}

	entrySize = 1 << order
	threeFourths := 0
	if s.threeFour && size <= entrySize*3/4 {
		entrySize = entrySize * 3 / 4
		threeFourths = 1
	}

	groupIndex = heap*s.numOrders + (order - s.minOrder)
	if s.threeFour {
		groupIndex = groupIndex*2 + threeFourths
	}
	return entrySize, groupIndex, nil
}

// EntrySize returns the entry size that serves a request of size bytes.
func (s *Slabs) EntrySize(size uint64) (uint64, error) {
	entrySize, _, err := s.sizeClass(size, 0)
	return entrySize, err
}

// MaxEntrySize returns the largest entry size the engine serves.
func (s *Slabs) MaxEntrySize() uint64 {
	return 1 << (s.minOrder + s.numOrders - 1)
}

// Alloc returns a free entry able to hold size bytes from heap.
//
// When the group has no free entry, pending entries are reclaimed first;
// that pass stops after Config.MaxFailedReclaims consecutive busy entries.
// Only when the group is still empty is a new slab requested from the
// backend.
func (s *Slabs) Alloc(size uint64, heap int) (*Entry, error) {
	return s.alloc(size, heap, false)
}

// AllocReclaimAll is like Alloc but checks every pending entry before
// asking the backend for a new slab.
func (s *Slabs) AllocReclaimAll(size uint64, heap int) (*Entry, error) {
	return s.alloc(size, heap, true)
}

func (s *Slabs) alloc(size uint64, heap int, reclaimAll bool) (*Entry, error) {
	entrySize, groupIndex, err := s.sizeClass(size, heap)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	group := &s.groups[groupIndex]

	if group.Empty() || group.Front().Value.free.Empty() {
		s.reclaimLocked(reclaimAll)
	}

	// Remove slabs without free entries.
	for !group.Empty() {
		sl := group.Front().Value
		if !sl.free.Empty() {
			break
		}
		group.Remove(&sl.node)
	}

	var sl *Slab
	if group.Empty() {
		// The backend may block or re-enter the engine (typically to
		// reclaim under memory pressure), so it runs unlocked. Racing
		// threads may allocate more than one slab for the same group.
		s.mu.Unlock()
		sl, err = s.cb.SlabAlloc(heap, entrySize, groupIndex)
		if err != nil {
			return nil, fmt.Errorf("slab: allocate slab of %d-byte entries: %w", entrySize, err)
		}
		if sl == nil {
			return nil, fmt.Errorf("slab: allocate slab of %d-byte entries: %w", entrySize, bufcache.ErrOutOfMemory)
		}
		if sl.free.Empty() || sl.groupIndex != groupIndex || sl.entrySize < entrySize {
			panic(fmt.Sprintf("slab: backend returned slab for group %d with %d free %d-byte entries, want group %d with %d-byte entries",
				sl.groupIndex, sl.numFree, sl.entrySize, groupIndex, entrySize))
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			s.cb.SlabFree(sl)
			return nil, ErrClosed
		}

		group.PushFront(&sl.node)
		s.stats.slabsAllocated++
		s.liveSlabs++
		s.liveTotal += sl.numEntries
		if s.liveSlabs > s.peakSlabs {
			s.peakSlabs = s.liveSlabs
		}
		s.opts.log().Debug("slab: new slab",
			"heap", heap, "entry_size", entrySize, "entries", sl.numEntries, "group", groupIndex)
	} else {
		sl = group.Front().Value
	}

	e, _ := sl.free.PopFront()
	sl.numFree--
	sl.outstanding.Add(e.index)
	s.stats.allocs++
	s.mu.Unlock()

	return e, nil
}

// Free queues e for reclaim. The entry becomes reusable once the backend
// reports it idle. Freeing an entry twice panics.
func (s *Slabs) Free(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := e.slab
	if sl == nil || !sl.outstanding.Contains(e.index) {
		panic(fmt.Sprintf("slab: free of entry %d that is not allocated", e.index))
	}
	sl.outstanding.Remove(e.index)
	s.reclaim.PushBack(&e.node)
	s.stats.frees++
	if n := s.reclaim.Len(); n > s.pendingMax {
		s.pendingMax = n
	}

	if s.closed {
		// Nothing reclaims after Close; return the entry right away so the
		// slab is still released.
		s.reclaimEntryLocked(e)
	}
}

// ReclaimAll checks every pending entry and returns how many were
// reclaimed. Drivers call it to recycle memory outside the allocation path.
func (s *Slabs) ReclaimAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reclaimLocked(true)
}

// reclaimLocked walks the reclaim list oldest first. Unless all is set the
// walk ends after maxFailed consecutive busy entries.
// Caller must hold s.mu.
func (s *Slabs) reclaimLocked(all bool) int {
	reclaimed := 0
	failed := 0
	for node := s.reclaim.Front(); node != nil; {
		next := node.Next()
		e := node.Value
		if s.cb.CanReclaim == nil || s.cb.CanReclaim(e) {
			s.reclaimEntryLocked(e)
			reclaimed++
			failed = 0
		} else {
			s.stats.failedReclaims++
			failed++
			if !all && failed >= s.maxFailed {
				break
			}
		}
		node = next
	}
	return reclaimed
}

// reclaimEntryLocked moves a pending entry back to its slab's free list.
// Caller must hold s.mu.
func (s *Slabs) reclaimEntryLocked(e *Entry) {
	sl := e.slab
	s.reclaim.Remove(&e.node)
	sl.free.PushFront(&e.node)
	sl.numFree++
	s.stats.reclaimed++

	group := &s.groups[sl.groupIndex]

	// Slabs that ran out of free entries were dropped from their group.
	if !sl.node.Linked() {
		group.PushBack(&sl.node)
	}

	if sl.numFree >= sl.numEntries {
		group.Remove(&sl.node)
		s.stats.slabsFreed++
		s.liveSlabs--
		s.liveTotal -= sl.numEntries
		s.cb.SlabFree(sl)
	}
}

// Close reclaims every pending entry without consulting CanReclaim, so that
// every slab whose entries were all freed is released through SlabFree.
// Entries still allocated are returned to their slab when freed later.
func (s *Slabs) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for node := s.reclaim.Front(); node != nil; node = s.reclaim.Front() {
		s.reclaimEntryLocked(node.Value)
	}
	s.closed = true

	outstanding := s.stats.allocs - s.stats.frees
	if outstanding > 0 {
		s.opts.log().Warn("slab: closed with allocated entries",
			"entries", outstanding, "slabs", s.liveSlabs)
	} else {
		s.opts.log().Info("slab: closed", "slabs_freed", s.stats.slabsFreed)
	}
}
