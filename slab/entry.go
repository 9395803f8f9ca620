package slab

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/gogpu/bufcache"
	"github.com/gogpu/bufcache/internal/list"
)

// Entry is one fixed-size sub-allocation of a slab. Backends embed it in
// the buffer type they hand out for slab allocations.
type Entry struct {
	node   list.Node[*Entry]
	slab   *Slab
	index  uint32
	buffer bufcache.Buffer
}

// Slab returns the slab the entry belongs to.
func (e *Entry) Slab() *Slab { return e.slab }

// Buffer returns the buffer registered with AddEntry.
func (e *Entry) Buffer() bufcache.Buffer { return e.buffer }

// Index returns the entry's position inside its slab.
func (e *Entry) Index() uint32 { return e.index }

// Slab is one backend allocation subdivided into entries of equal size.
//
// Backends create slabs in Callbacks.SlabAlloc with NewSlab and AddEntry.
// After the slab is returned to the engine its lists and counters belong to
// the engine.
type Slab struct {
	node list.Node[*Slab]
	free list.List[*Entry]

	numFree    int
	numEntries int
	groupIndex int
	entrySize  uint64

	// outstanding holds the indices of entries handed out and not yet freed.
	outstanding *roaring.Bitmap

	owner any
}

// NewSlab creates an empty slab for entries of entrySize bytes in the given
// group. owner is an arbitrary backend value, typically the real allocation.
func NewSlab(entrySize uint64, groupIndex int, owner any) *Slab {
	s := &Slab{
		groupIndex:  groupIndex,
		entrySize:   entrySize,
		outstanding: roaring.New(),
		owner:       owner,
	}
	s.node.Value = s
	return s
}

// AddEntry appends e to the slab's free list. buf is the buffer the backend
// hands out for this entry.
func (s *Slab) AddEntry(e *Entry, buf bufcache.Buffer) {
	e.node.Value = e
	e.slab = s
	//nolint:gosec // G115: a slab never holds more than 2^32 entries
	e.index = uint32(s.numEntries)
	e.buffer = buf
	s.free.PushBack(&e.node)
	s.numEntries++
	s.numFree++
}

// Owner returns the backend value passed to NewSlab.
func (s *Slab) Owner() any { return s.owner }

// EntrySize returns the size of every entry in bytes.
func (s *Slab) EntrySize() uint64 { return s.entrySize }

// GroupIndex returns the group the slab serves.
func (s *Slab) GroupIndex() int { return s.groupIndex }

// NumEntries returns the number of entries in the slab.
func (s *Slab) NumEntries() int { return s.numEntries }

// NumFree returns the number of free entries. Only stable inside engine
// callbacks or before the slab is handed to the engine.
func (s *Slab) NumFree() int { return s.numFree }
