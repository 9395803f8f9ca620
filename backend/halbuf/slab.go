package halbuf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/bufcache"
	"github.com/gogpu/bufcache/slab"
)

// Default slab layout.
const (
	// DefaultSlabSize is the size of one backing allocation (2 MiB).
	DefaultSlabSize = 2 << 20

	// DefaultSlabMinOrder gives 256-byte smallest entries.
	DefaultSlabMinOrder = 8

	// DefaultSlabNumOrders gives 256 KiB largest entries.
	DefaultSlabNumOrders = 11

	// maxSlabAlignment caps the alignment requested for backing buffers.
	maxSlabAlignment = 64 << 10
)

// SlabConfig configures a SlabManager.
type SlabConfig struct {
	// Slab is the size class layout. NumHeaps is taken from HeapUsage.
	Slab slab.Config

	// SlabSize is the size of each backing buffer in bytes. It must hold
	// at least one entry of the largest order.
	SlabSize uint64

	// HeapUsage is the usage of backing buffers per heap. A request is
	// served from heap desc.Heap only if that heap's usage covers it.
	HeapUsage []bufcache.Usage
}

// DefaultSlabConfig returns a layout with one GPU-only heap and one
// CPU-writable upload heap.
func DefaultSlabConfig() SlabConfig {
	return SlabConfig{
		Slab: slab.Config{
			MinOrder:          DefaultSlabMinOrder,
			NumOrders:         DefaultSlabNumOrders,
			AllowThreeFourths: true,
		},
		SlabSize: DefaultSlabSize,
		HeapUsage: []bufcache.Usage{
			bufcache.UsageGPUReadWrite,
			bufcache.UsageCPUWrite | bufcache.UsageGPURead,
		},
	}
}

// SlabManager sub-allocates small buffers from large ones created by a
// provider manager. Requests the slabs cannot serve go to the provider.
//
// SlabManager implements bufcache.Manager and bufcache.BusyChecker.
// It is safe for concurrent use if the provider is.
type SlabManager struct {
	provider  bufcache.Manager
	slabs     *slab.Slabs
	slabSize  uint64
	heapUsage []bufcache.Usage
	opts      options
}

// NewSlabManager creates a slab manager in front of provider.
func NewSlabManager(provider bufcache.Manager, cfg SlabConfig, opts ...Option) (*SlabManager, error) {
	if len(cfg.HeapUsage) == 0 {
		return nil, fmt.Errorf("%w: no heaps", slab.ErrInvalidConfig)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sm := &SlabManager{
		provider:  provider,
		slabSize:  cfg.SlabSize,
		heapUsage: append([]bufcache.Usage(nil), cfg.HeapUsage...),
		opts:      o,
	}

	scfg := cfg.Slab
	scfg.NumHeaps = len(cfg.HeapUsage)
	var slabOpts []slab.Option
	if o.logger != nil {
		slabOpts = append(slabOpts, slab.WithLogger(o.logger))
	}
	s, err := slab.New(scfg, slab.Callbacks{
		SlabAlloc:  sm.slabAlloc,
		SlabFree:   sm.slabFree,
		CanReclaim: sm.canReclaim,
	}, slabOpts...)
	if err != nil {
		return nil, err
	}
	if sm.slabSize < s.MaxEntrySize() {
		return nil, fmt.Errorf("%w: slab size %d below largest entry %d",
			slab.ErrInvalidConfig, sm.slabSize, s.MaxEntrySize())
	}
	sm.slabs = s
	return sm, nil
}

// CreateBuffer returns a slab entry when the request fits a size class and
// a heap, and a provider buffer otherwise.
func (sm *SlabManager) CreateBuffer(size uint64, desc bufcache.Desc) (bufcache.Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("halbuf: create buffer: %w", bufcache.ErrInvalidSize)
	}
	if !bufcache.ValidAlignment(desc.Alignment) {
		return nil, fmt.Errorf("halbuf: create buffer: %w: %d", bufcache.ErrInvalidAlignment, desc.Alignment)
	}
	if !sm.fits(size, desc) {
		return sm.provider.CreateBuffer(size, desc)
	}

	// Rounding to the alignment keeps three-fourths entries aligned.
	allocSize := bufcache.AlignUp(size, desc.Alignment)
	e, err := sm.slabs.Alloc(allocSize, desc.Heap)
	if errors.Is(err, bufcache.ErrOutOfMemory) {
		sm.opts.log().Debug("halbuf: slab allocation failed, reclaiming", "size", allocSize, "err", err)
		sm.provider.Flush()
		e, err = sm.slabs.AllocReclaimAll(allocSize, desc.Heap)
	}
	if err != nil {
		return nil, err
	}

	buf := e.Buffer().(*slabBuffer)
	if !bufcache.CheckAlignment(desc.Alignment, buf.Alignment()) {
		// Cannot happen with AlignUp, but never hand out a misaligned entry.
		sm.slabs.Free(e)
		return sm.provider.CreateBuffer(size, desc)
	}
	buf.Fence(nil)
	buf.Refs().Init(1)
	return buf, nil
}

// fits reports whether a request can come from a slab.
func (sm *SlabManager) fits(size uint64, desc bufcache.Desc) bool {
	if desc.Heap < 0 || desc.Heap >= len(sm.heapUsage) {
		return false
	}
	if !bufcache.CheckUsage(desc.Usage&^bufcache.UsageDontBlock, sm.heapUsage[desc.Heap]) {
		return false
	}
	if desc.Usage.Contains(bufcache.UsagePersistent) {
		return false
	}
	return bufcache.AlignUp(size, desc.Alignment) <= sm.slabs.MaxEntrySize()
}

func (sm *SlabManager) slabAlloc(heap int, entrySize uint64, groupIndex int) (*slab.Slab, error) {
	alignment := sm.slabs.MaxEntrySize()
	if alignment > maxSlabAlignment {
		alignment = maxSlabAlignment
	}
	parent, err := sm.provider.CreateBuffer(sm.slabSize, bufcache.Desc{
		Alignment: alignment,
		Usage:     sm.heapUsage[heap],
		Heap:      heap,
	})
	if err != nil {
		return nil, fmt.Errorf("halbuf: allocate %d-byte slab: %w", sm.slabSize, err)
	}

	entryAlign := entrySize & -entrySize
	if a := parent.Alignment(); a < entryAlign {
		entryAlign = a
	}

	n := parent.Size() / entrySize
	owner := &slabParent{buf: parent, entries: make([]*slabBuffer, 0, n)}
	s := slab.NewSlab(entrySize, groupIndex, owner)
	for i := uint64(0); i < n; i++ {
		b := &slabBuffer{sm: sm, parent: parent, offset: i * entrySize}
		b.Init(entrySize, entryAlign, parent.Usage(), parent.Placement())
		s.AddEntry(&b.entry, b)
		owner.entries = append(owner.entries, b)
	}
	return s, nil
}

// slabFree releases the backing buffer. Entries the GPU may still use
// (only possible after Close) leave their fences on the parent, so a
// caching provider does not reuse it early.
func (sm *SlabManager) slabFree(s *slab.Slab) {
	p := s.Owner().(*slabParent)
	if f := p.pendingFence(); f != nil {
		p.buf.Fence(f)
	}
	bufcache.Release(p.buf)
}

func (sm *SlabManager) canReclaim(e *slab.Entry) bool {
	return !e.Buffer().(*slabBuffer).busy()
}

// IsBufferBusy reports whether the GPU may still use buf.
func (sm *SlabManager) IsBufferBusy(buf bufcache.Buffer) bool {
	if b, ok := buf.(*slabBuffer); ok {
		return b.busy()
	}
	if bc, ok := sm.provider.(bufcache.BusyChecker); ok {
		return bc.IsBufferBusy(buf)
	}
	return false
}

// ReclaimAll returns every idle freed entry to its slab.
func (sm *SlabManager) ReclaimAll() int {
	return sm.slabs.ReclaimAll()
}

// Flush reclaims idle entries and flushes the provider.
func (sm *SlabManager) Flush() {
	sm.slabs.ReclaimAll()
	sm.provider.Flush()
}

// Destroy releases every slab and destroys the provider. Backing buffers
// of entries still in flight carry those entries' fences when released.
func (sm *SlabManager) Destroy() {
	sm.slabs.Close()
	sm.provider.Destroy()
}

// Stats returns the slab engine statistics.
func (sm *SlabManager) Stats() slab.Stats {
	return sm.slabs.Stats()
}

// Slabs returns the underlying slab engine.
func (sm *SlabManager) Slabs() *slab.Slabs {
	return sm.slabs
}

// slabParent owns a slab: the backing buffer and the entries carved from it.
type slabParent struct {
	buf     bufcache.Buffer
	entries []*slabBuffer
}

// pendingFence returns a fence covering every entry the GPU may still use,
// or nil when all are idle.
func (p *slabParent) pendingFence() bufcache.Fence {
	var set fenceSet
	for _, b := range p.entries {
		b.mu.Lock()
		f := b.fence
		b.mu.Unlock()
		if f != nil && !f.Signaled() {
			set = append(set, f)
		}
	}
	switch len(set) {
	case 0:
		return nil
	case 1:
		return set[0]
	}
	return set
}

// slabBuffer is one entry of a slab, a window into the parent buffer.
type slabBuffer struct {
	bufcache.Base
	entry  slab.Entry
	sm     *SlabManager
	parent bufcache.Buffer
	offset uint64

	mu    sync.Mutex
	fence bufcache.Fence
}

// Map maps the entry's window of the parent buffer. Only the entry's own
// fence is waited on; other entries of the slab may be in flight.
func (b *slabBuffer) Map(usage bufcache.Usage, flush bufcache.Flusher) ([]byte, error) {
	if !usage.Contains(bufcache.UsageUnsynchronized) {
		if err := b.sync(usage, flush); err != nil {
			return nil, err
		}
	}
	data, err := b.parent.Map(usage|bufcache.UsageUnsynchronized, flush)
	if err != nil {
		return nil, err
	}
	return data[b.offset : b.offset+b.Size() : b.offset+b.Size()], nil
}

func (b *slabBuffer) sync(usage bufcache.Usage, flush bufcache.Flusher) error {
	b.mu.Lock()
	f := b.fence
	b.mu.Unlock()

	if f == nil || f.Signaled() {
		return nil
	}
	if usage.Contains(bufcache.UsageDontBlock) {
		return bufcache.ErrBusy
	}
	if flush != nil {
		flush.Flush()
	}
	if w, ok := f.(Waiter); ok {
		done, err := w.Wait(DefaultMapTimeout)
		if err != nil {
			return fmt.Errorf("halbuf: wait for slab entry: %w", err)
		}
		if done {
			return nil
		}
	}
	if f.Signaled() {
		return nil
	}
	return fmt.Errorf("halbuf: wait for slab entry: %w", bufcache.ErrBusy)
}

func (b *slabBuffer) Unmap() {
	b.parent.Unmap()
}

func (b *slabBuffer) Validate(v bufcache.Validator, usage bufcache.Usage) error {
	return v.ValidateBuffer(b, usage)
}

func (b *slabBuffer) Fence(f bufcache.Fence) {
	b.mu.Lock()
	b.fence = f
	b.mu.Unlock()
}

// BaseBuffer returns the slab's backing buffer and the entry offset in it.
func (b *slabBuffer) BaseBuffer() (bufcache.Buffer, uint64) {
	base, off := b.parent.BaseBuffer()
	return base, off + b.offset
}

// Destroy hands the entry back to the slab engine for reclaim. The fence
// stays attached until the entry is handed out again.
func (b *slabBuffer) Destroy() {
	b.sm.slabs.Free(&b.entry)
}

func (b *slabBuffer) busy() bool {
	b.mu.Lock()
	f := b.fence
	b.mu.Unlock()
	return f != nil && !f.Signaled()
}
