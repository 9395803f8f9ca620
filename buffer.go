package bufcache

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

// Buffer is a reference-counted handle to a region of GPU-accessible memory.
//
// Backends implement Buffer for their own allocations; the cache, slab and
// manager packages consume it generically. Most implementations embed [Base]
// for the descriptive half of the interface.
//
// Destroy is never called directly by users: it runs when [Release] drops
// the last reference. Depending on the implementation it frees memory,
// hands the buffer to a cache, or returns a slab entry for reclaim.
type Buffer interface {
	// Size returns the buffer size in bytes.
	Size() uint64

	// Alignment returns the buffer alignment in bytes (a power of two).
	Alignment() uint64

	// Usage returns the usage flags the buffer was created with.
	Usage() Usage

	// Placement returns the backend-defined placement tag (memory domain).
	Placement() uint32

	// Refs returns the buffer's reference counter.
	Refs() *Refcount

	// Map makes the buffer contents CPU-accessible. usage carries the
	// access mode plus UsageDontBlock/UsageUnsynchronized modifiers. flush
	// may be nil; when the buffer is busy the backend calls it to push
	// pending GPU work before waiting.
	Map(usage Usage, flush Flusher) ([]byte, error)

	// Unmap ends a mapping established by Map.
	Unmap()

	// Validate registers the buffer with v for the given usage.
	Validate(v Validator, usage Usage) error

	// Fence attaches the fence of the latest GPU submission using the buffer.
	Fence(f Fence)

	// BaseBuffer returns the underlying real allocation and the byte offset
	// of this buffer inside it. Buffers with no underlying base return
	// themselves and offset 0.
	BaseBuffer() (Buffer, uint64)

	// Destroy releases the buffer once its reference count is zero.
	Destroy()
}

// Fence reports completion of a GPU submission.
type Fence interface {
	// Signaled returns true once the GPU finished the submission.
	// It must not block.
	Signaled() bool
}

// Validator collects the buffers a command stream references.
type Validator interface {
	ValidateBuffer(buf Buffer, usage Usage) error
}

// Flusher submits pending GPU work, typically a command stream context.
type Flusher interface {
	Flush()
}

// FlusherFunc adapts a function to the Flusher interface.
type FlusherFunc func()

// Flush calls f().
func (f FlusherFunc) Flush() { f() }

// Refcount is an atomic reference counter.
//
// The zero value has no references. Refcount must not be copied after first use.
type Refcount struct {
	n atomic.Int32
}

// Init sets the count. Only valid while no other goroutine holds the buffer.
func (r *Refcount) Init(n int32) {
	r.n.Store(n)
}

// Load returns the current count.
func (r *Refcount) Load() int32 {
	return r.n.Load()
}

// Inc adds a reference.
func (r *Refcount) Inc() {
	if r.n.Add(1) <= 1 {
		panic("bufcache: reference taken on unreferenced buffer")
	}
}

// Dec drops a reference and reports whether it was the last one.
func (r *Refcount) Dec() bool {
	n := r.n.Add(-1)
	if n < 0 {
		panic("bufcache: buffer released more times than referenced")
	}
	return n == 0
}

// Retain adds a reference to buf and returns it.
func Retain(buf Buffer) Buffer {
	if buf != nil {
		buf.Refs().Inc()
	}
	return buf
}

// Release drops a reference to buf and destroys it when none remain.
// Releasing nil is a no-op.
func Release(buf Buffer) {
	if buf == nil {
		return
	}
	if buf.Refs().Dec() {
		buf.Destroy()
	}
}

// Base implements the descriptive part of [Buffer]. Backends embed it.
type Base struct {
	refs          Refcount
	size          uint64
	alignmentLog2 uint8
	usage         Usage
	placement     uint32
}

// Init describes the buffer and sets its reference count to 1.
// alignment must be zero (treated as 1) or a power of two.
func (b *Base) Init(size, alignment uint64, usage Usage, placement uint32) {
	if alignment == 0 {
		alignment = 1
	}
	if alignment&(alignment-1) != 0 {
		panic(fmt.Sprintf("bufcache: alignment %d is not a power of two", alignment))
	}
	b.size = size
	//nolint:gosec // G115: TrailingZeros64 is at most 64
	b.alignmentLog2 = uint8(bits.TrailingZeros64(alignment))
	b.usage = usage
	b.placement = placement
	b.refs.Init(1)
}

// Size returns the buffer size in bytes.
func (b *Base) Size() uint64 { return b.size }

// Alignment returns the buffer alignment in bytes.
func (b *Base) Alignment() uint64 { return 1 << b.alignmentLog2 }

// AlignmentLog2 returns log2 of the buffer alignment.
func (b *Base) AlignmentLog2() uint8 { return b.alignmentLog2 }

// Usage returns the buffer usage flags.
func (b *Base) Usage() Usage { return b.usage }

// Placement returns the backend placement tag.
func (b *Base) Placement() uint32 { return b.placement }

// Refs returns the reference counter.
func (b *Base) Refs() *Refcount { return &b.refs }

// ValidAlignment reports whether alignment is zero or a power of two.
func ValidAlignment(alignment uint64) bool {
	return alignment&(alignment-1) == 0
}
