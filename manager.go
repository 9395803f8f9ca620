package bufcache

// Desc describes a buffer request.
type Desc struct {
	// Alignment is the required alignment in bytes (power of two, 0 = any).
	Alignment uint64

	// Usage lists the accesses the buffer must support.
	Usage Usage

	// Heap selects the cache bucket or slab heap. Callers use it to keep
	// incompatible memory types apart.
	Heap int

	// Placement is a backend-defined placement tag.
	Placement uint32
}

// Manager creates buffers. Backends implement it for real allocations and
// the manager package wraps any Manager with a cache.
type Manager interface {
	// CreateBuffer allocates a buffer of at least size bytes. The returned
	// buffer holds one reference owned by the caller.
	CreateBuffer(size uint64, desc Desc) (Buffer, error)

	// Flush releases memory the manager holds on to, such as cached buffers.
	Flush()

	// Destroy tears down the manager. Buffers it created must be released first.
	Destroy()
}

// BusyChecker is optionally implemented by a Manager that can tell whether
// the GPU still uses one of its buffers without mapping it.
type BusyChecker interface {
	IsBufferBusy(buf Buffer) bool
}
