package bufcache

import "errors"

// Buffer errors.
var (
	// ErrOutOfMemory is returned when a backend cannot allocate the requested memory.
	ErrOutOfMemory = errors.New("bufcache: out of memory")

	// ErrInvalidSize is returned when a buffer size is zero or out of range.
	ErrInvalidSize = errors.New("bufcache: invalid buffer size")

	// ErrInvalidAlignment is returned when an alignment is not a power of two.
	ErrInvalidAlignment = errors.New("bufcache: alignment is not a power of two")

	// ErrBusy is returned when a non-blocking map finds the GPU still using the buffer.
	ErrBusy = errors.New("bufcache: buffer is busy")

	// ErrNotMapped is returned when unmapping a buffer that is not mapped.
	ErrNotMapped = errors.New("bufcache: buffer is not mapped")

	// ErrUsageMismatch is returned when a request needs usage the buffer lacks.
	ErrUsageMismatch = errors.New("bufcache: usage not supported by buffer")

	// ErrUnknownUsage is returned by ParseUsage for unrecognized flag names.
	ErrUnknownUsage = errors.New("bufcache: unknown usage flag")

	// ErrClosed is returned when operating on a destroyed manager.
	ErrClosed = errors.New("bufcache: manager destroyed")
)
