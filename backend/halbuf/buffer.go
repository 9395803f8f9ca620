package halbuf

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bufcache"
)

// Buffer is a bufcache.Buffer owning one hal.Buffer.
//
// Buffer is safe for concurrent use. Nested maps share one device mapping.
type Buffer struct {
	bufcache.Base

	m   *Manager
	raw hal.Buffer

	mu       sync.Mutex
	fence    bufcache.Fence
	mapped   []byte
	mapCount int
}

// Raw returns the underlying HAL buffer for binding in command encoders.
func (b *Buffer) Raw() hal.Buffer { return b.raw }

// Map maps the whole buffer.
//
// Unless usage has UsageUnsynchronized, Map first waits for the last fence
// attached to the buffer. With UsageDontBlock it fails with
// bufcache.ErrBusy instead of waiting. flush, if not nil, is called before
// waiting so the work the fence belongs to reaches the GPU.
func (b *Buffer) Map(usage bufcache.Usage, flush bufcache.Flusher) ([]byte, error) {
	if !usage.Contains(bufcache.UsageUnsynchronized) {
		if err := b.sync(usage, flush); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mapCount == 0 {
		mapping, err := b.m.device.MapBuffer(b.raw, 0, b.Size())
		if err != nil {
			return nil, fmt.Errorf("halbuf: map %d-byte buffer: %w", b.Size(), err)
		}
		//nolint:gosec // G103: the mapping stays valid until UnmapBuffer
		b.mapped = unsafe.Slice((*byte)(mapping.Ptr), b.Size())
	}
	b.mapCount++
	return b.mapped, nil
}

// sync waits for the buffer's fence according to usage.
func (b *Buffer) sync(usage bufcache.Usage, flush bufcache.Flusher) error {
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

	w, ok := f.(Waiter)
	if !ok {
		if f.Signaled() {
			return nil
		}
		return fmt.Errorf("halbuf: fence %T cannot be waited on: %w", f, bufcache.ErrBusy)
	}
	done, err := w.Wait(b.m.mapTimeout)
	if err != nil {
		return fmt.Errorf("halbuf: wait for buffer: %w", err)
	}
	if !done {
		return fmt.Errorf("halbuf: wait for buffer: timed out after %v: %w", b.m.mapTimeout, bufcache.ErrBusy)
	}
	return nil
}

// Unmap ends one Map. The device mapping is released with the last one.
func (b *Buffer) Unmap() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mapCount == 0 {
		b.m.opts.log().Warn("halbuf: unmap of unmapped buffer", "size", b.Size())
		return
	}
	b.mapCount--
	if b.mapCount > 0 {
		return
	}
	b.mapped = nil
	if err := b.m.device.UnmapBuffer(b.raw); err != nil {
		b.m.opts.log().Warn("halbuf: unmap failed", "size", b.Size(), "err", err)
	}
}

// Validate adds the buffer to v.
func (b *Buffer) Validate(v bufcache.Validator, usage bufcache.Usage) error {
	if !bufcache.CheckUsage(usage&bufcache.UsageGPUReadWrite, b.Usage()) {
		return fmt.Errorf("halbuf: validate %v on %v buffer: %w", usage, b.Usage(), bufcache.ErrUsageMismatch)
	}
	return v.ValidateBuffer(b, usage)
}

// Fence records the fence of the latest submission using the buffer.
func (b *Buffer) Fence(f bufcache.Fence) {
	b.mu.Lock()
	b.fence = f
	b.mu.Unlock()
}

// BaseBuffer returns b itself at offset 0.
func (b *Buffer) BaseBuffer() (bufcache.Buffer, uint64) {
	return b, 0
}

// Destroy frees the HAL buffer and returns its memory to the budget.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	if b.mapCount > 0 {
		b.mapCount = 0
		b.mapped = nil
		_ = b.m.device.UnmapBuffer(b.raw)
	}
	b.fence = nil
	b.mu.Unlock()

	b.m.device.DestroyBuffer(b.raw)
	b.m.budget.release(b.Size())
}

func (b *Buffer) busy() bool {
	b.mu.Lock()
	f := b.fence
	b.mu.Unlock()
	return f != nil && !f.Signaled()
}
