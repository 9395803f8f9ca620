package halbuf

import (
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bufcache"
)

// Waiter is a fence a blocking map can wait on.
type Waiter interface {
	Signaled() bool
	Wait(timeout time.Duration) (bool, error)
}

// SubmissionFence is signaled once fence reaches value on device.
type SubmissionFence struct {
	device hal.Device
	fence  hal.Fence
	value  uint64
}

// NewSubmissionFence returns the fence of the submission that signals
// fence to value.
func NewSubmissionFence(device hal.Device, fence hal.Fence, value uint64) *SubmissionFence {
	return &SubmissionFence{device: device, fence: fence, value: value}
}

// Signaled polls the fence without blocking. A lost device counts as
// signaled since no submission will complete on it.
func (f *SubmissionFence) Signaled() bool {
	ok, err := f.device.Wait(f.fence, f.value, 0)
	return ok || err != nil
}

// Wait blocks until the fence is signaled or timeout elapses.
func (f *SubmissionFence) Wait(timeout time.Duration) (bool, error) {
	return f.device.Wait(f.fence, f.value, timeout)
}

// Value returns the fence value the submission signals.
func (f *SubmissionFence) Value() uint64 { return f.value }

// fenceSet is signaled once all of its fences are.
type fenceSet []bufcache.Fence

func (s fenceSet) Signaled() bool {
	for _, f := range s {
		if !f.Signaled() {
			return false
		}
	}
	return true
}

// Wait waits for the fences in turn, sharing one timeout. A fence that
// cannot be waited on ends the wait unsignaled.
func (s fenceSet) Wait(timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for _, f := range s {
		if f.Signaled() {
			continue
		}
		w, ok := f.(Waiter)
		if !ok {
			return false, nil
		}
		done, err := w.Wait(max(time.Until(deadline), 0))
		if err != nil || !done {
			return done, err
		}
	}
	return true, nil
}
