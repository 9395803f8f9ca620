package halbuf

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/bufcache"
)

// gpuReadUsage is every way a shader or fixed-function stage reads a buffer.
const gpuReadUsage = gputypes.BufferUsageVertex | gputypes.BufferUsageIndex |
	gputypes.BufferUsageUniform | gputypes.BufferUsageStorage |
	gputypes.BufferUsageIndirect | gputypes.BufferUsageCopySrc

// BufferUsage translates bufcache usage flags to WebGPU buffer usage.
//
// WebGPU forbids combining MapRead with anything but CopyDst and MapWrite
// with anything but CopySrc, so CPU-accessible buffers keep only the copy
// usage that pairs with their map mode. Map modifiers have no WebGPU
// counterpart and are dropped.
func BufferUsage(u bufcache.Usage) gputypes.BufferUsage {
	switch {
	case u.Contains(bufcache.UsageCPURead):
		return gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	case u.Contains(bufcache.UsageCPUWrite):
		return gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc
	}

	var out gputypes.BufferUsage
	if u.Contains(bufcache.UsageGPURead) {
		out |= gpuReadUsage
	}
	if u.Contains(bufcache.UsageGPUWrite) {
		out |= gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
	}
	if out == 0 {
		out = gputypes.BufferUsageCopyDst
	}
	return out
}
