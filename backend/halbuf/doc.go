// Package halbuf implements bufcache buffers on top of a wgpu HAL device.
//
// [Manager] creates one hal.Buffer per request and enforces a memory
// budget. It is the provider a [manager.Cached] wraps. [SlabManager]
// sub-allocates small buffers out of larger ones obtained from any
// bufcache.Manager, reclaiming entries once their submission fence has
// signaled. [Reclaimer] drives periodic reclaim for both.
//
// # Fences
//
// Every buffer remembers the fence of the last submission that used it
// (see [bufcache.Buffer.Fence]). [SubmissionFence] adapts a hal.Fence and
// the value a submission signals it to.
//
// # Device Sharing
//
// [NewFromProvider] reuses the device of a host application through
// gpucontext.DeviceProvider, the way gogpu and gg share one device.
//
// [manager.Cached]: https://pkg.go.dev/github.com/gogpu/bufcache/manager#Cached
package halbuf
