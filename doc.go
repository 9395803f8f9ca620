// Package bufcache provides hardware-agnostic GPU buffer caching and slab
// sub-allocation for buffer managers.
//
// # Overview
//
// Creating and destroying real GPU memory objects is expensive, and memory
// the GPU may still read or write asynchronously cannot be reused right
// away. bufcache sits beneath hardware backends and solves both problems
// with three engines:
//
//   - cache: a bucketed, time- and size-bounded cache of retired buffers
//   - slab: fixed-size entries sub-allocated out of larger backend slabs,
//     reused only after the backend confirms the GPU is done with them
//   - manager: a buffer factory that wraps any provider factory with a cache
//
// The root package defines the shared vocabulary: the [Buffer] handle
// contract, [Usage] flags, reference counting and the [Manager] factory
// contract. A reference backend built on gogpu/wgpu/hal lives in
// backend/halbuf; config loads a whole stack's settings from YAML or JSONC,
// metrics exports engine statistics to Prometheus, and cmd/bufstress
// exercises everything under concurrent load.
//
// # Quick Start
//
//	provider := halbuf.New(device, halbuf.Config{Budget: 512 << 20})
//	mgr := manager.NewCached(provider, cache.DefaultConfig())
//	defer mgr.Destroy()
//
//	buf, err := mgr.CreateBuffer(64<<10, bufcache.Desc{
//	    Alignment: 256,
//	    Usage:     bufcache.UsageGPURead | bufcache.UsageCPUWrite,
//	})
//	if err != nil {
//	    return err
//	}
//	// ... use buf ...
//	bufcache.Release(buf) // returns the buffer to the cache
//
// # Ownership
//
// Buffers are reference counted. When the last reference is released the
// buffer's Destroy method runs; cache-backed buffers route that call into
// the cache instead of freeing memory. A buffer handed to the cache must
// have no remaining references.
//
// # Thread Safety
//
// Every engine instance is guarded by its own mutex and is safe for
// concurrent use. Backend callbacks run with that mutex held, except the
// slab allocation callback, which runs unlocked and may re-enter the slab
// engine.
package bufcache

// Version information
const (
	// Version is the current version of the library
	Version = "0.3.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 3

	// VersionPatch is the patch version
	VersionPatch = 0
)
