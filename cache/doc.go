// Package cache implements a bucketed, time- and size-bounded cache of
// retired GPU buffers.
//
// Backends embed an [Entry] in each buffer they want to cache. When the
// buffer's last reference is dropped the backend hands the entry to
// [Cache.AddBuffer] instead of freeing GPU memory; a later request for a
// compatible buffer is served by [Cache.ReclaimBuffer].
//
// # Buckets
//
// Buffers are partitioned into buckets (one per heap or memory type) so that
// incompatible buffers are never compared. Each bucket is FIFO-ordered by
// insertion time, which follows GPU submission order: a buffer later in a
// bucket is never more likely to be idle than an earlier one. Scans
// therefore stop at the first buffer the backend reports as busy.
//
// # Bounds
//
// Cached buffers expire after Config.Timeout and are destroyed lazily on the
// next AddBuffer, ReclaimBuffer or Trim. The total size of cached buffers
// never exceeds Config.MaxSize; a buffer that does not fit is destroyed
// immediately. Buffers whose usage intersects Config.BypassUsage are never
// cached.
//
// # Thread Safety
//
// Cache is safe for concurrent use. Callbacks run with the cache mutex held
// and must not call back into the same Cache.
package cache
