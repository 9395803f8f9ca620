// Package slab sub-allocates fixed-size entries out of larger
// backend-provided slabs.
//
// Requests are bucketed into power-of-two size orders, optionally with a
// three-fourths variant per order to reduce internal fragmentation for
// awkward sizes. Slabs of the same heap, order and variant form a group;
// allocations come from the most recently used slab of the group.
//
// Freed entries are not reusable right away: the GPU may still access them.
// [Slabs.Free] only appends the entry to a reclaim list. The next
// allocation that runs out of free entries asks the backend, through
// Callbacks.CanReclaim, which pending entries are idle and returns those to
// their slabs. A slab whose entries are all free again is handed back to the
// backend through Callbacks.SlabFree.
//
// # Thread Safety
//
// Slabs is safe for concurrent use. CanReclaim and SlabFree run with the
// engine mutex held and must not call back into the engine. SlabAlloc runs
// with the mutex released so that it may block or re-enter the engine, for
// example to reclaim memory under pressure.
package slab
