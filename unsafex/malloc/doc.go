// Package malloc implements a size-classed pool allocator for small objects.
//
// Memory is requested from a BlockSource in large fixed-size blocks, each
// block is carved into equal slices of one size class, and freed slices are
// recycled through intrusive free lists: the link to the next free slice is
// stored in the slice itself.
//
// Allocations go through a Cache owned by a single goroutine, which needs no
// locking. A cache that runs dry is refilled with one block's worth of slices
// from the Allocator's global pool, which is guarded by one lock shared by all
// size classes. Caches give their slices back to the global pool on Flush or Close.
//
// Pooled memory is not scanned by the garbage collector. Objects stored in it
// must not hold the only reference to Go heap memory.
package malloc
