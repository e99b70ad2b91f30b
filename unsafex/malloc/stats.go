package malloc

import (
	"fmt"
	"log"
)

// ClassStats describes the global free list of one size class.
type ClassStats struct {
	Size           int
	SliceSize      int
	SlicesPerBlock int
	Free           int // slices in the global pool
}

// Stats is a snapshot of the allocator's global state.
type Stats struct {
	Blocks      int
	BlockBytes  int
	CarvedBytes int
	GlobalBytes int
	Caches      int
	Classes     []ClassStats // size classes with free slices in the global pool
}

// Stats returns a snapshot taken under the global lock.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Stats{
		Blocks:      a.nblock,
		BlockBytes:  a.nblock * a.blockSize,
		CarvedBytes: a.carved,
		GlobalBytes: a.globalBytes(),
		Caches:      len(a.caches),
	}
	for size := 1; size < len(a.pools); size++ {
		if n := a.pools[size].n; n > 0 {
			st.Classes = append(st.Classes, ClassStats{
				Size:           size,
				SliceSize:      a.sliceSize[size],
				SlicesPerBlock: a.perBlock[size],
				Free:           n,
			})
		}
	}
	return st
}

// BlockBytes returns the bytes of all blocks obtained from the source.
func (a *Allocator) BlockBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nblock * a.blockSize
}

// CarvedBytes returns the bytes of blocks carved into slices.
// It excludes block tails too short for a whole slice.
func (a *Allocator) CarvedBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.carved
}

// GlobalBytes returns the bytes of free slices in the global pool.
func (a *Allocator) GlobalBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.globalBytes()
}

// GlobalLen returns the number of free slices of the size class in the global pool.
func (a *Allocator) GlobalLen(size int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pools[size].n
}

func (a *Allocator) globalBytes() int {
	bytes := 0
	for size := 1; size < len(a.pools); size++ {
		bytes += a.pools[size].n * a.sliceSize[size]
	}
	return bytes
}

// CheckLeaks verifies that every carved byte sits in the global pool or in a
// live cache. It reads all caches, so no goroutine may use the allocator meanwhile.
func (a *Allocator) CheckLeaks() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkLeaks()
}

func (a *Allocator) checkLeaks() error {
	global := a.globalBytes()
	cached := 0
	for c := range a.caches {
		cached += c.Bytes()
	}
	if global+cached != a.carved {
		return fmt.Errorf("%w: %d bytes carved, %d in global pool, %d in %d caches",
			ErrLeak, a.carved, global, cached, len(a.caches))
	}
	return nil
}

// Cleanup releases every block back to the source. It must be called once
// all goroutines have stopped using the allocator; every pointer handed out
// becomes invalid. In debug mode it first panics with an error wrapping
// ErrLeak if any carved memory is missing from the free lists; otherwise
// the leak is only logged.
// The allocator is empty and usable again afterwards.
func (a *Allocator) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkLeaks(); err != nil {
		if a.debug {
			panic(err)
		}
		log.Printf("MALLOC: cleanup: %v", err)
	}

	for p := a.blocks; p != nil; {
		next := tailOf(p, a.blockSize).next
		if err := a.source.Free(p, a.blockSize); err != nil {
			log.Printf("MALLOC: free block %p: %v", p, err)
		}
		p = next
	}
	a.blocks, a.nblock, a.carved = nil, 0, 0
	for i := range a.pools {
		a.pools[i] = freeList{}
	}
	for c := range a.caches {
		for i := range c.heads {
			c.heads[i] = nil
		}
	}
}
