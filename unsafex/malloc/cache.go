package malloc

import (
	"fmt"
	"unsafe"

	"github.com/cloudwego/slabkit/cache/mempool"
)

// Cache is the per-goroutine tier of an Allocator: one free list per size
// class, used without any locking. A Cache must never be shared between
// goroutines; see Allocator.NewCache.
type Cache struct {
	a     *Allocator
	heads []*link // indexed by size class
}

func newCache(a *Allocator) *Cache {
	return &Cache{a: a, heads: make([]*link, len(a.pools))}
}

// Allocator returns the allocator backing the cache.
func (c *Cache) Allocator() *Allocator {
	return c.a
}

// Allocate returns size usable bytes with undefined content.
// Sizes outside [1, MaxPooledSize) are served by the heap fallback; size <= 0 panics.
// Panics with an error wrapping ErrOutOfMemory if no block can be obtained.
func (c *Cache) Allocate(size int) unsafe.Pointer {
	if uint(size-1) >= uint(len(c.heads)-1) {
		return allocLarge(size)
	}
	if p := c.heads[size]; p != nil {
		c.heads[size] = p.next
		p.setNext(nil)
		return unsafe.Pointer(p)
	}
	return c.fill(size)
}

func (c *Cache) fill(size int) unsafe.Pointer {
	p := c.a.refill(size)
	c.heads[size] = p.next
	p.setNext(nil)
	return unsafe.Pointer(p)
}

// Deallocate returns p, obtained from Allocate with the same size, to the cache.
// Nothing is validated: a different size, a double free or a foreign pointer
// corrupts the free lists.
func (c *Cache) Deallocate(size int, p unsafe.Pointer) {
	if uint(size-1) >= uint(len(c.heads)-1) {
		freeLarge(size, p)
		return
	}
	l := (*link)(p)
	l.setNext(c.heads[size])
	c.heads[size] = l
}

// DeallocateBatch returns the chain head..tail, built by LinkSlices, of slices
// of the same size class in constant time.
// Only pooled sizes can be batched: heap fallback memory is not pinned, so the
// GC may reclaim chain members the caller no longer references. Larger sizes panic.
func (c *Cache) DeallocateBatch(size int, head, tail unsafe.Pointer) {
	if uint(size-1) >= uint(len(c.heads)-1) {
		panic(fmt.Sprintf("malloc: batch deallocation of size %d outside pooled range", size))
	}
	if head == nil {
		return
	}
	(*link)(tail).setNext(c.heads[size])
	c.heads[size] = (*link)(head)
}

// Flush moves every cached slice into the global pool.
func (c *Cache) Flush() {
	for size := 1; size < len(c.heads); size++ {
		head := c.heads[size]
		if head == nil {
			continue
		}
		tail, n := head, 1
		for tail.next != nil {
			tail = tail.next
			n++
		}
		c.heads[size] = nil

		c.a.mu.Lock()
		c.a.receive(size, head, tail, n)
		c.a.mu.Unlock()
	}
}

// Close flushes the cache and detaches it from the allocator.
// The cache must not be used afterwards, except in single-threaded mode where
// Close only flushes the shared cache.
func (c *Cache) Close() {
	c.Flush()
	c.a.dropCache(c)
}

// Len returns the number of free slices cached for the given size class.
func (c *Cache) Len(size int) int {
	n := 0
	for p := c.heads[size]; p != nil; p = p.next {
		n++
	}
	return n
}

// Bytes returns the bytes of all free slices held by the cache.
func (c *Cache) Bytes() int {
	bytes := 0
	for size := 1; size < len(c.heads); size++ {
		bytes += c.Len(size) * c.a.sliceSize[size]
	}
	return bytes
}

func allocLarge(size int) unsafe.Pointer {
	if size <= 0 {
		panic(fmt.Sprintf("malloc: invalid allocation size %d", size))
	}
	return mempool.Alloc(size)
}

func freeLarge(size int, p unsafe.Pointer) {
	if size <= 0 {
		panic(fmt.Sprintf("malloc: invalid deallocation size %d", size))
	}
	mempool.Free(size, p)
}
