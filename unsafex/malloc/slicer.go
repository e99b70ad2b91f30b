package malloc

import "unsafe"

// wordSize is the size of the link word stored inside every free slice.
const wordSize = int(unsafe.Sizeof(uintptr(0)))

// link is how a free slice looks to the allocator: its first word points to
// the next free slice of the same size class, or nil at the end of a list.
type link struct {
	next *link
}

// setNext stores next as a plain word, bypassing the write barrier.
// Free slices live in memory the GC never scans, and before the store the
// word may hold stale bytes that must not be read as a pointer.
func (l *link) setNext(next *link) {
	*(*uintptr)(unsafe.Pointer(l)) = uintptr(unsafe.Pointer(next))
}

// carve returns the slice size in words for the given size class and how many
// of those slices fit into one block. The last word of a block is reserved for
// the block chain.
func carve(size, blockSize int) (words, n int) {
	if size < wordSize {
		size = wordSize
	}
	words = (size + wordSize - 1) / wordSize
	n = (blockSize - wordSize) / (words * wordSize)
	return words, n
}

// threadSlices links n slices of words words each, starting at block, into a
// nil terminated free list and returns its head and tail.
func threadSlices(block unsafe.Pointer, words, n int) (head, tail *link) {
	step := uintptr(words * wordSize)
	p := (*link)(block)
	head = p
	for i := 1; i < n; i++ {
		next := (*link)(unsafe.Add(unsafe.Pointer(p), step))
		p.setNext(next)
		p = next
	}
	p.setNext(nil)
	return head, p
}

// LinkSlices links the given slices, in order, into a chain suitable for
// Cache.DeallocateBatch and returns its head and tail.
// All slices must belong to the same pooled size class and must no longer be used by the caller.
func LinkSlices(ptrs ...unsafe.Pointer) (head, tail unsafe.Pointer) {
	if len(ptrs) == 0 {
		return nil, nil
	}
	for i := 0; i < len(ptrs)-1; i++ {
		(*link)(ptrs[i]).setNext((*link)(ptrs[i+1]))
	}
	(*link)(ptrs[len(ptrs)-1]).setNext(nil)
	return ptrs[0], ptrs[len(ptrs)-1]
}
