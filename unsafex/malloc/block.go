package malloc

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// BlockSource supplies the large fixed-size blocks that an Allocator carves
// into slices. Blocks are returned only at Allocator.Cleanup.
//
// Alloc may be called without the allocator lock held, so implementations
// must be safe for concurrent use. Returned memory must be word aligned.
type BlockSource interface {
	// Alloc returns a block of exactly size bytes, or an error if none can be obtained.
	Alloc(size int) (unsafe.Pointer, error)

	// Free releases a block previously returned by Alloc with the same size.
	Free(p unsafe.Pointer, size int) error
}

// HeapSource takes blocks from the Go heap.
// Blocks are pinned by the source until Free, the GC never scans them,
// so objects placed in pooled memory must not hold the only reference to Go heap objects.
type HeapSource struct {
	mu     sync.Mutex
	blocks map[uintptr][]byte
}

// NewHeapSource returns an empty HeapSource.
func NewHeapSource() *HeapSource {
	return &HeapSource{blocks: make(map[uintptr][]byte)}
}

// Alloc implements BlockSource.
func (s *HeapSource) Alloc(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("heap source: invalid block size %d", size)
	}
	b := dirtmake.Bytes(size, size)
	p := unsafe.Pointer(&b[0])
	s.mu.Lock()
	s.blocks[uintptr(p)] = b
	s.mu.Unlock()
	return p, nil
}

// Free implements BlockSource.
func (s *HeapSource) Free(p unsafe.Pointer, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[uintptr(p)]
	if !ok || len(b) != size {
		return fmt.Errorf("heap source: unknown block %p (size %d)", p, size)
	}
	delete(s.blocks, uintptr(p))
	return nil
}

// Len returns the number of blocks currently held by the source.
func (s *HeapSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

// blockTail is the last word of every block; it chains all blocks of an
// Allocator together so Cleanup can find them.
type blockTail struct {
	next unsafe.Pointer
}

// setNext stores the chain link as a plain word; a fresh block's tail holds stale bytes.
func (t *blockTail) setNext(next unsafe.Pointer) {
	*(*uintptr)(unsafe.Pointer(t)) = uintptr(next)
}

func tailOf(block unsafe.Pointer, blockSize int) *blockTail {
	return (*blockTail)(unsafe.Add(block, blockSize-wordSize))
}
