package malloc

import (
	"fmt"
	"math/bits"
	"sync"
	"unsafe"
)

// ArenaSource hands out fixed-size blocks from one preallocated arena.
// Each bit of the bitmap tracks one block; once every bit is set Alloc fails
// with ErrArenaFull, which puts a hard cap on the memory an Allocator may use.
type ArenaSource struct {
	mu sync.Mutex

	arena      []byte
	arenaStart unsafe.Pointer

	// bitmap has one bit per block, set while the block is handed out.
	bitmap    []uint64
	numBlocks int
	inUse     int

	// next-fit: start searching from here
	nextIdx int

	blockSize  int
	blockShift int // log2(blockSize) for fast division
}

// NewArenaSource creates an ArenaSource serving blocks of blockSize bytes out of arena.
// blockSize must be a power of two holding at least two words,
// and arena must be word aligned and hold at least one block.
// Bytes past the last whole block are never used.
func NewArenaSource(arena []byte, blockSize int) (*ArenaSource, error) {
	if blockSize < 2*wordSize || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("arena blockSize must be a power of two >= %d, got %d", 2*wordSize, blockSize)
	}
	if len(arena) < blockSize {
		return nil, fmt.Errorf("arena too small: need at least %d bytes, got %d", blockSize, len(arena))
	}
	start := unsafe.Pointer(&arena[0])
	if uintptr(start)%uintptr(wordSize) != 0 {
		return nil, fmt.Errorf("arena is not %d byte aligned", wordSize)
	}
	shift := bits.TrailingZeros(uint(blockSize))
	numBlocks := len(arena) >> shift
	return &ArenaSource{
		arena:      arena,
		arenaStart: start,
		bitmap:     make([]uint64, (numBlocks+63)/64),
		numBlocks:  numBlocks,
		blockSize:  blockSize,
		blockShift: shift,
	}, nil
}

// Alloc implements BlockSource.
func (a *ArenaSource) Alloc(size int) (unsafe.Pointer, error) {
	if size != a.blockSize {
		return nil, fmt.Errorf("arena serves %d byte blocks, got request for %d", a.blockSize, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.findFreeBit(a.nextIdx)
	if idx == -1 && a.nextIdx > 0 {
		idx = a.findFreeBit(0)
	}
	if idx == -1 {
		return nil, fmt.Errorf("%w: %d blocks of %d bytes in use", ErrArenaFull, a.inUse, a.blockSize)
	}
	a.bitmap[idx>>6] |= 1 << (idx & 63)
	a.inUse++
	a.nextIdx = idx + 1
	if a.nextIdx >= a.numBlocks {
		a.nextIdx = 0
	}
	return unsafe.Add(a.arenaStart, idx<<a.blockShift), nil
}

// Free implements BlockSource.
// Panics if p is not a block of this arena or is already free.
func (a *ArenaSource) Free(p unsafe.Pointer, size int) error {
	if size != a.blockSize {
		return fmt.Errorf("arena serves %d byte blocks, got free of %d", a.blockSize, size)
	}
	offset := int(uintptr(p) - uintptr(a.arenaStart))
	if uintptr(p) < uintptr(a.arenaStart) || offset >= a.numBlocks<<a.blockShift {
		panic("arena: block not in arena")
	}
	if offset&(a.blockSize-1) != 0 {
		panic("arena: misaligned block")
	}
	idx := offset >> a.blockShift

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isSet(idx) {
		panic("arena: double free or invalid block")
	}
	a.bitmap[idx>>6] &^= 1 << (idx & 63)
	a.inUse--
	return nil
}

// Available returns the bytes of blocks not handed out yet.
func (a *ArenaSource) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return (a.numBlocks - a.inUse) << a.blockShift
}

// Cap returns the number of blocks the arena can hold.
func (a *ArenaSource) Cap() int {
	return a.numBlocks
}

// findFreeBit finds a free block at or after startIdx, scanning whole words with TrailingZeros64.
func (a *ArenaSource) findFreeBit(startIdx int) int {
	if startIdx >= a.numBlocks {
		return -1
	}
	w := startIdx >> 6
	// mask off bits below startIdx in the first word
	val := a.bitmap[w] | (uint64(1)<<(startIdx&63) - 1)
	for {
		if val != ^uint64(0) {
			idx := w<<6 + bits.TrailingZeros64(^val)
			if idx < a.numBlocks {
				return idx
			}
			return -1
		}
		w++
		if w >= len(a.bitmap) {
			return -1
		}
		val = a.bitmap[w]
	}
}

// isSet returns true if block at idx is handed out.
func (a *ArenaSource) isSet(idx int) bool {
	return a.bitmap[idx>>6]&(1<<(idx&63)) != 0
}
