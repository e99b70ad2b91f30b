package malloc

import (
	"fmt"
	"sync"
	"unsafe"
)

const (
	// DefaultBlockSize is the default size of a block requested from the BlockSource (8KB).
	DefaultBlockSize = 8 * 1024

	// DefaultMaxPooledSize is the default exclusive upper bound of pooled size classes.
	// Sizes 1..255 are served from free lists, larger ones from the heap fallback.
	DefaultMaxPooledSize = 256
)

// Option configures an Allocator.
type Option struct {
	// BlockSize is the size of every block requested from Source.
	// It must be a multiple of the machine word and hold at least one slice of
	// the largest size class plus the block chain word.
	BlockSize int

	// MaxPooledSize is the exclusive upper bound of pooled size classes.
	MaxPooledSize int

	// Debug makes Cleanup panic with ErrLeak if carved memory is missing from the free lists.
	Debug bool

	// SingleThreaded removes all locking. Every NewCache call then returns the
	// same cache, and the Allocator must only ever be used by one goroutine.
	SingleThreaded bool

	// CarveUnderLock acquires and carves new blocks while holding the global lock.
	// It stops concurrent refills of the same size class from carving a block each,
	// at the cost of holding the lock across the BlockSource call.
	CarveUnderLock bool

	// Source supplies blocks. Defaults to anonymous mmap on unix and to the Go heap elsewhere.
	Source BlockSource
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		BlockSize:     DefaultBlockSize,
		MaxPooledSize: DefaultMaxPooledSize,
	}
}

// freeList is the global free list of one size class.
type freeList struct {
	head *link
	n    int
}

// Allocator is the global size-class pool shared by all caches.
// Its free lists and block chain are guarded by a single lock.
type Allocator struct {
	mu sync.Locker

	pools  []freeList // indexed by size class
	blocks unsafe.Pointer
	nblock int
	carved int // bytes ever carved into slices

	caches map[*Cache]struct{}
	shared *Cache // single-threaded mode only

	// per size class, computed once by carve
	sliceSize []int
	perBlock  []int

	source         BlockSource
	blockSize      int
	debug          bool
	carveUnderLock bool
}

// NewAllocator creates an Allocator. A nil o means DefaultOption().
func NewAllocator(o *Option) (*Allocator, error) {
	if o == nil {
		o = DefaultOption()
	}
	if o.MaxPooledSize < 2 {
		return nil, fmt.Errorf("MaxPooledSize must be >= 2, got %d", o.MaxPooledSize)
	}
	if o.BlockSize <= 0 || o.BlockSize%wordSize != 0 {
		return nil, fmt.Errorf("BlockSize must be a positive multiple of %d, got %d", wordSize, o.BlockSize)
	}
	if _, n := carve(o.MaxPooledSize-1, o.BlockSize); n < 1 {
		return nil, fmt.Errorf("BlockSize %d cannot hold a slice of size class %d", o.BlockSize, o.MaxPooledSize-1)
	}

	a := &Allocator{
		mu:             newLocker(o.SingleThreaded),
		pools:          make([]freeList, o.MaxPooledSize),
		caches:         make(map[*Cache]struct{}),
		sliceSize:      make([]int, o.MaxPooledSize),
		perBlock:       make([]int, o.MaxPooledSize),
		source:         o.Source,
		blockSize:      o.BlockSize,
		debug:          o.Debug,
		carveUnderLock: o.CarveUnderLock,
	}
	if a.source == nil {
		a.source = defaultSource()
	}
	for size := 1; size < o.MaxPooledSize; size++ {
		words, n := carve(size, o.BlockSize)
		a.sliceSize[size] = words * wordSize
		a.perBlock[size] = n
	}
	if o.SingleThreaded {
		a.shared = newCache(a)
		a.caches[a.shared] = struct{}{}
	}
	return a, nil
}

var (
	defaultOnce      sync.Once
	defaultAllocator *Allocator
)

// Default returns the process-wide Allocator built from DefaultOption on first use.
func Default() *Allocator {
	defaultOnce.Do(func() {
		a, err := NewAllocator(nil)
		if err != nil {
			panic(err)
		}
		defaultAllocator = a
	})
	return defaultAllocator
}

// MaxPooledSize returns the exclusive upper bound of pooled size classes.
func (a *Allocator) MaxPooledSize() int {
	return len(a.pools)
}

// BlockSize returns the size of the blocks the allocator carves.
func (a *Allocator) BlockSize() int {
	return a.blockSize
}

// SliceSize returns the bytes one slice of the given size class occupies.
func (a *Allocator) SliceSize(size int) int {
	return a.sliceSize[size]
}

// SlicesPerBlock returns how many slices of the given size class one block yields.
func (a *Allocator) SlicesPerBlock(size int) int {
	return a.perBlock[size]
}

// NewCache returns a cache owned by the calling goroutine.
// The cache must be closed before the goroutine exits or hands it over,
// otherwise its slices stay stranded until Cleanup.
func (a *Allocator) NewCache() *Cache {
	if a.shared != nil {
		return a.shared
	}
	c := newCache(a)
	a.mu.Lock()
	a.caches[c] = struct{}{}
	a.mu.Unlock()
	return c
}

func (a *Allocator) dropCache(c *Cache) {
	if c == a.shared {
		return
	}
	a.mu.Lock()
	delete(a.caches, c)
	a.mu.Unlock()
}

// refill returns a nil terminated list of free slices of the given size class:
// one block's worth taken from the global pool, or a freshly carved block.
func (a *Allocator) refill(size int) *link {
	n := a.perBlock[size]
	words := a.sliceSize[size] / wordSize

	a.mu.Lock()
	fl := &a.pools[size]
	if fl.n >= n {
		head := fl.head
		p := head
		for i := 1; i < n; i++ {
			p = p.next
		}
		fl.head = p.next
		fl.n -= n
		a.mu.Unlock()

		p.setNext(nil)
		return head
	}

	if a.carveUnderLock {
		defer a.mu.Unlock()
		block := a.allocBlock()
		a.linkBlock(block, words*wordSize*n)
		head, _ := threadSlices(block, words, n)
		return head
	}
	a.mu.Unlock()

	block := a.allocBlock()
	a.mu.Lock()
	a.linkBlock(block, words*wordSize*n)
	a.mu.Unlock()
	head, _ := threadSlices(block, words, n)
	return head
}

// allocBlock requests one block from the source. Failure is fatal.
func (a *Allocator) allocBlock() unsafe.Pointer {
	p, err := a.source.Alloc(a.blockSize)
	if err != nil {
		panic(fmt.Errorf("%w: block of %d bytes: %w", ErrOutOfMemory, a.blockSize, err))
	}
	if p == nil {
		panic(fmt.Errorf("%w: block source returned nil", ErrOutOfMemory))
	}
	return p
}

// linkBlock pushes block onto the block chain. The lock must be held.
func (a *Allocator) linkBlock(block unsafe.Pointer, carved int) {
	tailOf(block, a.blockSize).setNext(a.blocks)
	a.blocks = block
	a.nblock++
	a.carved += carved
}

// receive splices head..tail, holding n slices, onto the global list of the size class.
// The lock must be held.
func (a *Allocator) receive(size int, head, tail *link, n int) {
	fl := &a.pools[size]
	tail.setNext(fl.head)
	fl.head = head
	fl.n += n
}
