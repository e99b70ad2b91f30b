package malloc

import (
	"sort"
	"unsafe"

	"github.com/bytedance/gopkg/lang/mcache"
)

// Defrag relinks every global free list in ascending address order, so that
// slices handed out next are close to each other in memory.
// The set of free slices is unchanged. It holds the global lock for the whole pass.
func (a *Allocator) Defrag() {
	a.mu.Lock()
	defer a.mu.Unlock()

	maxN := 0
	for i := range a.pools {
		if a.pools[i].n > maxN {
			maxN = a.pools[i].n
		}
	}
	if maxN <= 1 {
		return
	}

	buf := mcache.Malloc(maxN * wordSize)
	defer mcache.Free(buf)
	scratch := unsafe.Slice((**link)(unsafe.Pointer(&buf[0])), maxN)

	for size := range a.pools {
		fl := &a.pools[size]
		n := fl.n
		if n <= 1 {
			continue
		}
		i := 0
		for p := fl.head; p != nil; p = p.next {
			scratch[i] = p
			i++
		}
		if i != n {
			panic("malloc: corrupted free list")
		}
		s := scratch[:n]
		sort.Slice(s, func(i, j int) bool {
			return uintptr(unsafe.Pointer(s[i])) < uintptr(unsafe.Pointer(s[j]))
		})
		fl.head = s[0]
		for i := 0; i < n-1; i++ {
			s[i].setNext(s[i+1])
		}
		s[n-1].setNext(nil)
	}
}
