package malloc

import "sync"

// noopLocker replaces the global mutex when the allocator is only ever used
// by one goroutine.
type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

func newLocker(singleThreaded bool) sync.Locker {
	if singleThreaded {
		return noopLocker{}
	}
	return &sync.Mutex{}
}
