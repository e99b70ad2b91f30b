//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package malloc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapSource maps every block as anonymous private memory outside the Go heap.
type MmapSource struct{}

// NewMmapSource returns a MmapSource.
func NewMmapSource() *MmapSource {
	return &MmapSource{}
}

// Alloc implements BlockSource.
func (*MmapSource) Alloc(size int) (unsafe.Pointer, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return unsafe.Pointer(&b[0]), nil
}

// Free implements BlockSource.
func (*MmapSource) Free(p unsafe.Pointer, size int) error {
	if err := unix.Munmap(unsafe.Slice((*byte)(p), size)); err != nil {
		return fmt.Errorf("munmap %p: %w", p, err)
	}
	return nil
}

func defaultSource() BlockSource {
	return NewMmapSource()
}
