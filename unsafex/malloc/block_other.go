//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package malloc

func defaultSource() BlockSource {
	return NewHeapSource()
}
