package malloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapSource(t *testing.T) {
	s := NewHeapSource()
	p, err := s.Alloc(8192)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0), uintptr(p)%uintptr(wordSize))
	assert.Equal(t, 1, s.Len())

	_, err = s.Alloc(0)
	assert.Error(t, err)

	assert.Error(t, s.Free(p, 4096))
	assert.NoError(t, s.Free(p, 8192))
	assert.Error(t, s.Free(p, 8192))
	assert.Equal(t, 0, s.Len())
}

func TestDefaultSource(t *testing.T) {
	s := defaultSource()
	p, err := s.Alloc(DefaultBlockSize)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), DefaultBlockSize)
	b[0], b[DefaultBlockSize-1] = 1, 2
	assert.NoError(t, s.Free(p, DefaultBlockSize))
}

func TestCarve(t *testing.T) {
	if wordSize != 8 {
		t.Skip("expectations assume 64-bit words")
	}
	tests := []struct {
		size      int
		blockSize int
		words     int
		n         int
	}{
		{1, 8192, 1, 1023},
		{8, 8192, 1, 1023},
		{9, 8192, 2, 511},
		{24, 8192, 3, 341},
		{255, 8192, 32, 31},
		{255, 256, 32, 0},
		{24, 32, 3, 1},
	}
	for _, tt := range tests {
		words, n := carve(tt.size, tt.blockSize)
		assert.Equal(t, tt.words, words, "size=%d", tt.size)
		assert.Equal(t, tt.n, n, "size=%d block=%d", tt.size, tt.blockSize)
	}
}

func TestThreadSlices(t *testing.T) {
	block := make([]byte, 1024)
	words, n := carve(24, len(block))
	head, tail := threadSlices(unsafe.Pointer(&block[0]), words, n)

	step := uintptr(words * wordSize)
	i := 0
	for p := head; p != nil; p = p.next {
		assert.Equal(t, uintptr(unsafe.Pointer(&block[0]))+uintptr(i)*step, uintptr(unsafe.Pointer(p)))
		if p.next == nil {
			assert.Equal(t, tail, p)
		}
		i++
	}
	assert.Equal(t, n, i)
	assert.LessOrEqual(t, uintptr(unsafe.Pointer(tail))+step, uintptr(unsafe.Pointer(&block[0]))+uintptr(len(block)-wordSize))
}

func TestBlockChain(t *testing.T) {
	src := NewHeapSource()
	a := newTestAllocator(t, &Option{BlockSize: 512, MaxPooledSize: 64, Source: src})
	c := a.NewCache()
	for size := 1; size < 64; size += 7 {
		c.Allocate(size)
	}
	n := 0
	for p := a.blocks; p != nil; p = tailOf(p, a.blockSize).next {
		n++
	}
	assert.Equal(t, src.Len(), n)
	assert.Equal(t, n*512, a.BlockBytes())
}
