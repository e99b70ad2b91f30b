/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package mempool serves allocations too large for the slice pools of
// unsafex/malloc. Memory comes from power-of-two sync.Pool tiers; like the
// slice pools it keeps no per-allocation metadata, so Free must be given the
// size passed to Alloc.
package mempool

import (
	"fmt"
	"math/bits"
	"sync"
	"unsafe"
)

type memPool struct {
	sync.Pool

	Size int
}

var pools []*memPool

const (
	minMemPoolSize = 256       // 256B, `Alloc` returns memory of at least this size
	maxMemPoolSize = 128 << 30 // 128GB, `Alloc` will panic if > the number
)

// bits2idx maps bits.Len to the index of `pools`
// for size < minMemPoolSize, bits2idx maps to `pools[0]` which is expected.
var bits2idx [64]int

func init() {
	i := 0
	for sz := minMemPoolSize; sz <= maxMemPoolSize; sz <<= 1 {
		p := &memPool{Size: sz}
		p.New = func() interface{} {
			b := make([]byte, p.Size)
			return &b[0]
		}
		pools = append(pools, p)
		bits2idx[bits.Len(uint(p.Size))] = i
		i++
	}
}

// poolIndex returns index of a pool which fits the given size `sz`
func poolIndex(sz int) int {
	if sz <= minMemPoolSize {
		return 0
	}
	i := bits2idx[bits.Len(uint(sz))]
	if uint(sz)&(uint(sz)-1) == 0 {
		// if power of two, it fits perfectly
		// like `512` should be in pools[1], but `513` in pools[2]
		return i
	}
	return i + 1
}

func pool(size int) *memPool {
	if size <= 0 || size > maxMemPoolSize {
		panic(fmt.Sprintf("mempool: size %d out of range", size))
	}
	return pools[poolIndex(size)]
}

// Alloc returns size usable bytes, content not initialized.
// The memory stays valid until Free, as long as the caller keeps the pointer.
func Alloc(size int) unsafe.Pointer {
	return unsafe.Pointer(pool(size).Get().(*byte))
}

// Free returns p, obtained from Alloc(size), to its tier.
// DO NOT use p after calling `Free`.
func Free(size int, p unsafe.Pointer) {
	mp := pool(size)
	if p == nil {
		return
	}
	mp.Put((*byte)(p))
}

// Cap returns the number of bytes actually reserved for an allocation of size.
func Cap(size int) int {
	return pool(size).Size
}

// Bytes returns the memory of an allocation as a []byte of len size and cap Cap(size).
func Bytes(size int, p unsafe.Pointer) []byte {
	return unsafe.Slice((*byte)(p), Cap(size))[:size]
}
