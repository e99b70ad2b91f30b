/*
 * Copyright 2025 CloudWeGo Authors
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

package gopool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/slabkit/unsafex/malloc"
)

func newTestAllocator(t *testing.T) *malloc.Allocator {
	t.Helper()
	a, err := malloc.NewAllocator(&malloc.Option{
		BlockSize:     malloc.DefaultBlockSize,
		MaxPooledSize: malloc.DefaultMaxPooledSize,
		Debug:         true,
		Source:        malloc.NewHeapSource(),
	})
	require.NoError(t, err)
	return a
}

func allocFree(c *malloc.Cache, n, size int) bool {
	ptrs := make([]unsafe.Pointer, n)
	for i := range ptrs {
		ptrs[i] = c.Allocate(size)
	}
	for _, p := range ptrs {
		c.Deallocate(size, p)
	}
	return c.Len(size) >= n
}

func waitIdle(t *testing.T, p *GoPool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.CurrentWorkers() == 0 && p.CurrentOverflow() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestGoPoolWorkerCaches(t *testing.T) {
	a := newTestAllocator(t)
	p := NewGoPool("test", a, &Option{MaxIdleWorkers: 0, WorkerMaxAge: time.Second, TaskChanBuffer: 16})
	assert.Same(t, a, p.Allocator())

	var wg sync.WaitGroup
	var failed int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Go(func(c *malloc.Cache) {
			defer wg.Done()
			if c == nil || !allocFree(c, 50, 24) {
				atomic.AddInt32(&failed, 1)
			}
		})
	}
	wg.Wait()
	waitIdle(t, p)

	assert.Equal(t, int32(0), atomic.LoadInt32(&failed))
	assert.Equal(t, 0, a.Stats().Caches)
	assert.NoError(t, a.CheckLeaks())
	assert.Equal(t, a.CarvedBytes(), a.GlobalBytes())
	assert.NotPanics(t, a.Cleanup)
}

func TestGoPoolOverflow(t *testing.T) {
	a := newTestAllocator(t)
	// unbuffered queue without workers: every task runs on an overflow goroutine
	p := NewGoPool("overflow", a, &Option{MaxIdleWorkers: 10, WorkerMaxAge: time.Second, TaskChanBuffer: 0})

	var wg sync.WaitGroup
	var failed int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Go(func(c *malloc.Cache) {
			defer wg.Done()
			if !allocFree(c, 10, 100) {
				atomic.AddInt32(&failed, 1)
			}
		})
	}
	wg.Wait()
	waitIdle(t, p)

	assert.Equal(t, int32(0), atomic.LoadInt32(&failed))
	assert.Equal(t, 0, p.CurrentWorkers())
	assert.NoError(t, a.CheckLeaks())
	assert.Equal(t, a.CarvedBytes(), a.GlobalBytes())
}

func TestGoPoolFlushEvery(t *testing.T) {
	a := newTestAllocator(t)
	p := NewGoPool("flush", a, &Option{MaxIdleWorkers: 10, WorkerMaxAge: time.Minute, TaskChanBuffer: 4, FlushEvery: 1})

	done := make(chan bool, 1)
	p.Go(func(c *malloc.Cache) {
		done <- allocFree(c, 50, 24)
	})
	require.True(t, <-done)

	// the worker stays alive but holds no slices
	require.Eventually(t, func() bool {
		return a.CarvedBytes() > 0 && a.GlobalBytes() == a.CarvedBytes()
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, p.CurrentWorkers())
}

func TestGoPoolIdleFlush(t *testing.T) {
	a := newTestAllocator(t)
	// ticks every 100ms, workers live for 10s
	p := NewGoPool("idle", a, &Option{MaxIdleWorkers: 10, WorkerMaxAge: 10 * time.Second, TaskChanBuffer: 4})

	done := make(chan bool, 1)
	p.Go(func(c *malloc.Cache) {
		done <- allocFree(c, 50, 24)
	})
	require.True(t, <-done)

	require.Eventually(t, func() bool {
		return a.CarvedBytes() > 0 && a.GlobalBytes() == a.CarvedBytes()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, p.CurrentWorkers())
}

func TestGoPoolPanicHandler(t *testing.T) {
	a := newTestAllocator(t)
	p := NewGoPool("panic", a, &Option{MaxIdleWorkers: 0, WorkerMaxAge: time.Second, TaskChanBuffer: 4})

	type ctxKey struct{}
	got := make(chan interface{}, 1)
	p.SetPanicHandler(func(ctx context.Context, r interface{}) {
		assert.Equal(t, "v", ctx.Value(ctxKey{}))
		got <- r
	})
	ctx := context.WithValue(context.Background(), ctxKey{}, "v")
	p.CtxGo(ctx, func(c *malloc.Cache) {
		c.Deallocate(24, c.Allocate(24))
		panic("boom")
	})

	select {
	case r := <-got:
		assert.Equal(t, "boom", r)
	case <-time.After(5 * time.Second):
		t.Fatal("panic handler not called")
	}
	waitIdle(t, p)
	assert.NoError(t, a.CheckLeaks())
}

func TestDefaultGoPool(t *testing.T) {
	done := make(chan bool, 1)
	Go(func(c *malloc.Cache) {
		done <- c != nil && c.Allocator() == malloc.Default()
	})
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("task not run")
	}
}
