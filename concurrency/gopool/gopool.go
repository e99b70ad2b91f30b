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
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cloudwego/slabkit/unsafex/malloc"
)

// Option configures a GoPool.
type Option struct {
	// MaxIdleWorkers caps the workers kept waiting for tasks.
	// Workers beyond the cap run what is queued and exit.
	MaxIdleWorkers int

	// WorkerMaxAge is how long a worker lives before it exits and closes its cache.
	WorkerMaxAge time.Duration

	// TaskChanBuffer is the task queue length. When the queue is full a task runs
	// on a fresh goroutine with a cache of its own, closed right after the task.
	TaskChanBuffer int

	// FlushEvery makes a worker flush its cache to the allocator's global pool after
	// that many tasks. Zero flushes only on clock ticks and on exit.
	FlushEvery int
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		MaxIdleWorkers: 1000,
		WorkerMaxAge:   time.Minute,
		TaskChanBuffer: 1000,
	}
}

// Task is a func run by the pool. c is the allocator cache of the goroutine
// running it; it must not be retained after the task returns.
type Task func(c *malloc.Cache)

var defaultGoPool = NewGoPool("__default__", nil, nil)

// Go runs f on the default pool, backed by malloc.Default().
func Go(f Task) {
	defaultGoPool.Go(f)
}

// CtxGo runs f on the default pool and passes ctx to the panic handler.
func CtxGo(ctx context.Context, f Task) {
	defaultGoPool.CtxGo(ctx, f)
}

// SetPanicHandler sets the panic handler of the default pool.
func SetPanicHandler(f func(ctx context.Context, r interface{})) {
	defaultGoPool.SetPanicHandler(f)
}

// task with a nil f is a clock tick.
type task struct {
	ctx context.Context
	f   Task
}

// GoPool runs tasks on worker goroutines. Every worker owns one cache of the
// pool's allocator for its whole life, so tasks allocate without taking the
// allocator lock, and hands the cached slices back to the global pool when it
// idles or exits.
type GoPool struct {
	name  string
	alloc *malloc.Allocator

	workers    int32
	overflow   int32 // goroutines running tasks outside of workers
	maxIdle    int32
	maxage     int64 // milliseconds
	flushEvery int

	panicHandler func(ctx context.Context, r interface{})

	tasks chan task

	// clock is the last tick in unix milliseconds, zero while no clock runs.
	clock int64

	spawn func()
}

// NewGoPool creates a pool whose workers take caches from a.
// A nil a uses malloc.Default(), a nil o uses DefaultOption().
// a must not be single threaded.
func NewGoPool(name string, a *malloc.Allocator, o *Option) *GoPool {
	if o == nil {
		o = DefaultOption()
	}
	if a == nil {
		a = malloc.Default()
	}
	p := &GoPool{
		name:       name,
		alloc:      a,
		tasks:      make(chan task, o.TaskChanBuffer),
		maxage:     o.WorkerMaxAge.Milliseconds(),
		maxIdle:    int32(o.MaxIdleWorkers),
		flushEvery: o.FlushEvery,
	}
	// bound once so CtxGo does not allocate a closure per spawn
	p.spawn = func() {
		p.runWorker()
	}
	return p
}

// Go runs f in background.
func (p *GoPool) Go(f Task) {
	p.CtxGo(context.Background(), f)
}

// CtxGo runs f in background and passes ctx to the panic handler if f panics.
func (p *GoPool) CtxGo(ctx context.Context, f Task) {
	select {
	case p.tasks <- task{ctx: ctx, f: f}:
	default:
		go p.runOverflow(ctx, f)
		return
	}
	// an idle worker picked it up already
	if len(p.tasks) == 0 {
		return
	}
	go p.spawn()
}

// SetPanicHandler sets the func called with ctx and the recovered value when a task panics.
// Without one, the panic and its stack are written with log.Printf.
// The cache passed to the task stays usable after a panic.
func (p *GoPool) SetPanicHandler(f func(ctx context.Context, r interface{})) {
	p.panicHandler = f
}

// CurrentWorkers returns the number of live workers.
func (p *GoPool) CurrentWorkers() int {
	return int(atomic.LoadInt32(&p.workers))
}

// CurrentOverflow returns the number of tasks running outside of workers.
func (p *GoPool) CurrentOverflow() int {
	return int(atomic.LoadInt32(&p.overflow))
}

// Allocator returns the allocator whose caches the workers own.
func (p *GoPool) Allocator() *malloc.Allocator {
	return p.alloc
}

func (p *GoPool) runTask(ctx context.Context, c *malloc.Cache, f Task) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(ctx, r)
			} else {
				log.Printf("GOPOOL: panic in pool: %s: %v: %s", p.name, r, debug.Stack())
			}
		}
	}()
	f(c)
}

func (p *GoPool) runOverflow(ctx context.Context, f Task) {
	atomic.AddInt32(&p.overflow, 1)
	defer atomic.AddInt32(&p.overflow, -1)

	c := p.alloc.NewCache()
	defer c.Close()
	p.runTask(ctx, c, f)
}

// worker is the state of one worker goroutine.
type worker struct {
	p       *GoPool
	c       *malloc.Cache
	born    int64 // unix milliseconds
	pending int   // tasks run since the last flush
}

func (w *worker) exec(t task) {
	if t.f == nil {
		// idle tick: nothing ran in between, give the slices back
		if w.pending == 0 {
			w.c.Flush()
		}
		w.pending = 0
		return
	}
	w.p.runTask(t.ctx, w.c, t.f)
	w.pending++
	if w.p.flushEvery > 0 && w.pending >= w.p.flushEvery {
		w.c.Flush()
		w.pending = 0
	}
}

func (p *GoPool) runWorker() {
	id := atomic.AddInt32(&p.workers, 1)
	defer atomic.AddInt32(&p.workers, -1)

	// closed before the worker count drops, so a zero count means flushed caches
	w := &worker{p: p, c: p.alloc.NewCache(), born: time.Now().UnixMilli()}
	defer w.c.Close()

	if id > p.maxIdle {
		for {
			select {
			case t := <-p.tasks:
				w.exec(t)
			default:
				return
			}
		}
	}

	for t := range p.tasks {
		w.exec(t)

		now := atomic.LoadInt64(&p.clock)
		if now == 0 {
			now = time.Now().UnixMilli()
			if atomic.CompareAndSwapInt64(&p.clock, 0, now) {
				go p.runClock()
			}
		}
		if now-w.born > p.maxage {
			return
		}
	}
}

// runClock advances p.clock and wakes idle workers with ticks, 100 per
// WorkerMaxAge and at most one per millisecond, until no worker is left.
func (p *GoPool) runClock() {
	defer atomic.StoreInt64(&p.clock, 0)

	d := time.Duration(p.maxage) * time.Millisecond / 100
	if d < time.Millisecond {
		d = time.Millisecond
	}
	t := time.NewTicker(d)
	defer t.Stop()

	for now := range t.C {
		if p.CurrentWorkers() == 0 {
			return
		}
		atomic.StoreInt64(&p.clock, now.UnixMilli())
		p.tasks <- task{}
	}
}
