package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Task is one unit of pool work, typically the execution loop of an instance.
type Task func(ctx context.Context) error

// WorkerPool runs tasks with bounded concurrency. Submit never blocks: tasks
// wait in their own goroutine for a free slot.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	closed  bool
	onPanic func(name string, recovered any)
}

// NewWorkerPool creates a pool that runs at most size tasks at once.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

// OnPanic installs a callback for panicking tasks. It must be set before
// the first Submit.
func (p *WorkerPool) OnPanic(fn func(name string, recovered any)) {
	p.onPanic = fn
}

// Submit queues task under name. If ctx ends before a slot frees up, the
// task still runs, outside the concurrency bound, with the ended context so
// it can release what it holds.
func (p *WorkerPool) Submit(ctx context.Context, name string, task Task) error {
	// wg.Add must happen under the lock so Shutdown cannot miss the task.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Queued, 1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		acquired := false
		select {
		case p.sem <- struct{}{}:
			acquired = true
		case <-ctx.Done():
		}
		atomic.AddInt64(&p.metrics.Queued, -1)
		atomic.AddInt64(&p.metrics.Active, 1)

		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				if p.onPanic != nil {
					p.onPanic(name, r)
				}
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			if acquired {
				<-p.sem
			}
		}()

		if err := task(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()
	return nil
}

// Wait blocks until all submitted tasks return.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for queued and active tasks.
// Callers cancel the tasks' context first to make this prompt.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

func (m PoolMetrics) String() string {
	return fmt.Sprintf("queued=%d active=%d completed=%d failed=%d panics=%d",
		m.Queued, m.Active, m.Completed, m.Failed, m.Panics)
}
