// Package schedule provides a bounded worker pool and trigger scheduling for
// job runs. Tasks submitted directly run as soon as a worker is free;
// interval and cron triggers fire on a shared trigger runner and dispatch
// into the same pool.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull = errors.New("task queue is full")
	ErrStopped   = errors.New("scheduler is stopped")
)

// Task is a unit of work executed by the pool.
type Task func()

// Pool is a fixed-size worker pool with a bounded queue.
type Pool struct {
	queue  chan Task
	logger *slog.Logger

	wg      sync.WaitGroup
	stopped atomic.Bool
	done    chan struct{}
}

// NewPool creates a Pool with the given number of workers and queue capacity
// and starts the workers.
func NewPool(workers, capacity int, logger *slog.Logger) *Pool {
	p := &Pool{
		queue:  make(chan Task, capacity),
		logger: logger,
		done:   make(chan struct{}),
	}

	for range workers {
		p.wg.Go(p.worker)
	}

	return p
}

func (p *Pool) worker() {
	for task := range p.queue {
		p.run(task)
	}
}

// run executes a single task, containing any panic so a misbehaving task
// can't take down the worker.
func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				"err", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	task()
}

// Submit queues a task, blocking while the queue is full. It returns
// ErrStopped if the pool has been stopped.
func (p *Pool) Submit(task Task) (err error) {
	if p.stopped.Load() {
		return ErrStopped
	}

	// The queue channel is closed on Stop, so a send can race with shutdown.
	defer func() {
		if recover() != nil {
			err = ErrStopped
		}
	}()

	p.queue <- task

	return nil
}

// TrySubmit queues a task without blocking. It returns ErrQueueFull when the
// queue is full and ErrStopped if the pool has been stopped.
func (p *Pool) TrySubmit(task Task) (err error) {
	if p.stopped.Load() {
		return ErrStopped
	}

	defer func() {
		if recover() != nil {
			err = ErrStopped
		}
	}()

	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for queued tasks to finish, up to ctx
// cancellation. Safe to call more than once; every call waits for the drain,
// so a caller whose first attempt timed out can retry.
func (p *Pool) Stop(ctx context.Context) error {
	if p.stopped.CompareAndSwap(false, true) {
		close(p.queue)

		go func() {
			p.wg.Wait()
			close(p.done)
		}()
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
