package siem

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by futures submitted after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Pool runs blocking vendor calls on a fixed set of workers so request
// handlers never sleep through retry backoff themselves.
type Pool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines with a queue of the given depth.
func NewPool(workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}

	p := &Pool{tasks: make(chan func(), queue)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Close stops accepting work and waits for queued tasks to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

// Future is the pending result of a task submitted to a Pool.
type Future[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	value  T
	err    error
}

// Wait blocks until the task finishes or ctx is done. A ctx timeout does not
// stop the task; call Cancel for that.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed when the task has finished.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Cancel cancels the context the task runs with.
func (f *Future[T]) Cancel() {
	f.cancel()
}

func (f *Future[T]) resolve(v T, err error) {
	f.value = v
	f.err = err
	f.cancel()
	close(f.done)
}

// Submit schedules fn on p. The task context is derived from ctx and is
// cancelled by Future.Cancel.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	taskCtx, cancel := context.WithCancel(ctx)
	f := &Future[T]{done: make(chan struct{}), cancel: cancel}

	task := func() {
		if err := taskCtx.Err(); err != nil {
			var zero T
			f.resolve(zero, err)
			return
		}
		v, err := fn(taskCtx)
		f.resolve(v, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		var zero T
		f.resolve(zero, ErrPoolClosed)
		return f
	}

	select {
	case p.tasks <- task:
	case <-taskCtx.Done():
		var zero T
		f.resolve(zero, taskCtx.Err())
	}
	return f
}
