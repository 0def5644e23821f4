// Package worker runs blocking engine calls on a fixed set of goroutines so
// that request handlers never block on a browser directly.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrPoolClosed = errors.New("worker pool closed")

type job struct {
	run  func()
	done chan struct{}
}

// Pool is a fixed-size set of workers fed by an unbuffered channel.
type Pool struct {
	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup
	size int

	busy atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// New starts size workers. size < 1 is treated as 1.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		jobs: make(chan job),
		quit: make(chan struct{}),
		size: size,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			p.busy.Add(1)
			j.run()
			p.busy.Add(-1)
			close(j.done)
		case <-p.quit:
			return
		}
	}
}

// Size is the number of workers.
func (p *Pool) Size() int { return p.size }

// Busy is the number of workers currently running a job.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Submit hands fn to a free worker and waits for it to finish. ctx bounds
// only the wait for a worker: once taken, fn runs to completion and should
// watch ctx itself.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	j := job{run: fn, done: make(chan struct{})}
	select {
	case p.jobs <- j:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	<-j.done
	return nil
}

// Close stops accepting jobs and waits for running ones to finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.quit)
		p.wg.Wait()
	})
}

// Do runs fn on the pool and returns its result.
func Do[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		out T
		err error
	)
	if submitErr := p.Submit(ctx, func() { out, err = fn(ctx) }); submitErr != nil {
		var zero T
		return zero, submitErr
	}
	return out, err
}

// Run is Do for functions without a result.
func Run(ctx context.Context, p *Pool, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
