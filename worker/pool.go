// Package worker provides a bounded goroutine pool for executing jobs with
// controlled concurrency.
package worker

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker pool stopped")

// Pool runs jobs on a fixed number of goroutines draining a shared queue.
//
//   - The goroutines start in New and live until Stop.
//   - The queue buffers size*4 jobs; Submit blocks when it is full, so
//     producers cannot run ahead of the workers without bound.
//   - Stop lets queued jobs finish and waits for every worker to exit.
type Pool struct {
	size int
	jobs chan func()
	wg   sync.WaitGroup
	mu   sync.RWMutex
	done bool
}

// New starts a Pool with size workers. Non-positive sizes mean one worker.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		size: size,
		jobs: make(chan func(), size*4),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Submit queues job, waiting for buffer space until ctx ends.
func (p *Pool) Submit(ctx context.Context, job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.done {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop waits for queued jobs to finish and the workers to exit. Calling it
// more than once is harmless.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

// Run executes fn(i) for i in [0, n) on a temporary pool of size workers and
// returns once all calls have returned. Indexes not yet queued when ctx ends
// are skipped and reported through skipped.
func Run(ctx context.Context, n, size int, fn func(i int)) (skipped []int) {
	if size > n {
		size = n
	}
	p := New(size)
	for i := 0; i < n; i++ {
		if err := p.Submit(ctx, func() { fn(i) }); err != nil {
			for j := i; j < n; j++ {
				skipped = append(skipped, j)
			}
			break
		}
	}
	p.Stop()
	return skipped
}
