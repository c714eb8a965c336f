package worker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firasghr/mimicry/worker"
)

func TestPool_ExecutesAllJobs(t *testing.T) {
	const jobs = 500
	p := worker.New(10)

	var counter atomic.Int64
	for i := 0; i < jobs; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { counter.Add(1) }))
	}
	p.Stop()

	assert.EqualValues(t, jobs, counter.Load())
}

func TestPool_ZeroWorkersFallsBackToOne(t *testing.T) {
	p := worker.New(0)
	assert.Equal(t, 1, p.Size())

	var ran atomic.Int64
	require.NoError(t, p.Submit(context.Background(), func() { ran.Add(1) }))
	p.Stop()
	assert.EqualValues(t, 1, ran.Load())
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := worker.New(3)
	var running, peak atomic.Int64
	for i := 0; i < 30; i++ {
		require.NoError(t, p.Submit(context.Background(), func() {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
		}))
	}
	p.Stop()
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := worker.New(1)
	p.Stop()
	p.Stop()
	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), worker.ErrStopped)
}

func TestPool_SubmitHonoursContext(t *testing.T) {
	p := worker.New(1)
	block := make(chan struct{})
	// One job occupies the worker, four fill the queue.
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { <-block }))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	p.Stop()
}

func TestRun(t *testing.T) {
	results := make([]int, 20)
	skipped := worker.Run(context.Background(), len(results), 4, func(i int) {
		results[i] = i * i
	})
	assert.Empty(t, skipped)
	for i, v := range results {
		assert.Equal(t, i*i, v)
	}
}

func TestRun_CancelledContextSkips(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int64
	skipped := worker.Run(ctx, 10, 2, func(int) { ran.Add(1) })
	assert.EqualValues(t, 10, int64(len(skipped))+ran.Load())
}
