// Package scheduler fans jobs out to the sessions of a session.Manager on a
// bounded worker pool.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/firasghr/mimicry/session"
	"github.com/firasghr/mimicry/worker"
)

// Job is the work one session performs in one round.
type Job func(ctx context.Context, id int, s *session.Session)

// idleWait is how long the control loop sleeps when the manager has no
// sessions.
const idleWait = 50 * time.Millisecond

// Scheduler bridges a session.Manager and a worker.Pool.
//
// Architecture:
//   - Start spawns a control goroutine that walks every registered session
//     in ID order and submits one job per session to the pool. A walk is a
//     round; rounds repeat until Stop or the context ends.
//   - Submit blocks while the pool queue is full, so the control loop never
//     runs ahead of the workers.
//   - Stop waits for the control goroutine, not for queued jobs; stop the
//     worker pool for that.
type Scheduler struct {
	manager *session.Manager
	pool    *worker.Pool

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
	rounds atomic.Uint64
}

// New creates a Scheduler that enumerates sessions from m and runs jobs on p.
func New(m *session.Manager, p *worker.Pool) *Scheduler {
	return &Scheduler{
		manager: m,
		pool:    p,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins continuous dispatch of job in the background. job must be
// safe for concurrent use; one session may run several jobs at once.
func (sc *Scheduler) Start(ctx context.Context, job Job) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-sc.stopCh:
		case <-ctx.Done():
		}
		cancel()
	}()
	go func() {
		defer close(sc.done)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !sc.dispatch(ctx, job) {
				return
			}
		}
	}()
}

// dispatch submits one round. It returns false once the pool or the
// context refuses further work.
func (sc *Scheduler) dispatch(ctx context.Context, job Job) bool {
	ids := sc.manager.IDs()
	if len(ids) == 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(idleWait):
			return true
		}
	}
	for _, id := range ids {
		s, ok := sc.manager.Get(id)
		if !ok {
			continue
		}
		if err := sc.pool.Submit(ctx, func() { job(ctx, id, s) }); err != nil {
			return false
		}
	}
	sc.rounds.Add(1)
	return true
}

// Rounds returns the number of completed dispatch rounds.
func (sc *Scheduler) Rounds() uint64 { return sc.rounds.Load() }

// Stop ends dispatching and waits for the control goroutine to exit. Jobs
// already running see their context cancelled. Stop is idempotent and must
// only be called after Start.
func (sc *Scheduler) Stop() {
	sc.once.Do(func() { close(sc.stopCh) })
	<-sc.done
}
