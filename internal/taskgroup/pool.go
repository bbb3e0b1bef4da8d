package taskgroup

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool admits incoming task groups onto a bounded set of concurrent
// executions, grounded on bspgraph.Graph.startWorkers's fixed-size
// goroutine-pool pattern (spawn N workers, each draining one unit of work),
// adapted here from "N goroutines draining one shared vertex channel" to "N
// concurrently admitted task-group executions", using
// golang.org/x/sync/semaphore.Weighted for the admission control — the same
// bounded-concurrency primitive the retrieval pack uses for worker-capped
// fan-out (see partition/parallel.go in the retrieval pack).
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a Pool that runs at most capacity task groups at once.
func NewPool(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(capacity))}
}

// Run blocks until a slot is free (or ctx is cancelled), then runs exec and
// releases the slot once it returns. The caller is expected to invoke Run
// from its own goroutine per task group so that admission, not dispatch,
// is what blocks.
func (p *Pool) Run(ctx context.Context, exec func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return exec(ctx)
}
