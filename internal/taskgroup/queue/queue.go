// Package queue implements the bounded blocking queue a task-group executor
// drains as its per-source read futures resolve, adapted from
// bspgraph/message.Queue's mutex-guarded in-memory slice: Next() there polls
// non-blockingly because a superstep only runs once every vertex's queue is
// known to be quiescent, but an operator task must block until the next of
// an unordered set of concurrent reads completes, so Take is channel-backed
// instead.
package queue

import "context"

// Result is one resolved read, tagged with the upstream vertex it came from
// so a Transform can tell its inputs apart.
type Result struct {
	SrcVertexID string
	Body        []byte
	Err         error
}

// BlockingQueue collects Results from concurrently running reads and lets a
// single consumer drain them one at a time, in completion order.
type BlockingQueue struct {
	ch chan Result
}

// New creates a queue sized for capacity outstanding reads, so producers
// never block handing off a completed Result.
func New(capacity int) *BlockingQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &BlockingQueue{ch: make(chan Result, capacity)}
}

// Push enqueues a completed read. Safe to call concurrently from several
// reader goroutines.
func (q *BlockingQueue) Push(r Result) {
	q.ch <- r
}

// Take blocks until a Result is available or ctx expires.
func (q *BlockingQueue) Take(ctx context.Context) (Result, error) {
	select {
	case r := <-q.ch:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
