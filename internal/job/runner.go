package job

import "context"

//go:generate mockgen -package mocks -destination mocks/mocks_job.go github.com/distflow/runtime/internal/job Runner

// Runner is implemented by a worker-side task-group coordinator: the seam
// between a scheduled descriptor arriving over the control transport and an
// actual running task-group execution, generalized from
// dbspgraph.job.Runner's StartJob/CompleteJob/AbortJob lifecycle.
type Runner interface {
	// StartTaskGroup builds and runs attemptIdx of the given task-group
	// descriptor, returning once its terminal state has been reported.
	StartTaskGroup(ctx context.Context, executorID string, tg TaskGroupDescriptor, attemptIdx int) error

	// AbortTaskGroup cancels a task-group execution already in flight for
	// the given attempt, used when the worker is shutting down or the
	// master has superseded the attempt.
	AbortTaskGroup(tgID string, attemptIdx int)
}
