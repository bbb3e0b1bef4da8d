// Package taskgroup implements the worker-side task-group executor (C5) and
// its local state manager (C6): walking a topologically ordered micro-DAG of
// tasks exactly once, wiring local/cross-stage reads and writes through to
// operator transforms, and reporting task-group state transitions over the
// control transport.
package taskgroup

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/distflow/runtime/internal/controlpb"
	"github.com/distflow/runtime/internal/taskgroup/queue"
)

// ErrAlreadyExecuted is returned by Execute on any call after the first: per
// §4.5, re-entry into an already-run task group is an unrecoverable protocol
// error, not a retryable condition.
var ErrAlreadyExecuted = xerrors.Errorf("task group already executed")

// Executor runs one attempt of a task group's topologically sorted task DAG
// exactly once, grounded on bspgraph.Executor.run's single-pass superstep
// loop, generalized from "repeat supersteps until a stop condition" to "run
// each task in dependency order, once".
type Executor struct {
	tasks   []*Task
	state   *StateManager
	barrier bool // set once a barrier task is observed; task group finishes ON_HOLD rather than COMPLETE.

	mu      sync.Mutex
	started bool
}

// NewExecutor creates an Executor for a task group's already topologically
// sorted tasks, reporting state transitions through sm.
func NewExecutor(tasks []*Task, sm *StateManager) *Executor {
	return &Executor{tasks: tasks, state: sm}
}

// Execute runs the task group's micro-DAG to completion, reporting EXECUTING
// on entry and exactly one terminal state (COMPLETE, ON_HOLD,
// FAILED_RECOVERABLE or FAILED_UNRECOVERABLE) before returning. Calling
// Execute a second time on the same Executor is a protocol error.
func (e *Executor) Execute(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyExecuted
	}
	e.started = true
	e.mu.Unlock()

	if err := e.state.Transition(StateExecuting, nil, controlpb.NoCause); err != nil {
		return xerrors.Errorf("reporting EXECUTING: %w", err)
	}

	var onHold []string
	for _, t := range e.tasks {
		cause, err := e.runTask(ctx, t)
		if err != nil {
			if cause != controlpb.NoCause {
				_ = e.state.Transition(StateFailedRecoverable, nil, cause)
				return nil
			}
			_ = e.state.Transition(StateFailedUnrecoverable, nil, controlpb.NoCause)
			return xerrors.Errorf("task %q: %w", t.ID, err)
		}
		if t.State() == TaskOnHold {
			onHold = append(onHold, t.ID)
		}
	}

	if len(onHold) > 0 {
		return e.state.Transition(StateOnHold, onHold, controlpb.NoCause)
	}
	return e.state.Transition(StateComplete, nil, controlpb.NoCause)
}

// runTask dispatches on the task's variant and returns the RecoverableCause
// to report if the failure is I/O-shaped (input read or output write),
// leaving cause as NoCause for an unrecoverable error that must propagate
// and terminate the whole task group.
func (e *Executor) runTask(ctx context.Context, t *Task) (controlpb.RecoverableCause, error) {
	t.setState(TaskExecuting)

	var (
		cause controlpb.RecoverableCause
		err   error
	)
	switch t.Kind {
	case BoundedSource:
		cause, err = e.runBoundedSource(ctx, t)
	case Operator:
		cause, err = e.runOperator(ctx, t)
	case Barrier:
		cause, err = e.runBarrier(ctx, t)
	default:
		return controlpb.NoCause, xerrors.Errorf("task %q: unsupported task variant %v", t.ID, t.Kind)
	}

	if err != nil {
		if cause != controlpb.NoCause {
			t.setState(TaskFailedRecoverable)
		} else {
			t.setState(TaskFailedUnrecoverable)
		}
		return cause, err
	}
	if t.State() != TaskOnHold {
		t.setState(TaskComplete)
	}
	return controlpb.NoCause, nil
}

// runBoundedSource reads the source's entire finite iterable in one blocking
// call, fans it out to every outgoing writer and closes them.
func (e *Executor) runBoundedSource(ctx context.Context, t *Task) (controlpb.RecoverableCause, error) {
	body, err := t.Source.Read(ctx)
	if err != nil {
		return controlpb.InputReadFailure, xerrors.Errorf("bounded source %q: %w", t.ID, err)
	}
	if err := writeToAll(t.Outputs, body); err != nil {
		return controlpb.OutputWriteFailure, xerrors.Errorf("bounded source %q: writing output: %w", t.ID, err)
	}
	if err := closeAll(t.Outputs); err != nil {
		return controlpb.OutputWriteFailure, xerrors.Errorf("bounded source %q: closing output: %w", t.ID, err)
	}
	return controlpb.NoCause, nil
}

// runOperator resolves side inputs, prepares the transform, then consumes
// exactly len(t.Inputs) completed reads from a bounded queue fed by one
// goroutine per input reader — grounded on bspgraph/message.Queue's
// enqueue/iterate mailbox, generalized from a per-vertex mailbox to a
// per-task completion queue fed by concurrent upstream reads (fanned out
// with golang.org/x/sync/errgroup, the pack's idiom for a bounded set of
// concurrent fallible reads — see partition/parallel.go in the retrieval
// pack).
func (e *Executor) runOperator(ctx context.Context, t *Task) (controlpb.RecoverableCause, error) {
	sideInputs := make(map[string][]byte, len(t.SideInputs))
	for _, si := range t.SideInputs {
		body, err := si.Read(ctx)
		if err != nil {
			return controlpb.InputReadFailure, xerrors.Errorf("operator %q: side input %q: %w", t.ID, si.SrcVertexID(), err)
		}
		sideInputs[si.SrcVertexID()] = body
	}

	if err := t.Transform.Prepare(ctx, sideInputs); err != nil {
		return controlpb.NoCause, xerrors.Errorf("operator %q: prepare: %w", t.ID, err)
	}

	q := queue.New(len(t.Inputs))
	g, gctx := errgroup.WithContext(ctx)
	for _, in := range t.Inputs {
		in := in
		g.Go(func() error {
			body, err := in.Read(gctx)
			q.Push(queue.Result{SrcVertexID: in.SrcVertexID(), Body: body, Err: err})
			return nil // errors are carried in the Result, not surfaced through errgroup
		})
	}

	var readFailed bool
	for i := 0; i < len(t.Inputs); i++ {
		res, err := q.Take(ctx)
		if err != nil {
			_ = g.Wait()
			return controlpb.InputReadFailure, xerrors.Errorf("operator %q: waiting for input: %w", t.ID, err)
		}
		if res.Err != nil {
			readFailed = true
			continue
		}

		out, err := t.Transform.OnData(ctx, res.Body, res.SrcVertexID)
		if err != nil {
			_ = g.Wait()
			return controlpb.NoCause, xerrors.Errorf("operator %q: onData from %q: %w", t.ID, res.SrcVertexID, err)
		}
		if len(out) > 0 {
			if err := writeToAll(t.Outputs, out); err != nil {
				_ = g.Wait()
				return controlpb.OutputWriteFailure, xerrors.Errorf("operator %q: writing output: %w", t.ID, err)
			}
		}
	}
	_ = g.Wait()
	if readFailed {
		return controlpb.InputReadFailure, xerrors.Errorf("operator %q: one or more input reads failed", t.ID)
	}

	finalOut, err := t.Transform.Close(ctx)
	if err != nil {
		return controlpb.NoCause, xerrors.Errorf("operator %q: close: %w", t.ID, err)
	}
	if len(finalOut) > 0 {
		if err := writeToAll(t.Outputs, finalOut); err != nil {
			return controlpb.OutputWriteFailure, xerrors.Errorf("operator %q: writing final output: %w", t.ID, err)
		}
	}
	if err := closeAll(t.Outputs); err != nil {
		return controlpb.OutputWriteFailure, xerrors.Errorf("operator %q: closing output: %w", t.ID, err)
	}
	return controlpb.NoCause, nil
}

// runBarrier drains every non-side input into one flat concatenation,
// forwards it unchanged to the task's writers, and leaves the task (and
// eventually the task group) ON_HOLD rather than COMPLETE so the master can
// re-optimize before a later attempt resumes it.
func (e *Executor) runBarrier(ctx context.Context, t *Task) (controlpb.RecoverableCause, error) {
	var combined []byte
	for _, in := range t.Inputs {
		body, err := in.Read(ctx)
		if err != nil {
			return controlpb.InputReadFailure, xerrors.Errorf("barrier %q: reading %q: %w", t.ID, in.SrcVertexID(), err)
		}
		combined = append(combined, body...)
	}

	if err := writeToAll(t.Outputs, combined); err != nil {
		return controlpb.OutputWriteFailure, xerrors.Errorf("barrier %q: writing output: %w", t.ID, err)
	}
	if err := closeAll(t.Outputs); err != nil {
		return controlpb.OutputWriteFailure, xerrors.Errorf("barrier %q: closing output: %w", t.ID, err)
	}

	t.setState(TaskOnHold)
	e.barrier = true
	return controlpb.NoCause, nil
}
