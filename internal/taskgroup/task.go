package taskgroup

import "context"

// Kind is one of the three task variants a task group can contain.
type Kind int

const (
	BoundedSource Kind = iota
	Operator
	Barrier
)

func (k Kind) String() string {
	switch k {
	case BoundedSource:
		return "BOUNDED_SOURCE"
	case Operator:
		return "OPERATOR"
	case Barrier:
		return "METRIC_COLLECTION_BARRIER"
	default:
		return "UNKNOWN"
	}
}

// TaskState is the per-task outcome reported alongside its task group's own
// state transitions.
type TaskState int

const (
	TaskReady TaskState = iota
	TaskExecuting
	TaskComplete
	TaskOnHold
	TaskFailedRecoverable
	TaskFailedUnrecoverable
)

// SourceReader is a bounded-source task's sole input: a single blocking read
// that yields the whole finite iterable at once.
type SourceReader interface {
	Read(ctx context.Context) ([]byte, error)
}

// InputReader is one of an operator or barrier task's input edges, tagged
// with the upstream vertex id its Transform was compiled against.
type InputReader interface {
	SrcVertexID() string
	Read(ctx context.Context) ([]byte, error)
}

// OutputWriter is one of a task's outgoing edges.
type OutputWriter interface {
	Write(body []byte) error
	Close() error
}

// Transform is the opaque user-defined operator an Operator task wraps. Side
// inputs are resolved and handed to Prepare before any non-side input is
// read.
type Transform interface {
	Prepare(ctx context.Context, sideInputs map[string][]byte) error
	OnData(ctx context.Context, body []byte, srcVertexID string) ([]byte, error)
	Close(ctx context.Context) ([]byte, error)
}

// Task is one node of a task group's micro-DAG.
type Task struct {
	ID   string
	Kind Kind

	Source     SourceReader   // BoundedSource only
	Inputs     []InputReader  // Operator, Barrier
	SideInputs []InputReader  // Operator only
	Transform  Transform      // Operator only
	Outputs    []OutputWriter

	state TaskState
}

func (t *Task) setState(s TaskState) { t.state = s }

// State returns the task's most recently recorded outcome.
func (t *Task) State() TaskState { return t.state }

func writeToAll(outputs []OutputWriter, body []byte) error {
	for _, w := range outputs {
		if err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

func closeAll(outputs []OutputWriter) error {
	for _, w := range outputs {
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}
