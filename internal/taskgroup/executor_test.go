package taskgroup

import (
	"context"
	"sync"
	"testing"

	"github.com/distflow/runtime/internal/controlpb"
)

// captureSender is a ControlSender test double that records every message
// sent, in order, mirroring how the master observes C6's emitted state
// transitions (P5).
type captureSender struct {
	mu   sync.Mutex
	sent []*controlpb.TaskGroupStateChanged
}

func (s *captureSender) Send(_ string, msg interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg.(*controlpb.TaskGroupStateChanged))
	return nil
}

func (s *captureSender) states() []controlpb.TaskGroupState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]controlpb.TaskGroupState, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.State
	}
	return out
}

type fixedSource struct{ body []byte }

func (f fixedSource) Read(context.Context) ([]byte, error) { return f.body, nil }

type fixedReader struct {
	src  string
	body []byte
	err  error
}

func (f fixedReader) SrcVertexID() string { return f.src }
func (f fixedReader) Read(context.Context) ([]byte, error) {
	return f.body, f.err
}

type captureWriter struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (w *captureWriter) Write(body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, append([]byte(nil), body...))
	return nil
}

func (w *captureWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// passthroughTransform concatenates whatever bodies it sees across OnData
// calls and flushes them all at Close, so a test can assert on the final
// combined output regardless of the order concurrent reads complete in.
type passthroughTransform struct {
	mu  sync.Mutex
	buf []byte
}

func (t *passthroughTransform) Prepare(context.Context, map[string][]byte) error { return nil }
func (t *passthroughTransform) OnData(_ context.Context, body []byte, _ string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, body...)
	return nil, nil
}
func (t *passthroughTransform) Close(context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf, nil
}

// Scenario 1: single source -> single sink, one-to-one.
func TestExecutor_BoundedSourceToSink(t *testing.T) {
	out := &captureWriter{}
	source := &Task{ID: "src", Kind: BoundedSource, Source: fixedSource{body: []byte{1, 2, 3}}, Outputs: []OutputWriter{out}}

	sender := &captureSender{}
	sm := NewStateManager("tg0", "exec0", 0, sender)
	exec := NewExecutor([]*Task{source}, sm)

	if err := exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if source.State() != TaskComplete {
		t.Fatalf("source task state = %v, want COMPLETE", source.State())
	}
	if len(out.writes) != 1 || string(out.writes[0]) != string([]byte{1, 2, 3}) {
		t.Fatalf("sink received %v, want [1 2 3]", out.writes)
	}
	if !out.closed {
		t.Fatal("sink was not closed")
	}

	got := sender.states()
	want := []controlpb.TaskGroupState{controlpb.TaskGroupExecuting, controlpb.TaskGroupComplete}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("reported states = %v, want %v", got, want)
	}
}

// Scenario 2: broadcast with parallelism 2 — an operator reading two inputs
// sees the multiset {A, B} regardless of completion order.
func TestExecutor_OperatorBroadcastInputs(t *testing.T) {
	out := &captureWriter{}
	transform := &passthroughTransform{}
	op := &Task{
		ID:   "op",
		Kind: Operator,
		Inputs: []InputReader{
			fixedReader{src: "p0", body: []byte("A")},
			fixedReader{src: "p1", body: []byte("B")},
		},
		Transform: transform,
		Outputs:   []OutputWriter{out},
	}

	sender := &captureSender{}
	sm := NewStateManager("tg1", "exec0", 0, sender)
	exec := NewExecutor([]*Task{op}, sm)

	if err := exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if op.State() != TaskComplete {
		t.Fatalf("operator state = %v, want COMPLETE", op.State())
	}
	if len(out.writes) != 1 {
		t.Fatalf("expected exactly one flushed write, got %d", len(out.writes))
	}
	combined := string(out.writes[0])
	if combined != "AB" && combined != "BA" {
		t.Fatalf("combined output = %q, want a permutation of \"AB\"", combined)
	}
}

// Scenario 5: a barrier task parks the task group ON_HOLD, not COMPLETE.
func TestExecutor_BarrierParksOnHold(t *testing.T) {
	out := &captureWriter{}
	barrier := &Task{
		ID:      "barrier",
		Kind:    Barrier,
		Inputs:  []InputReader{fixedReader{src: "p0", body: []byte("x")}},
		Outputs: []OutputWriter{out},
	}

	sender := &captureSender{}
	sm := NewStateManager("tg2", "exec0", 0, sender)
	exec := NewExecutor([]*Task{barrier}, sm)

	if err := exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if barrier.State() != TaskOnHold {
		t.Fatalf("barrier task state = %v, want ON_HOLD", barrier.State())
	}

	got := sender.states()
	if len(got) != 2 || got[1] != controlpb.TaskGroupOnHold {
		t.Fatalf("reported states = %v, want [EXECUTING ON_HOLD]", got)
	}
	if sm.State() != StateOnHold {
		t.Fatalf("state manager ended in %v, want ON_HOLD", sm.State())
	}
}

// A read-side I/O error is converted into a task-group FAILED_RECOVERABLE
// transition carrying INPUT_READ_FAILURE, never propagated as a raw error.
func TestExecutor_InputReadFailureIsRecoverable(t *testing.T) {
	op := &Task{
		ID:        "op",
		Kind:      Operator,
		Inputs:    []InputReader{fixedReader{src: "p0", err: errBoom}},
		Transform: &passthroughTransform{},
	}

	sender := &captureSender{}
	sm := NewStateManager("tg3", "exec0", 0, sender)
	exec := NewExecutor([]*Task{op}, sm)

	if err := exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute should convert the read failure into a state transition, got error: %v", err)
	}

	got := sender.states()
	if len(got) != 2 || got[1] != controlpb.TaskGroupFailedRecoverable {
		t.Fatalf("reported states = %v, want [EXECUTING FAILED_RECOVERABLE]", got)
	}
	if got := sender.sent[1].Cause; got != controlpb.InputReadFailure {
		t.Fatalf("cause = %v, want INPUT_READ_FAILURE", got)
	}
}

// Re-entry into an already-executed Executor is an unrecoverable protocol
// error, per §4.5's "re-entry is an unrecoverable protocol error".
func TestExecutor_ReExecuteIsProtocolError(t *testing.T) {
	source := &Task{ID: "src", Kind: BoundedSource, Source: fixedSource{body: nil}}
	sender := &captureSender{}
	exec := NewExecutor([]*Task{source}, NewStateManager("tg4", "exec0", 0, sender))

	if err := exec.Execute(context.Background()); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if err := exec.Execute(context.Background()); err != ErrAlreadyExecuted {
		t.Fatalf("second Execute error = %v, want ErrAlreadyExecuted", err)
	}
}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

var errBoom = boomErr{}
