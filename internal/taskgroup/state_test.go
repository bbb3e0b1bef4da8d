package taskgroup

import (
	"testing"

	"github.com/distflow/runtime/internal/controlpb"
)

type fakeSender struct {
	sent []*controlpb.TaskGroupStateChanged
}

func (s *fakeSender) Send(_ string, msg interface{}) error {
	s.sent = append(s.sent, msg.(*controlpb.TaskGroupStateChanged))
	return nil
}

// P5: emitted state transitions form a prefix of
// READY, EXECUTING, {COMPLETE|ON_HOLD|FAILED_*}.
func TestStateManagerHappyPath(t *testing.T) {
	s := &fakeSender{}
	m := NewStateManager("tg-1", "exec-1", 0, s)

	if err := m.Transition(StateExecuting, nil, controlpb.NoCause); err != nil {
		t.Fatalf("transition to EXECUTING: %v", err)
	}
	if err := m.Transition(StateComplete, nil, controlpb.NoCause); err != nil {
		t.Fatalf("transition to COMPLETE: %v", err)
	}
	if len(s.sent) != 2 {
		t.Fatalf("expected 2 reported transitions, got %d", len(s.sent))
	}
	if s.sent[0].State != controlpb.TaskGroupExecuting || s.sent[1].State != controlpb.TaskGroupComplete {
		t.Fatalf("unexpected reported states: %+v", s.sent)
	}
}

func TestStateManagerRejectsSkippingExecuting(t *testing.T) {
	m := NewStateManager("tg-2", "exec-1", 0, &fakeSender{})
	if err := m.Transition(StateComplete, nil, controlpb.NoCause); err == nil {
		t.Fatal("expected READY -> COMPLETE to be rejected")
	}
}

func TestStateManagerRejectsTransitionAfterTerminal(t *testing.T) {
	m := NewStateManager("tg-3", "exec-1", 0, &fakeSender{})
	_ = m.Transition(StateExecuting, nil, controlpb.NoCause)
	_ = m.Transition(StateFailedUnrecoverable, nil, controlpb.NoCause)

	if err := m.Transition(StateComplete, nil, controlpb.NoCause); err == nil {
		t.Fatal("expected a transition out of a terminal state to be rejected")
	}
}

// scenario 5: an ON_HOLD task group does not transition to COMPLETE, and a
// fresh attempt gets its own StateManager rather than re-emitting the
// original attempt's transitions.
func TestStateManagerOnHoldIsTerminalForThisAttempt(t *testing.T) {
	s := &fakeSender{}
	m := NewStateManager("tg-4", "exec-1", 0, s)
	_ = m.Transition(StateExecuting, nil, controlpb.NoCause)
	if err := m.Transition(StateOnHold, []string{"t1"}, controlpb.NoCause); err != nil {
		t.Fatalf("transition to ON_HOLD: %v", err)
	}
	if err := m.Transition(StateComplete, nil, controlpb.NoCause); err == nil {
		t.Fatal("expected ON_HOLD -> COMPLETE to be rejected within the same attempt")
	}

	retry := NewStateManager("tg-4", "exec-1", 1, s)
	if err := retry.Transition(StateExecuting, nil, controlpb.NoCause); err != nil {
		t.Fatalf("new attempt transition to EXECUTING: %v", err)
	}
	if s.sent[len(s.sent)-1].AttemptIdx != 1 {
		t.Fatalf("expected the retry's transition to carry attempt index 1")
	}
}
