package taskgroup

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/distflow/runtime/internal/controlpb"
)

// State is a task group attempt's position in the
// READY -> EXECUTING -> {COMPLETE|ON_HOLD|FAILED_RECOVERABLE|FAILED_UNRECOVERABLE}
// machine.
type State int

const (
	StateReady State = iota
	StateExecuting
	StateComplete
	StateOnHold
	StateFailedRecoverable
	StateFailedUnrecoverable
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateExecuting:
		return "EXECUTING"
	case StateComplete:
		return "COMPLETE"
	case StateOnHold:
		return "ON_HOLD"
	case StateFailedRecoverable:
		return "FAILED_RECOVERABLE"
	case StateFailedUnrecoverable:
		return "FAILED_UNRECOVERABLE"
	default:
		return "UNKNOWN"
	}
}

func (s State) wire() controlpb.TaskGroupState {
	switch s {
	case StateReady:
		return controlpb.TaskGroupReady
	case StateExecuting:
		return controlpb.TaskGroupExecuting
	case StateComplete:
		return controlpb.TaskGroupComplete
	case StateOnHold:
		return controlpb.TaskGroupOnHold
	case StateFailedRecoverable:
		return controlpb.TaskGroupFailedRecoverable
	case StateFailedUnrecoverable:
		return controlpb.TaskGroupFailedUnrecoverable
	default:
		return controlpb.TaskGroupReady
	}
}

var terminalStates = map[State]bool{
	StateComplete:           true,
	StateOnHold:             true,
	StateFailedRecoverable:  true,
	StateFailedUnrecoverable: true,
}

func validTransition(from, to State) bool {
	switch from {
	case StateReady:
		return to == StateExecuting
	case StateExecuting:
		return terminalStates[to]
	default:
		return false
	}
}

// ControlSender is the subset of rpc.Conn used to report a state
// transition; satisfied directly by *rpc.Conn.
type ControlSender interface {
	Send(listenerID string, msg interface{}) error
}

// StateManager implements the task-group state manager (C6): it tracks one
// attempt's local state and reports every transition over the control
// transport exactly once, grounded on dbspgraph.workerJobCoordinator's
// phase-barrier reporting, generalized from a job-wide phase counter to a
// per-task-group attempt index.
type StateManager struct {
	mu         sync.Mutex
	tgID       string
	executorID string
	attemptIdx int
	state      State
	sender     ControlSender
}

// NewStateManager creates a StateManager starting in state READY for one
// attempt of task group tgID.
func NewStateManager(tgID, executorID string, attemptIdx int, sender ControlSender) *StateManager {
	return &StateManager{tgID: tgID, executorID: executorID, attemptIdx: attemptIdx, state: StateReady, sender: sender}
}

// State returns the current local state.
func (m *StateManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition validates newState against the state machine and, if legal,
// reports it to the master. Calling Transition again after a terminal state
// has already been reported is a protocol error: each attempt reports
// exactly once per state.
func (m *StateManager) Transition(newState State, tasksOnHold []string, cause controlpb.RecoverableCause) error {
	m.mu.Lock()
	if terminalStates[m.state] {
		m.mu.Unlock()
		return xerrors.Errorf("task group %q attempt %d: already in terminal state %s", m.tgID, m.attemptIdx, m.state)
	}
	if !validTransition(m.state, newState) {
		m.mu.Unlock()
		return xerrors.Errorf("task group %q attempt %d: illegal transition %s -> %s", m.tgID, m.attemptIdx, m.state, newState)
	}
	m.state = newState
	m.mu.Unlock()

	msg := &controlpb.TaskGroupStateChanged{
		ExecutorID:  m.executorID,
		TaskGroupID: m.tgID,
		State:       newState.wire(),
		TasksOnHold: tasksOnHold,
		Cause:       cause,
		AttemptIdx:  m.attemptIdx,
	}
	return m.sender.Send(msg.ListenerID(), msg)
}
