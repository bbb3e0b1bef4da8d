package partition

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
)

// State is a partition's position in the lifecycle state machine of C3/C2.
type State int

const (
	StateReady State = iota
	StateScheduled
	StateCommitted
	StateLostBeforeCommit
	StateLost
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateScheduled:
		return "SCHEDULED"
	case StateCommitted:
		return "COMMITTED"
	case StateLostBeforeCommit:
		return "LOST_BEFORE_COMMIT"
	case StateLost:
		return "LOST"
	case StateRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// AbsentPartitionError is the AbsentPartition error kind: a location future
// failed because the partition is in a state that cannot serve reads.
type AbsentPartitionError struct {
	State State
}

func (e *AbsentPartitionError) Error() string {
	return "partition not servable in state " + e.State.String()
}

// BlockMetadata describes one hash-keyed block of a partition's bytes.
type BlockMetadata struct {
	Key          string
	ByteLength   int64
	Offset       int64
	ElementCount int64
}

// LocationResult is the value a Future resolves to.
type LocationResult struct {
	Location string
	Err      error
}

// Future resolves exactly once: on first transition to COMMITTED (success)
// or on a transition away from an awaitable state (failure, with
// AbsentPartitionError). It is grounded on dbspgraph's masterStepBarrier
// wait/notify channel pattern, specialized from a repeating multi-party
// barrier to a single resolve-once value that is rebuilt fresh on retry.
type Future struct {
	ready  chan struct{}
	mu     sync.Mutex
	result LocationResult
}

func newFuture() *Future {
	return &Future{ready: make(chan struct{})}
}

func (f *Future) resolve(res LocationResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.ready:
		return // already resolved; first resolution wins
	default:
	}
	f.result = res
	close(f.ready)
}

// Wait blocks until the future resolves or ctx expires.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.ready:
		return f.result.Location, f.result.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Metadata is a single partition's state machine, block list and location
// future, each guarded by its own lock so that per-partition updates never
// contend with other partitions (see the concurrency model in §5).
type Metadata struct {
	mu sync.Mutex

	id                  string
	producerTaskGroupID string
	state               State
	location            string
	hasLocation         bool
	blocks              map[string]BlockMetadata
	future              *Future
}

// NewMetadata creates partition metadata in its initial READY state, as
// installed by initialize_state.
func NewMetadata(id, producerTaskGroupID string) *Metadata {
	return &Metadata{
		id:                  id,
		producerTaskGroupID: producerTaskGroupID,
		state:               StateReady,
		blocks:              make(map[string]BlockMetadata),
		future:              newFuture(),
	}
}

func (m *Metadata) ID() string { return m.id }

func (m *Metadata) ProducerTaskGroupID() string { return m.producerTaskGroupID }

// State returns the partition's current state.
func (m *Metadata) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Location returns the owner location and whether one is currently set.
func (m *Metadata) Location() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.location, m.hasLocation
}

func validateTransition(from, to State) error {
	switch from {
	case StateReady:
		if to == StateScheduled {
			return nil
		}
	case StateScheduled:
		if to == StateCommitted || to == StateLostBeforeCommit {
			return nil
		}
	case StateCommitted:
		if to == StateCommitted || to == StateLost {
			return nil
		}
	case StateLostBeforeCommit:
		if to == StateReady || to == StateScheduled {
			return nil
		}
	case StateLost:
		if to == StateScheduled || to == StateRemoved {
			return nil
		}
	}
	return xerrors.Errorf("illegal partition transition %s -> %s", from, to)
}

// OnStateChanged runs the §4.3 transition function. hasLocation indicates
// whether location is meaningful for this transition (only COMMITTED and
// SCHEDULED carry one).
func (m *Metadata) OnStateChanged(newState State, location string, hasLocation bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateCommitted && newState == StateCommitted {
		// P8: re-delivery of BlockStateChanged(COMMITTED, same location) is
		// a no-op; from a different location it is a fatal protocol error
		// (two producers for the same partition).
		if hasLocation && location != m.location {
			return xerrors.Errorf("fatal protocol error: partition %q already committed at %q, rejected commit from %q", m.id, m.location, location)
		}
		return nil
	}

	if err := validateTransition(m.state, newState); err != nil {
		return err
	}

	switch newState {
	case StateCommitted:
		m.state = newState
		m.location, m.hasLocation = location, true
		m.future.resolve(LocationResult{Location: location})
	case StateScheduled:
		// Decided open question: transitioning away from the state the
		// previous future was tied to always resolves it exceptionally
		// before a fresh one is installed for the new attempt, so no
		// caller can block forever on a future that will never resolve.
		m.future.resolve(LocationResult{Err: &AbsentPartitionError{State: newState}})
		m.state = newState
		m.hasLocation = false
		m.location = ""
		m.future = newFuture()
	default: // READY, LOST_BEFORE_COMMIT, LOST, REMOVED
		m.state = newState
		m.hasLocation = false
		m.location = ""
		m.future.resolve(LocationResult{Err: &AbsentPartitionError{State: newState}})
	}
	return nil
}

// LocationFuture returns the future that resolves on this partition's next
// transition to COMMITTED, per location_future(). Outside of SCHEDULED and
// COMMITTED it returns a pre-failed future carrying the current state,
// mirroring get_partition_location_future's reader-lock fast path.
func (m *Metadata) LocationFuture() *Future {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateScheduled, StateCommitted:
		return m.future
	default:
		f := newFuture()
		f.resolve(LocationResult{Err: &AbsentPartitionError{State: m.state}})
		return f
	}
}

// CommitBlocks appends or finalizes block metadata; legal only in SCHEDULED
// and idempotent per key: re-committing the same key with identical
// metadata is a no-op, with different metadata it is a fatal protocol
// error (decided open question 3).
func (m *Metadata) CommitBlocks(blocks []BlockMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateScheduled {
		return xerrors.Errorf("commit_blocks is only legal while SCHEDULED, partition %q is %s", m.id, m.state)
	}

	for _, b := range blocks {
		if existing, ok := m.blocks[b.Key]; ok {
			if existing != b {
				return xerrors.Errorf("fatal protocol error: conflicting block metadata for key %q of partition %q", b.Key, m.id)
			}
			continue
		}
		m.blocks[b.Key] = b
	}
	return nil
}

// Blocks returns a snapshot of the currently committed block metadata.
func (m *Metadata) Blocks() []BlockMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BlockMetadata, 0, len(m.blocks))
	for _, b := range m.blocks {
		out = append(out, b)
	}
	return out
}

// RemoveBlockMetadata clears the block list, used on removal.
func (m *Metadata) RemoveBlockMetadata() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = make(map[string]BlockMetadata)
}
