// Package partitionmgr implements the master-side partition manager (C3): a
// cluster-wide registry of partition metadata plus the producer task-group
// reverse index, guarded by a single process-wide read/write lock. It is
// grounded on dbspgraph.workerPool's mutex-guarded map and
// iterate-then-notify removal shape, generalized from one mutex to the
// explicit read/write split called for by §5 (single-partition updates take
// the read lock since each Metadata serializes its own mutations; only
// operations that touch the maps themselves take the write lock).
package partitionmgr

import (
	"context"
	"io/ioutil"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/distflow/runtime/internal/partition"
)

// Manager is the master's partition registry.
type Manager struct {
	logger *logrus.Entry

	mu           sync.RWMutex
	partitions   map[string]*partition.Metadata
	reverse      map[string]map[string]struct{} // taskGroupID -> set of partition ids
	reservations map[string]reservation         // partitionID -> next data-skew write position
}

// reservation tracks the next byte offset and block index a data-skew
// write into a partition should use, per the ReservePartition/
// ReservePartitionResponse pair of §6.
type reservation struct {
	nextOffset int64
	nextIndex  int
}

// New creates an empty Manager.
func New(logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return &Manager{
		logger:       logger,
		partitions:   make(map[string]*partition.Metadata),
		reverse:      make(map[string]map[string]struct{}),
		reservations: make(map[string]reservation),
	}
}

// ReservePartitionWrite hands out the next write position and block index
// for a data-skew write into partitionID, advancing the partition's
// reservation cursor by byteLength. Acquires the write lock: unlike
// single-partition state updates, this mutates shared bookkeeping keyed by
// partition id rather than a Metadata value's own internal state.
func (m *Manager) ReservePartitionWrite(partitionID string, byteLength int64) (position int64, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.reservations[partitionID]
	position, index = r.nextOffset, r.nextIndex
	r.nextOffset += byteLength
	r.nextIndex++
	m.reservations[partitionID] = r
	return position, index
}

// InitializeState creates partition metadata in READY and registers it under
// its producer task group in the reverse index. Acquires the write lock.
func (m *Manager) InitializeState(partitionID, producerTaskGroupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.partitions[partitionID]; exists {
		return
	}
	m.partitions[partitionID] = partition.NewMetadata(partitionID, producerTaskGroupID)

	set, ok := m.reverse[producerTaskGroupID]
	if !ok {
		set = make(map[string]struct{})
		m.reverse[producerTaskGroupID] = set
	}
	set[partitionID] = struct{}{}
}

// OnProducerTaskGroupScheduled transitions every partition produced by tgID
// that is not already SCHEDULED to SCHEDULED, with no location yet.
// Acquires the write lock, per §4.3.
func (m *Manager) OnProducerTaskGroupScheduled(tgID string) {
	m.mu.Lock()
	parts := m.partitionsForGroupLocked(tgID)
	m.mu.Unlock()

	for _, p := range parts {
		if p.State() == partition.StateScheduled {
			continue
		}
		if err := p.OnStateChanged(partition.StateScheduled, "", false); err != nil {
			m.logger.WithField("err", err).Error("dropping illegal state transition")
		}
	}
}

// OnProducerTaskGroupFailed transitions every partition produced by tgID
// from COMMITTED to LOST or from SCHEDULED to LOST_BEFORE_COMMIT. Acquires
// the write lock, per §4.3.
func (m *Manager) OnProducerTaskGroupFailed(tgID string) {
	m.mu.Lock()
	parts := m.partitionsForGroupLocked(tgID)
	m.mu.Unlock()

	for _, p := range parts {
		var next partition.State
		switch p.State() {
		case partition.StateCommitted:
			next = partition.StateLost
		case partition.StateScheduled:
			next = partition.StateLostBeforeCommit
		default:
			continue
		}
		if err := p.OnStateChanged(next, "", false); err != nil {
			m.logger.WithField("err", err).Error("dropping illegal state transition")
		}
	}
}

func (m *Manager) partitionsForGroupLocked(tgID string) []*partition.Metadata {
	ids := m.reverse[tgID]
	parts := make([]*partition.Metadata, 0, len(ids))
	for id := range ids {
		if p, ok := m.partitions[id]; ok {
			parts = append(parts, p)
		}
	}
	return parts
}

// OnPartitionStateChanged delegates to the named partition's own state
// machine. Acquires only the read lock: the map of partitions is not
// mutated, and Metadata serializes its own transitions internally.
func (m *Manager) OnPartitionStateChanged(partitionID string, newState partition.State, location string, hasLocation bool) error {
	m.mu.RLock()
	p, ok := m.partitions[partitionID]
	m.mu.RUnlock()
	if !ok {
		return xerrors.Errorf("unknown partition %q", partitionID)
	}
	return p.OnStateChanged(newState, location, hasLocation)
}

// GetPartitionLocationFuture returns the location future for partitionID
// when it is SCHEDULED or COMMITTED, or a pre-failed AbsentPartition future
// otherwise. Acquires only the read lock.
func (m *Manager) GetPartitionLocationFuture(partitionID string) *partition.Future {
	m.mu.RLock()
	p, ok := m.partitions[partitionID]
	m.mu.RUnlock()

	if !ok {
		return removedPartitionFuture()
	}
	return p.LocationFuture()
}

// removedPartitionFuture returns a future pre-resolved with
// AbsentPartitionError{State: REMOVED}, for partition ids the manager has
// never heard of. Metadata's transition table has no direct path into
// REMOVED, so a scratch Metadata is walked through the one legal sequence
// that reaches it: READY -> SCHEDULED -> COMMITTED -> LOST -> REMOVED.
func removedPartitionFuture() *partition.Future {
	m := partition.NewMetadata("", "")
	_ = m.OnStateChanged(partition.StateScheduled, "", false)
	_ = m.OnStateChanged(partition.StateCommitted, "unknown", true)
	_ = m.OnStateChanged(partition.StateLost, "", false)
	_ = m.OnStateChanged(partition.StateRemoved, "", false)
	return m.LocationFuture()
}

// RemoveWorker marks every partition COMMITTED at executorID as LOST and
// returns the set of their producer task groups — the recomputation
// request handed back to the external scheduler. Acquires the write lock,
// per §4.3's "remove_worker considers only COMMITTED partitions" rule; it
// mirrors dbspgraph.workerPool.removeWorker's iterate-and-collect shape.
func (m *Manager) RemoveWorker(executorID string) map[string]struct{} {
	m.mu.Lock()
	affected := make([]*partition.Metadata, 0)
	for _, p := range m.partitions {
		if p.State() != partition.StateCommitted {
			continue
		}
		if loc, ok := p.Location(); ok && loc == executorID {
			affected = append(affected, p)
		}
	}
	m.mu.Unlock()

	tgIDs := make(map[string]struct{}, len(affected))
	for _, p := range affected {
		if err := p.OnStateChanged(partition.StateLost, "", false); err != nil {
			m.logger.WithField("err", err).Error("dropping illegal state transition during worker removal")
			continue
		}
		tgIDs[p.ProducerTaskGroupID()] = struct{}{}
	}
	return tgIDs
}

// Wait is a convenience around Future.Wait that also surfaces ctx
// cancellation the way C8's retrieve() does when a master request times
// out.
func Wait(ctx context.Context, f *partition.Future) (string, error) {
	return f.Wait(ctx)
}
