// Package dataplane implements the data channel factory (C4): given a task,
// its peer vertex and an edge description, it selects the right reader or
// writer construction for the edge's communication pattern and data store,
// generalizing dbspgraph/partition.Range's hash-range assignment from a
// per-message UUID lookup to a per-destination-task-group shuffle range.
package dataplane

import "github.com/distflow/runtime/internal/partition"

// CommPattern is the communication pattern of an edge between tasks.
type CommPattern int

const (
	OneToOne CommPattern = iota
	Broadcast
	Shuffle
)

func (p CommPattern) String() string {
	switch p {
	case OneToOne:
		return "one-to-one"
	case Broadcast:
		return "broadcast"
	case Shuffle:
		return "shuffle"
	default:
		return "unknown"
	}
}

// DataStore is the backing store an edge's bytes travel through.
type DataStore int

const (
	Memory DataStore = iota
	SerializedMemory
	LocalFile
	RemoteFile
)

func (d DataStore) String() string {
	switch d {
	case Memory:
		return "MEMORY"
	case SerializedMemory:
		return "SER_MEMORY"
	case LocalFile:
		return "LOCAL_FILE"
	case RemoteFile:
		return "REMOTE_FILE"
	default:
		return "UNKNOWN"
	}
}

// Edge describes one connection between a producer and consumer task.
type Edge struct {
	ID        string
	Pattern   CommPattern
	Store     DataStore
	SideInput bool
	CoderID   string

	// CrossStage is true for edges connecting task groups in different
	// stages, which read/write through C7/C8; false for intra-stage edges,
	// which use in-process queues (the LocalBus in this package), per §4.4.
	CrossStage bool

	// HashRanges assigns a HashRange per destination task-group id for
	// shuffle edges; unused for other patterns.
	HashRanges map[string]partition.HashRange
}

// HashRangeFor returns the hash range assigned to destination task group
// tgID, defaulting to the full key space for non-shuffle edges.
func (e Edge) HashRangeFor(tgID string) partition.HashRange {
	if e.Pattern != Shuffle {
		return partition.FullHashRange()
	}
	if r, ok := e.HashRanges[tgID]; ok {
		return r
	}
	return partition.FullHashRange()
}
