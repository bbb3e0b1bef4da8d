// Package job defines the job/stage/task-group descriptor types the
// (external) compiler and scheduler hand to the master and to workers, and
// the Runner contract a worker-side coordinator implements to turn a
// scheduled descriptor into a running task-group execution. These types
// stand in for the excluded compiler/optimizer and scheduler-policy
// collaborators named in §1 — the runtime core only consumes their output.
//
// Grounded on dbspgraph/job.Details's plain-struct-with-constructors style
// and job.Runner's StartJob/CompleteJob/AbortJob lifecycle contract,
// generalized from "one UUID-range job description" to the richer
// stage/task-group/task/edge shape of §3's data model.
package job

import "time"

// Details describes one job compiled into a DAG of stages.
type Details struct {
	JobID     string
	CreatedAt time.Time
	Stages    []StageDescriptor
}

// StageDescriptor is the set of task groups sharing the same transform
// topology, per the GLOSSARY's definition of a stage.
type StageDescriptor struct {
	StageID    string
	TaskGroups []TaskGroupDescriptor
}

// TaskGroupDescriptor is the serializable shape of one task group: its
// tasks in topological order. This is what ScheduleTaskGroup.Descriptor
// carries on the wire (gob-encoded) from master to worker.
type TaskGroupDescriptor struct {
	TaskGroupID string
	StageID     string
	Tasks       []TaskDescriptor
}

// TaskKind mirrors taskgroup.Kind without creating an import from this leaf
// package back onto the executor package that builds live tasks from it.
type TaskKind int

const (
	BoundedSource TaskKind = iota
	Operator
	Barrier
)

// TaskDescriptor is one node of a task group's micro-DAG, referencing its
// edges by id; the worker resolves edge ids to concrete readers/writers via
// the data channel factory (C4) when it builds the live Task.
type TaskDescriptor struct {
	TaskID         string
	Kind           TaskKind
	InputEdges     []EdgeDescriptor
	SideInputEdges []EdgeDescriptor
	OutputEdges    []EdgeDescriptor

	// SourceID names the registered SourceFactory a BoundedSource task
	// instantiates; TransformID names the registered TransformFactory an
	// Operator task instantiates. Both are opaque to the runtime core (§1
	// excludes user-defined transforms and external sources as
	// collaborators) — the coordinator only looks them up by id.
	SourceID    string
	TransformID string

	// VertexIndex is this task's index among its stage's parallel
	// instances, used to derive the partition id of its own outputs and,
	// for one-to-one edges, which upstream partition it reads.
	VertexIndex int
	// SrcParallelism is the parallelism of the upstream stage for each
	// input edge, indexed in parallel with InputEdges/SideInputEdges; used
	// by broadcast and shuffle readers to enumerate every source partition.
	SrcParallelism []int
}

// EdgeDescriptor is the serializable shape of one inter-task edge, per §3.
type EdgeDescriptor struct {
	EdgeID    string
	Pattern   CommPattern
	Store     DataStore
	SideInput bool
	CoderID   string

	// CrossStage mirrors dataplane.Edge.CrossStage: true routes this edge
	// through C7/C8, false through the worker's in-process LocalBus.
	CrossStage bool

	HashRanges map[string]HashRange // destination task-group id -> assigned range, shuffle edges only
}

// CommPattern mirrors dataplane.CommPattern; kept as an independent
// definition so this descriptor package has no dependency on the worker's
// live data-channel types.
type CommPattern int

const (
	OneToOne CommPattern = iota
	Broadcast
	Shuffle
)

// DataStore mirrors dataplane.DataStore.
type DataStore int

const (
	Memory DataStore = iota
	SerializedMemory
	LocalFile
	RemoteFile
)

// HashRange mirrors partition.HashRange.
type HashRange struct {
	Start uint64
	End   uint64
}
