// Package controlpb defines the control-message wire types exchanged between
// the master and worker processes over internal/rpc's transport. Each
// message is an ordinary Go struct, gob-registered so it can travel inside
// the envelope carried by the custom grpc codec in internal/rpc.
package controlpb

import "encoding/gob"

// TaskGroupState enumerates the states a task group reports to the master.
type TaskGroupState int

const (
	TaskGroupReady TaskGroupState = iota
	TaskGroupExecuting
	TaskGroupComplete
	TaskGroupFailedRecoverable
	TaskGroupFailedUnrecoverable
	TaskGroupOnHold
)

func (s TaskGroupState) String() string {
	switch s {
	case TaskGroupReady:
		return "READY"
	case TaskGroupExecuting:
		return "EXECUTING"
	case TaskGroupComplete:
		return "COMPLETE"
	case TaskGroupFailedRecoverable:
		return "FAILED_RECOVERABLE"
	case TaskGroupFailedUnrecoverable:
		return "FAILED_UNRECOVERABLE"
	case TaskGroupOnHold:
		return "ON_HOLD"
	default:
		return "UNKNOWN"
	}
}

// BlockState enumerates the partition lifecycle states as reported on the wire.
type BlockState int

const (
	BlockReady BlockState = iota
	BlockScheduled
	BlockCommitted
	BlockLost
	BlockLostBeforeCommit
	BlockRemoved
)

func (s BlockState) String() string {
	switch s {
	case BlockReady:
		return "BLOCK_READY"
	case BlockScheduled:
		return "SCHEDULED"
	case BlockCommitted:
		return "COMMITTED"
	case BlockLost:
		return "LOST"
	case BlockLostBeforeCommit:
		return "LOST_BEFORE_COMMIT"
	case BlockRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// RecoverableCause enumerates the causes attached to a FAILED_RECOVERABLE
// task-group state transition.
type RecoverableCause int

const (
	NoCause RecoverableCause = iota
	InputReadFailure
	OutputWriteFailure
)

// BlockMetadata describes one hash-keyed block inside a partition.
type BlockMetadata struct {
	Key          string
	ByteLength   int64
	Offset       int64
	ElementCount int64
}

// ScheduleTaskGroup announces a task-group descriptor to a worker.
type ScheduleTaskGroup struct {
	TaskGroupID string
	AttemptIdx  int
	Descriptor  []byte
}

func (*ScheduleTaskGroup) ListenerID() string { return ListenerExecutor }

// TaskGroupStateChanged reports a task-group state transition to the master.
type TaskGroupStateChanged struct {
	ExecutorID  string
	TaskGroupID string
	State       TaskGroupState
	TasksOnHold []string
	Cause       RecoverableCause
	AttemptIdx  int
}

func (*TaskGroupStateChanged) ListenerID() string { return ListenerMaster }

// BlockStateChanged reports a partition (block) state transition to the master.
type BlockStateChanged struct {
	ExecutorID string
	BlockID    string
	State      BlockState
	Location   string
}

func (*BlockStateChanged) ListenerID() string { return ListenerMaster }

// RequestBlockLocation asks the master for the current or eventual location
// of a partition.
type RequestBlockLocation struct {
	ExecutorID string
	BlockID    string
}

func (*RequestBlockLocation) ListenerID() string { return ListenerMaster }

// BlockLocationInfo replies to a RequestBlockLocation; for a SCHEDULED
// partition the reply is sent once the partition commits or fails.
type BlockLocationInfo struct {
	RequestID       string
	BlockID         string
	State           BlockState
	OwnerExecutorID string
	Found           bool
}

func (*BlockLocationInfo) ListenerID() string { return ListenerExecutor }

// ExecutorFailed reports an unrecoverable executor-process error.
type ExecutorFailed struct {
	ExecutorID    string
	ExceptionText string
}

func (*ExecutorFailed) ListenerID() string { return ListenerMaster }

// ContainerFailed reports the loss of an executor's host container.
type ContainerFailed struct {
	ExecutorID string
}

func (*ContainerFailed) ListenerID() string { return ListenerMaster }

// DataSizeMetric reports observed partition sizes for a block transfer.
type DataSizeMetric struct {
	PartitionSizes []int64
	BlockID        string
	SrcVertexID    string
}

func (*DataSizeMetric) ListenerID() string { return ListenerMaster }

// ReservePartition asks the master to reserve a write position for a
// data-skew write.
type ReservePartition struct {
	RequestID   string
	PartitionID string
	ByteLength  int64
}

func (*ReservePartition) ListenerID() string { return ListenerMaster }

// ReservePartitionResponse replies to a ReservePartition request.
type ReservePartitionResponse struct {
	RequestID       string
	PositionToWrite int64
	PartitionIdx    int
	Granted         bool
}

func (*ReservePartitionResponse) ListenerID() string { return ListenerExecutor }

func init() {
	gob.Register(&ScheduleTaskGroup{})
	gob.Register(&TaskGroupStateChanged{})
	gob.Register(&BlockStateChanged{})
	gob.Register(&RequestBlockLocation{})
	gob.Register(&BlockLocationInfo{})
	gob.Register(&ExecutorFailed{})
	gob.Register(&ContainerFailed{})
	gob.Register(&DataSizeMetric{})
	gob.Register(&ReservePartition{})
	gob.Register(&ReservePartitionResponse{})
}
