// Package master implements the master-side job coordinator: the glue
// between a compiled job.Details and the control transport (C1) and
// partition manager (C3). It dispatches ScheduleTaskGroup announcements to
// assigned workers, feeds incoming BlockStateChanged/RequestBlockLocation
// messages to the Manager, and reacts to task-group state transitions by
// advancing or failing the partitions a task group produces. Grounded on
// dbspgraph.masterJobCoordinator's "announce job, listen for phase
// barriers, react to worker state" shape, generalized from one job-wide
// phase barrier to a DAG of independently scheduled task groups.
package master

import (
	"bytes"
	"context"
	"encoding/gob"
	"io/ioutil"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/distflow/runtime/internal/controlpb"
	"github.com/distflow/runtime/internal/ids"
	"github.com/distflow/runtime/internal/job"
	"github.com/distflow/runtime/internal/partition"
	"github.com/distflow/runtime/internal/partitionmgr"
	"github.com/distflow/runtime/internal/rpc"
)

// Assigner maps a task group to the executor it should run on. The
// scheduling policy itself is an excluded collaborator per §1; Assigner is
// the seam a real scheduler plugs into.
type Assigner func(tg job.TaskGroupDescriptor) (executorID string, err error)

// Coordinator drives one job's execution from the master side.
type Coordinator struct {
	transport *rpc.Transport
	manager   *partitionmgr.Manager
	assign    Assigner
	logger    *logrus.Entry

	mu       sync.Mutex
	attempts map[string]int // taskGroupID -> next attempt index
}

// New creates a Coordinator bound to transport and manager, registering its
// control-message listeners.
func New(transport *rpc.Transport, manager *partitionmgr.Manager, assign Assigner, logger *logrus.Entry) *Coordinator {
	if logger == nil {
		logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	c := &Coordinator{
		transport: transport,
		manager:   manager,
		assign:    assign,
		logger:    logger,
		attempts:  make(map[string]int),
	}
	transport.RegisterListener(rpc.ListenerMaster, c.dispatch)
	transport.OnConnect(func(executorID string, conn *rpc.Conn) {
		conn.SetDisconnectCallback(func() { c.handleWorkerDisconnect(executorID) })
	})
	return c
}

// handleWorkerDisconnect reacts to a worker's control connection dropping by
// marking its COMMITTED partitions LOST and logging the producer task
// groups an external scheduler must resubmit. Re-dispatching those task
// groups is the excluded scheduling policy's job (Assigner's doc comment),
// not the coordinator's — it only has this failure's tgIDs, not the
// TaskGroupDescriptors needed to build a new ScheduleTaskGroup announcement.
func (c *Coordinator) handleWorkerDisconnect(executorID string) {
	tgIDs := c.OnWorkerDisconnected(executorID)
	if len(tgIDs) == 0 {
		return
	}
	affected := make([]string, 0, len(tgIDs))
	for id := range tgIDs {
		affected = append(affected, id)
	}
	c.logger.WithField("executor_id", executorID).WithField("task_group_ids", affected).
		Warn("worker disconnected; task groups need rescheduling")
}

func (c *Coordinator) dispatch(ctx context.Context, msg interface{}, reply func(interface{})) {
	switch m := msg.(type) {
	case *controlpb.BlockStateChanged:
		c.manager.HandleBlockStateChanged(m)
	case *controlpb.RequestBlockLocation:
		c.manager.HandleRequestBlockLocation(ctx, m, reply)
	case *controlpb.TaskGroupStateChanged:
		c.onTaskGroupStateChanged(m)
	case *controlpb.ReservePartition:
		c.onReservePartition(m, reply)
	default:
		c.logger.WithField("type", m).Warn("dropping message with no master-side handler")
	}
}

// onReservePartition grants the next write position and block index for a
// hash-skewed write into the named partition. Reservations are granted
// unconditionally; the abstract block storage backend behind the partition
// is responsible for actually making the bytes durable at that position.
func (c *Coordinator) onReservePartition(m *controlpb.ReservePartition, reply func(interface{})) {
	if reply == nil {
		return
	}
	pos, idx := c.manager.ReservePartitionWrite(m.PartitionID, m.ByteLength)
	reply(&controlpb.ReservePartitionResponse{
		RequestID:       m.RequestID,
		PositionToWrite: pos,
		PartitionIdx:    idx,
		Granted:         true,
	})
}

// SubmitStage registers every partition a stage's task groups produce and
// schedules each task group for its first attempt.
func (c *Coordinator) SubmitStage(ctx context.Context, stage job.StageDescriptor) error {
	for _, tg := range stage.TaskGroups {
		for _, t := range tg.Tasks {
			for idx, ed := range t.OutputEdges {
				_ = idx
				c.manager.InitializeState(ids.Partition(ed.EdgeID, t.VertexIndex), tg.TaskGroupID)
			}
		}
	}
	for _, tg := range stage.TaskGroups {
		if err := c.ScheduleTaskGroup(ctx, tg); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleTaskGroup assigns tg to a worker and sends it a ScheduleTaskGroup
// announcement for its next attempt.
func (c *Coordinator) ScheduleTaskGroup(ctx context.Context, tg job.TaskGroupDescriptor) error {
	executorID, err := c.assign(tg)
	if err != nil {
		return xerrors.Errorf("assigning task group %q: %w", tg.TaskGroupID, err)
	}

	conn, ok := c.transport.Conn(executorID)
	if !ok {
		return xerrors.Errorf("no connection to executor %q", executorID)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(tg); err != nil {
		return xerrors.Errorf("encoding task group %q: %w", tg.TaskGroupID, err)
	}

	c.mu.Lock()
	attempt := c.attempts[tg.TaskGroupID]
	c.attempts[tg.TaskGroupID] = attempt + 1
	c.mu.Unlock()

	c.manager.OnProducerTaskGroupScheduled(tg.TaskGroupID)

	return conn.Send(rpc.ListenerExecutor, &controlpb.ScheduleTaskGroup{
		TaskGroupID: tg.TaskGroupID,
		AttemptIdx:  attempt,
		Descriptor:  buf.Bytes(),
	})
}

// onTaskGroupStateChanged reacts to a reported transition per §4.3: a
// FAILED_RECOVERABLE or FAILED_UNRECOVERABLE producer fails its partitions, clearing
// the way for the external scheduler (not modeled here) to re-submit it.
func (c *Coordinator) onTaskGroupStateChanged(m *controlpb.TaskGroupStateChanged) {
	switch m.State {
	case controlpb.TaskGroupFailedRecoverable, controlpb.TaskGroupFailedUnrecoverable:
		c.manager.OnProducerTaskGroupFailed(m.TaskGroupID)
	case controlpb.TaskGroupComplete:
		// Partitions this task group produced already transitioned to
		// COMMITTED individually via BlockStateChanged as each was flushed.
	}
}

// OnWorkerDisconnected reacts to a lost executor connection by marking every
// partition it was serving as LOST, returning the producer task groups that
// must be rescheduled.
func (c *Coordinator) OnWorkerDisconnected(executorID string) map[string]struct{} {
	return c.manager.RemoveWorker(executorID)
}

// WaitForPartition blocks until partitionID commits or becomes permanently
// unservable, for master-side callers (e.g. a driver awaiting a job's final
// output) that need a location directly rather than through C8.
func (c *Coordinator) WaitForPartition(ctx context.Context, partitionID string) (string, error) {
	f := c.manager.GetPartitionLocationFuture(partitionID)
	loc, err := partitionmgr.Wait(ctx, f)
	if err != nil {
		if _, ok := err.(*partition.AbsentPartitionError); ok {
			return "", err
		}
		return "", xerrors.Errorf("waiting for partition %q: %w", partitionID, err)
	}
	return loc, nil
}
