// Package worker implements the worker-side task-group coordinator: the
// glue between a ScheduleTaskGroup control message and a running C5
// Executor. It builds the live task DAG from a job.TaskGroupDescriptor,
// wires each edge to a LocalBus queue or a cross-stage Retriever/Dialer pair
// (C4), reports partition commits through the workerside facade (C8), and
// runs the result through a bounded Pool (§5). Grounded on
// dbspgraph.workerJobCoordinator's "receive a job announcement, build a
// graph, hand it to an Executor" shape, generalized from one fixed
// bspgraph.Graph per job to an arbitrary DAG of typed tasks per task group.
package worker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/distflow/runtime/internal/dataplane"
	"github.com/distflow/runtime/internal/job"
	"github.com/distflow/runtime/internal/partition"
	"github.com/distflow/runtime/internal/partitionmgr/workerside"
	"github.com/distflow/runtime/internal/stats"
	"github.com/distflow/runtime/internal/taskgroup"
)

// SourceFactory builds the SourceReader for a BoundedSource task given its
// descriptor's SourceID.
type SourceFactory func(sourceID string) (taskgroup.SourceReader, error)

// TransformFactory builds the Transform for an Operator task given its
// descriptor's TransformID.
type TransformFactory func(transformID string) (taskgroup.Transform, error)

// Coordinator implements job.Runner, turning scheduled task-group
// descriptors into running executors.
type Coordinator struct {
	executorID string
	facade     *workerside.Facade
	dialer     dataplane.Dialer
	store      *dataplane.BlockStore
	pool       *taskgroup.Pool
	sources    SourceFactory
	transforms TransformFactory
	counters   *stats.Counters
	sender     taskgroup.ControlSender
	logger     *logrus.Entry

	mu      sync.Mutex
	running map[string]context.CancelFunc // tgID -> cancel, for AbortTaskGroup
}

// New creates a Coordinator for one worker process. store is the BlockStore
// backing this worker's cross-stage writes, shared with the data transport
// Server that serves them to peers.
func New(
	executorID string,
	facade *workerside.Facade,
	dialer dataplane.Dialer,
	store *dataplane.BlockStore,
	pool *taskgroup.Pool,
	sources SourceFactory,
	transforms TransformFactory,
	counters *stats.Counters,
	sender taskgroup.ControlSender,
	logger *logrus.Entry,
) *Coordinator {
	return &Coordinator{
		executorID: executorID,
		facade:     facade,
		dialer:     dialer,
		store:      store,
		pool:       pool,
		sources:    sources,
		transforms: transforms,
		counters:   counters,
		sender:     sender,
		logger:     logger,
		running:    make(map[string]context.CancelFunc),
	}
}

// StartTaskGroup builds and runs attemptIdx of tg, admitting it onto the
// bounded pool before dispatch so at most the worker's configured capacity
// of task groups execute concurrently. It returns once the task group has
// reported a terminal state.
func (c *Coordinator) StartTaskGroup(ctx context.Context, executorID string, tg job.TaskGroupDescriptor, attemptIdx int) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.running[tg.TaskGroupID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, tg.TaskGroupID)
		c.mu.Unlock()
		cancel()
	}()

	sm := taskgroup.NewStateManager(tg.TaskGroupID, executorID, attemptIdx, c.sender)
	tasks, err := c.buildTasks(tg)
	if err != nil {
		return xerrors.Errorf("task group %q: building tasks: %w", tg.TaskGroupID, err)
	}
	exec := taskgroup.NewExecutor(tasks, sm)

	return c.pool.Run(runCtx, exec.Execute)
}

// AbortTaskGroup cancels a running attempt, if one is in flight.
func (c *Coordinator) AbortTaskGroup(tgID string, _ int) {
	c.mu.Lock()
	cancel, ok := c.running[tgID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// buildTasks turns a descriptor's tasks, in order, into live taskgroup.Task
// values wired to concrete readers and writers.
func (c *Coordinator) buildTasks(tg job.TaskGroupDescriptor) ([]*taskgroup.Task, error) {
	bus := dataplane.NewLocalBus()
	tasks := make([]*taskgroup.Task, 0, len(tg.Tasks))

	for _, td := range tg.Tasks {
		t := &taskgroup.Task{ID: td.TaskID}

		switch td.Kind {
		case job.BoundedSource:
			t.Kind = taskgroup.BoundedSource
			src, err := c.sources(td.SourceID)
			if err != nil {
				return nil, xerrors.Errorf("task %q: %w", td.TaskID, err)
			}
			t.Source = src

		case job.Operator:
			t.Kind = taskgroup.Operator
			xform, err := c.transforms(td.TransformID)
			if err != nil {
				return nil, xerrors.Errorf("task %q: %w", td.TaskID, err)
			}
			t.Transform = xform

			for i, ed := range td.SideInputEdges {
				rs, err := c.buildReaders(ed, i, td, tg.TaskGroupID, bus)
				if err != nil {
					return nil, err
				}
				t.SideInputs = append(t.SideInputs, rs...)
			}
			for i, ed := range td.InputEdges {
				rs, err := c.buildReaders(ed, i, td, tg.TaskGroupID, bus)
				if err != nil {
					return nil, err
				}
				t.Inputs = append(t.Inputs, rs...)
			}

		case job.Barrier:
			t.Kind = taskgroup.Barrier
			for i, ed := range td.InputEdges {
				rs, err := c.buildReaders(ed, i, td, tg.TaskGroupID, bus)
				if err != nil {
					return nil, err
				}
				t.Inputs = append(t.Inputs, rs...)
			}

		default:
			return nil, xerrors.Errorf("task %q: unsupported task kind %v", td.TaskID, td.Kind)
		}

		for _, ed := range td.OutputEdges {
			t.Outputs = append(t.Outputs, c.buildWriter(ed, td, bus))
		}

		tasks = append(tasks, t)
	}
	return tasks, nil
}

// buildReaders returns the InputReaders for one edge: exactly one for
// intra-stage and one-to-one cross-stage edges, and one per source partition
// for broadcast/shuffle cross-stage edges (fanned concurrently by the
// executor's errgroup-backed read, per §4.5). dstTaskGroupID is this
// reader's own task group, used to pick a shuffle edge's assigned hash
// range.
func (c *Coordinator) buildReaders(ed job.EdgeDescriptor, edgeIdx int, td job.TaskDescriptor, dstTaskGroupID string, bus *dataplane.LocalBus) ([]taskgroup.InputReader, error) {
	if !ed.CrossStage {
		return []taskgroup.InputReader{bus.NewLocalReader(ed.EdgeID)}, nil
	}

	edge := toDataplaneEdge(ed)
	srcParallelism := 1
	if edgeIdx < len(td.SrcParallelism) {
		srcParallelism = td.SrcParallelism[edgeIdx]
	}

	readTasks, err := dataplane.NewReader(edge, td.VertexIndex, srcParallelism, dstTaskGroupID, c.facade)
	if err != nil {
		return nil, xerrors.Errorf("task %q: edge %q: %w", td.TaskID, ed.EdgeID, err)
	}

	readers := make([]taskgroup.InputReader, len(readTasks))
	for i, rt := range readTasks {
		readers[i] = dataplane.NewRemoteReader(rt, c.dialer, c.counters)
	}
	return readers, nil
}

func (c *Coordinator) buildWriter(ed job.EdgeDescriptor, td job.TaskDescriptor, bus *dataplane.LocalBus) taskgroup.OutputWriter {
	if !ed.CrossStage {
		return bus.NewLocalWriter(ed.EdgeID)
	}

	wt := dataplane.NewWriter(toDataplaneEdge(ed), td.VertexIndex)
	return dataplane.NewRemoteWriter(wt, c.store, c.facade, ed.EdgeID, c.counters)
}

func toDataplaneEdge(ed job.EdgeDescriptor) dataplane.Edge {
	return dataplane.Edge{
		ID:         ed.EdgeID,
		Pattern:    dataplane.CommPattern(ed.Pattern),
		Store:      dataplane.DataStore(ed.Store),
		SideInput:  ed.SideInput,
		CoderID:    ed.CoderID,
		CrossStage: ed.CrossStage,
		HashRanges: hashRangesFrom(ed.HashRanges),
	}
}

// hashRangesFrom converts the wire-shaped job.HashRange map into the
// partition package's type, keeping the job descriptor package free of a
// dependency on the worker's internal partition types.
func hashRangesFrom(in map[string]job.HashRange) map[string]partition.HashRange {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]partition.HashRange, len(in))
	for k, v := range in {
		out[k] = partition.HashRange{Start: v.Start, End: v.End}
	}
	return out
}
