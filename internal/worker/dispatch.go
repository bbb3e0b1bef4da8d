package worker

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/distflow/runtime/internal/controlpb"
	"github.com/distflow/runtime/internal/job"
	"github.com/distflow/runtime/internal/rpc"
)

// DecodeTaskGroup reverses the gob encoding master.Coordinator's
// ScheduleTaskGroup carries. Kept alongside the worker-side dispatch that
// consumes it rather than in the master package, since decoding is
// exclusively a worker-side concern.
func DecodeTaskGroup(descriptor []byte) (job.TaskGroupDescriptor, error) {
	var tg job.TaskGroupDescriptor
	if err := gob.NewDecoder(bytes.NewReader(descriptor)).Decode(&tg); err != nil {
		return job.TaskGroupDescriptor{}, xerrors.Errorf("decoding task group descriptor: %w", err)
	}
	return tg, nil
}

// NewScheduleListener builds the rpc.Listener a worker registers under
// rpc.ListenerExecutor: it decodes an incoming ScheduleTaskGroup and hands
// it to runner.StartTaskGroup on its own goroutine, so the transport's
// receive loop is never blocked by a task group's execution. runner is the
// job.Runner seam — in production a *Coordinator, in tests a generated
// mock — grounded on dbspgraph.workerRPCHandler's "decode one job
// announcement, dispatch to the job runner" shape. StartTaskGroup is
// deliberately run against the worker's own long-lived ctx rather than the
// connection-scoped context the listener is handed: a task group must keep
// running even if the control connection to the master briefly drops.
func NewScheduleListener(ctx context.Context, executorID string, runner job.Runner, logger *logrus.Entry) rpc.Listener {
	return func(_ context.Context, msg interface{}, _ func(interface{})) {
		sched, ok := msg.(*controlpb.ScheduleTaskGroup)
		if !ok {
			logger.WithField("type", fmt.Sprintf("%T", msg)).Warn("dropping message with no executor-side handler")
			return
		}

		tg, err := DecodeTaskGroup(sched.Descriptor)
		if err != nil {
			logger.WithField("err", err).Error("dropping undecodable task group descriptor")
			return
		}

		go func() {
			if err := runner.StartTaskGroup(ctx, executorID, tg, sched.AttemptIdx); err != nil {
				logger.WithField("err", err).WithField("task_group_id", tg.TaskGroupID).Error("task group execution failed")
			}
		}()
	}
}
