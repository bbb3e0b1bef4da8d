// Package workerside implements the worker-side partition manager façade
// (C8): the read/write entry point used by task executors, which consults
// the master over C1 for partition location instead of maintaining its own
// registry. It is grounded on dbspgraph.Worker.waitForJob, generalized from
// "block for the one job announcement" to "block for the location future of
// one partition".
package workerside

import (
	"context"
	"io/ioutil"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/distflow/runtime/internal/controlpb"
	"github.com/distflow/runtime/internal/rpc"
)

// Facade is the per-worker handle used by task executors to resolve and
// report on partitions.
type Facade struct {
	executorID string
	conn       *rpc.Conn
	logger     *logrus.Entry
}

// New creates a Facade bound to the worker's single connection to the
// master.
func New(executorID string, conn *rpc.Conn, logger *logrus.Entry) *Facade {
	if logger == nil {
		logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return &Facade{executorID: executorID, conn: conn, logger: logger}
}

// Retrieve resolves the owner location of partitionID for the edge reading
// it, blocking until the master reports the partition COMMITTED, the
// partition becomes permanently unservable (AbsentPartition), or ctx
// expires. On success it returns the executor id (or the "remote" sentinel)
// the requesting edge should pull bytes from via C7.
func (f *Facade) Retrieve(ctx context.Context, partitionID, requestingEdgeID string) (string, error) {
	reply, err := f.conn.Request(ctx, rpc.ListenerMaster, &controlpb.RequestBlockLocation{
		ExecutorID: f.executorID,
		BlockID:    partitionID,
	})
	if err != nil {
		return "", xerrors.Errorf("retrieve %q for edge %q: %w", partitionID, requestingEdgeID, err)
	}

	info, ok := reply.(*controlpb.BlockLocationInfo)
	if !ok {
		return "", xerrors.Errorf("retrieve %q: unexpected reply type %T", partitionID, reply)
	}
	if !info.Found {
		return "", xerrors.Errorf("partition %q is not servable (state %s)", partitionID, info.State)
	}
	return info.OwnerExecutorID, nil
}

// Commit reports the partition as COMMITTED at this executor. The
// BlockStateChanged message carries no block metadata, so this path does
// not call CommitBlocks on the master's C2 metadata. Delivery is
// fire-and-forget and idempotent, so the caller need not wait for an
// acknowledgement.
func (f *Facade) Commit(partitionID string) error {
	return f.conn.Send(rpc.ListenerMaster, &controlpb.BlockStateChanged{
		ExecutorID: f.executorID,
		BlockID:    partitionID,
		State:      controlpb.BlockCommitted,
		Location:   f.executorID,
	})
}

// DataSkewWrite reserves a write position for a hash-skewed block inside
// partitionID, blocking until the master grants (or denies) the
// reservation.
func (f *Facade) DataSkewWrite(ctx context.Context, partitionID string, byteLength int64) (int64, int, error) {
	reply, err := f.conn.Request(ctx, rpc.ListenerMaster, &controlpb.ReservePartition{
		PartitionID: partitionID,
		ByteLength:  byteLength,
	})
	if err != nil {
		return 0, 0, xerrors.Errorf("data skew write for %q: %w", partitionID, err)
	}

	resp, ok := reply.(*controlpb.ReservePartitionResponse)
	if !ok {
		return 0, 0, xerrors.Errorf("data skew write for %q: unexpected reply type %T", partitionID, reply)
	}
	if !resp.Granted {
		return 0, 0, xerrors.Errorf("master declined to reserve a write position for %q", partitionID)
	}
	return resp.PositionToWrite, resp.PartitionIdx, nil
}

// ReportMetric forwards observed partition sizes for a completed block
// transfer, the stats counterpart of C7/A4.
func (f *Facade) ReportMetric(partitionSizes []int64, blockID, srcVertexID string) error {
	return f.conn.Send(rpc.ListenerMaster, &controlpb.DataSizeMetric{
		PartitionSizes: partitionSizes,
		BlockID:        blockID,
		SrcVertexID:    srcVertexID,
	})
}

// RetrieveWithTimeout is a convenience wrapper matching the caller-supplied
// timeout contract of C1 ("timeouts are caller-supplied; a dropped reply
// surfaces as a deadline-exceeded error").
func (f *Facade) RetrieveWithTimeout(timeout time.Duration, partitionID, requestingEdgeID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f.Retrieve(ctx, partitionID, requestingEdgeID)
}
