package dataplane

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/xerrors"

	"github.com/distflow/runtime/internal/stats"
)

// Dialer opens a duplex byte connection to the executor serving a
// cross-stage edge's data, carrying C7 frame traffic. A real deployment
// dials a TCP or gRPC data connection per peer, kept separate from the
// control transport (C1) so a slow bulk transfer never head-of-line-blocks
// a control message; tests substitute net.Pipe.
type Dialer interface {
	Dial(ctx context.Context, executorID string) (io.ReadWriteCloser, error)
}

var transferIDCounter uint32

func nextTransferID() uint16 {
	return uint16(atomic.AddUint32(&transferIDCounter, 1))
}

// RemoteReader adapts a ReadTask into the InputReader a cross-stage
// consuming task uses: it resolves the partition's owning executor through
// the Retriever (C8), dials it, and pulls the partition's bytes with C7
// framing.
type RemoteReader struct {
	task    ReadTask
	dialer  Dialer
	counter *stats.Counters // may be nil
}

// NewRemoteReader wraps task for cross-stage reads over dialer.
func NewRemoteReader(task ReadTask, dialer Dialer, counter *stats.Counters) *RemoteReader {
	return &RemoteReader{task: task, dialer: dialer, counter: counter}
}

func (r *RemoteReader) SrcVertexID() string { return r.task.SrcVertexID() }

// Read dials the partition's owning executor and pulls its bytes.
func (r *RemoteReader) Read(ctx context.Context) ([]byte, error) {
	loc, err := r.task.Location(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := r.dialer.Dial(ctx, loc)
	if err != nil {
		return nil, xerrors.Errorf("dialing %q for partition %q: %w", loc, r.task.PartitionID, err)
	}
	defer conn.Close()

	body, err := r.task.Pull(ctx, conn, nextTransferID())
	if err != nil {
		return nil, err
	}
	if r.counter != nil {
		r.counter.RecordRead(int64(len(body)), 1)
	}
	return body, nil
}

// RemoteWriter adapts a WriteTask into the OutputWriter a cross-stage
// producing task uses: it buffers locally (via WriteTask.Write) and, on
// Close, hands the finished partition to this worker's BlockStore so a
// Server can serve it to whichever peers pull it over C7, then reports the
// partition COMMITTED to the master through the Committer.
type RemoteWriter struct {
	task      *WriteTask
	store     *BlockStore
	committer Committer
	edgeID    string
	counter   *stats.Counters

	mu sync.Mutex
}

// Committer reports a partition as committed once its writer closes,
// satisfied by partitionmgr/workerside.Facade.
type Committer interface {
	Commit(partitionID string) error
}

// NewRemoteWriter wraps task, persisting to store and committing through
// committer on Close.
func NewRemoteWriter(task *WriteTask, store *BlockStore, committer Committer, edgeID string, counter *stats.Counters) *RemoteWriter {
	return &RemoteWriter{task: task, store: store, committer: committer, edgeID: edgeID, counter: counter}
}

// Write buffers body, counted as one element; actual persistence happens at
// Close.
func (w *RemoteWriter) Write(body []byte) error {
	w.task.Write(body, 1)
	return nil
}

// Close hands the partition's buffered bytes and block index to the
// BlockStore, making them servable to peers, and reports COMMITTED to the
// master through the Committer.
func (w *RemoteWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	body, blocks, count := w.task.Drain()
	w.store.Put(w.task.PartitionID, body, blocks)
	if w.counter != nil {
		w.counter.RecordWrite(int64(len(body)), count)
	}
	return w.committer.Commit(w.task.PartitionID)
}
