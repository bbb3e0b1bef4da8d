package dataplane

import (
	"bytes"
	"context"
	"encoding/gob"
	"hash/fnv"
	"io"
	"strconv"
	"sync"

	"golang.org/x/xerrors"

	"github.com/distflow/runtime/internal/frame"
	"github.com/distflow/runtime/internal/ids"
	"github.com/distflow/runtime/internal/partition"
)

// Retriever resolves a partition id to the executor currently serving it,
// blocking until the partition commits or becomes permanently unservable.
// Satisfied by partitionmgr/workerside.Facade.
type Retriever interface {
	Retrieve(ctx context.Context, partitionID, requestingEdgeID string) (string, error)
}

// ReadTask is one partition a consuming task must pull from, resolved lazily
// through a Retriever and then read over a transport-provided connection.
type ReadTask struct {
	PartitionID string

	edgeID    string
	hashRange partition.HashRange
	retriever Retriever
}

// SrcVertexID identifies, for a Transform's OnData, which upstream producer
// this read came from. The partition id already encodes both the producing
// edge and that producer's index, so it doubles as the source vertex id an
// operator with several broadcast or shuffle source partitions needs to
// tell its inputs apart.
func (t ReadTask) SrcVertexID() string { return t.PartitionID }

// Location blocks until the partition's serving executor is known.
func (t ReadTask) Location(ctx context.Context) (string, error) {
	loc, err := t.retriever.Retrieve(ctx, t.PartitionID, t.edgeID)
	if err != nil {
		return "", xerrors.Errorf("resolving location for partition %q: %w", t.PartitionID, err)
	}
	return loc, nil
}

// pullRequest, once gob-encoded, is the request frame body a Pull sends: it
// tells the serving peer which partition to read and which hash range to
// restrict the reply to, so a shuffle destination only ever receives the
// slice of a producer partition it is assigned (§4.4).
type pullRequest struct {
	PartitionID string
	Start       uint64
	End         uint64
}

// Pull reads and concatenates one partition's bytes over conn once its
// serving location is known, using the block transfer framing (C7). The
// request carries t.hashRange so a shuffle consumer pulls only the blocks
// assigned to it; a one-to-one or broadcast reader's full range has no
// filtering effect on the serving side.
func (t ReadTask) Pull(ctx context.Context, conn io.ReadWriter, transferID uint16) ([]byte, error) {
	if _, err := t.Location(ctx); err != nil {
		return nil, err
	}

	var reqBody bytes.Buffer
	req := pullRequest{PartitionID: t.PartitionID, Start: t.hashRange.Start, End: t.hashRange.End}
	if err := gob.NewEncoder(&reqBody).Encode(req); err != nil {
		return nil, xerrors.Errorf("encoding pull request for partition %q: %w", t.PartitionID, err)
	}

	tw := frame.NewTransferWriter(conn, transferID, true)
	if err := tw.Close(reqBody.Bytes()); err != nil {
		return nil, xerrors.Errorf("requesting partition %q: %w", t.PartitionID, err)
	}
	body, err := frame.ReadTransfer(conn, transferID, nil)
	if err != nil {
		return nil, xerrors.Errorf("pulling partition %q: %w", t.PartitionID, err)
	}
	return body, nil
}

// NewReader builds the set of read tasks a consuming task must resolve and
// pull for edge, given the destination task group's index among its peers
// (dstIndex, used only for one-to-one edges), the producing stage's
// parallelism (srcParallelism, used for broadcast and shuffle edges, where
// every producer partition is a candidate), and the consuming task group's
// own id (dstTaskGroupID), which determines the hash range a shuffle edge
// restricts each read to.
func NewReader(edge Edge, dstIndex, srcParallelism int, dstTaskGroupID string, retriever Retriever) ([]ReadTask, error) {
	if srcParallelism <= 0 {
		return nil, xerrors.Errorf("edge %q: source parallelism must be positive, got %d", edge.ID, srcParallelism)
	}
	hashRange := edge.HashRangeFor(dstTaskGroupID)

	switch edge.Pattern {
	case OneToOne:
		return []ReadTask{{
			PartitionID: ids.Partition(edge.ID, dstIndex),
			edgeID:      edge.ID,
			hashRange:   hashRange,
			retriever:   retriever,
		}}, nil

	case Broadcast, Shuffle:
		tasks := make([]ReadTask, srcParallelism)
		for i := 0; i < srcParallelism; i++ {
			tasks[i] = ReadTask{
				PartitionID: ids.Partition(edge.ID, i),
				edgeID:      edge.ID,
				hashRange:   hashRange,
				retriever:   retriever,
			}
		}
		return tasks, nil

	default:
		return nil, xerrors.Errorf("edge %q: unsupported communication pattern %v", edge.ID, edge.Pattern)
	}
}

// fnvHash hashes b with FNV-1a: the one hash function shuffle routing,
// BlockStore's per-block filtering, and BelongsToShuffleDestination all
// share, so a block written under one hash is found under the same hash on
// read.
func fnvHash(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// BelongsToShuffleDestination reports whether a shuffle-keyed record (keyed
// by an arbitrary byte key, hashed with FNV-1a) is owned by destination task
// group dstTaskGroupID under edge's assigned hash ranges. Non-shuffle edges
// accept every record.
func BelongsToShuffleDestination(edge Edge, key []byte, dstTaskGroupID string) bool {
	if edge.Pattern != Shuffle {
		return true
	}
	return edge.HashRangeFor(dstTaskGroupID).Contains(fnvHash(key))
}

// WriteTask is the producing side of one partition: bytes are buffered
// under the writer's own partition id, handed off as a whole (Drain) or
// framed onto a connection (Flush) once the producing task finishes that
// partition.
type WriteTask struct {
	PartitionID string

	mu     sync.Mutex
	buf    []byte
	blocks []partition.BlockMetadata
	count  int64
}

// Write buffers n more elements worth of body for this partition and
// records it as one block, keyed by its position in the write order. The
// Transform/OutputWriter interfaces carry no per-record application key, so
// a block's own content bytes double as the key BlockStore.Select hashes to
// decide which shuffle destination it belongs to; actual framing onto a
// connection happens later, at Flush or Drain, keeping WriteTask usable
// before a destination connection exists.
func (t *WriteTask) Write(body []byte, elementCount int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	offset := int64(len(t.buf))
	t.buf = append(t.buf, body...)
	t.blocks = append(t.blocks, partition.BlockMetadata{
		Key:          strconv.Itoa(len(t.blocks)),
		ByteLength:   int64(len(body)),
		Offset:       offset,
		ElementCount: elementCount,
	})
	t.count += elementCount
}

// Flush pushes the buffered body as one transfer over conn and returns the
// number of bytes and elements written, for A4 metric reporting.
func (t *WriteTask) Flush(conn io.Writer, transferID uint16) (int64, int64, error) {
	t.mu.Lock()
	body, count := t.buf, t.count
	t.mu.Unlock()

	tw := frame.NewTransferWriter(conn, transferID, false)
	if err := tw.Close(body); err != nil {
		return 0, 0, xerrors.Errorf("flushing partition %q: %w", t.PartitionID, err)
	}
	return int64(len(body)), count, nil
}

// Drain returns the partition's full buffered body, its recorded block
// index, and the total element count, for handoff to a BlockStore once the
// producing task finishes this partition.
func (t *WriteTask) Drain() ([]byte, []partition.BlockMetadata, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf, t.blocks, t.count
}

// NewWriter builds the write task for producerIndex's output on edge.
// Shuffle edges still write one partition per producer; each destination's
// hash range is applied later, by the serving BlockStore at Select time,
// rather than partitioning the data up front.
func NewWriter(edge Edge, producerIndex int) *WriteTask {
	return &WriteTask{PartitionID: ids.Partition(edge.ID, producerIndex)}
}
