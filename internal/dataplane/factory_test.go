package dataplane

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/distflow/runtime/internal/frame"
	"github.com/distflow/runtime/internal/ids"
	"github.com/distflow/runtime/internal/partition"
)

type fakeRetriever struct {
	locations map[string]string
}

func (f fakeRetriever) Retrieve(_ context.Context, partitionID, _ string) (string, error) {
	return f.locations[partitionID], nil
}

// scenario 1: a one-to-one edge resolves exactly the partition produced for
// this consumer's index.
func TestNewReaderOneToOne(t *testing.T) {
	edge := Edge{ID: "e1", Pattern: OneToOne}
	tasks, err := NewReader(edge, 3, 4, "tg-dst", fakeRetriever{})
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected exactly 1 read task, got %d", len(tasks))
	}
	want := ids.Partition("e1", 3)
	if tasks[0].PartitionID != want {
		t.Fatalf("expected partition %q, got %q", want, tasks[0].PartitionID)
	}
}

// scenario 2: a broadcast edge with source parallelism 2 resolves both
// producer partitions regardless of the consumer's own index.
func TestNewReaderBroadcast(t *testing.T) {
	edge := Edge{ID: "e2", Pattern: Broadcast}
	tasks, err := NewReader(edge, 0, 2, "tg-dst", fakeRetriever{})
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 read tasks for a broadcast edge, got %d", len(tasks))
	}
	seen := map[string]bool{}
	for _, tk := range tasks {
		seen[tk.PartitionID] = true
	}
	for i := 0; i < 2; i++ {
		if !seen[ids.Partition("e2", i)] {
			t.Fatalf("missing broadcast partition for producer %d", i)
		}
	}
}

// scenario 3 / P7: a shuffle edge assigns every destination task group a
// disjoint hash range, and every key routes to exactly one of them.
func TestShuffleHashRangesPartitionTheKeySpace(t *testing.T) {
	ranges, err := partition.Ranges(3)
	if err != nil {
		t.Fatalf("Ranges: %v", err)
	}
	edge := Edge{
		ID:      "e3",
		Pattern: Shuffle,
		HashRanges: map[string]partition.HashRange{
			"tg-0": ranges[0],
			"tg-1": ranges[1],
			"tg-2": ranges[2],
		},
	}

	dsts := []string{"tg-0", "tg-1", "tg-2"}
	for _, key := range [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma"), []byte("delta")} {
		matches := 0
		for _, d := range dsts {
			if BelongsToShuffleDestination(edge, key, d) {
				matches++
			}
		}
		if matches != 1 {
			t.Fatalf("key %q matched %d destinations, want exactly 1", key, matches)
		}
	}
}

func TestNewReaderShuffleResolvesAllProducerPartitions(t *testing.T) {
	edge := Edge{ID: "e4", Pattern: Shuffle}
	tasks, err := NewReader(edge, 1, 3, "tg-0", fakeRetriever{})
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 read tasks, got %d", len(tasks))
	}
}

func TestReadTaskLocationResolvesThroughRetriever(t *testing.T) {
	pid := ids.Partition("e7", 0)
	rt := ReadTask{PartitionID: pid, edgeID: "e7", retriever: fakeRetriever{locations: map[string]string{pid: "exec-9"}}}
	loc, err := rt.Location(context.Background())
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc != "exec-9" {
		t.Fatalf("expected exec-9, got %q", loc)
	}
}

func TestNewReaderRejectsNonPositiveParallelism(t *testing.T) {
	edge := Edge{ID: "e5", Pattern: OneToOne}
	if _, err := NewReader(edge, 0, 0, "tg-dst", fakeRetriever{}); err == nil {
		t.Fatal("expected an error for non-positive source parallelism")
	}
}

func TestWriteTaskFlushThenReadTaskPull(t *testing.T) {
	edge := Edge{ID: "e6", Pattern: OneToOne}
	wt := NewWriter(edge, 0)
	wt.Write([]byte("hello "), 1)
	wt.Write([]byte("world"), 1)

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, _, err := wt.Flush(serverConn, 5); err != nil {
			t.Errorf("Flush: %v", err)
		}
	}()

	body, err := frame.ReadTransfer(clientConn, 5, nil)
	if err != nil {
		t.Fatalf("ReadTransfer: %v", err)
	}
	if string(body) != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", string(body))
	}
	<-done
}

// BlockStore.Select is the server-side half of P7: each written block must
// surface under exactly one of a partitioning set of hash ranges.
func TestBlockStoreSelectRestrictsToHashRange(t *testing.T) {
	ranges, err := partition.Ranges(2)
	if err != nil {
		t.Fatalf("Ranges: %v", err)
	}

	edge := Edge{ID: "e8", Pattern: OneToOne}
	wt := NewWriter(edge, 0)
	blocks := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma"), []byte("delta"), []byte("epsilon")}
	for _, b := range blocks {
		wt.Write(b, 1)
	}

	body, meta, count := wt.Drain()
	if count != int64(len(blocks)) {
		t.Fatalf("expected element count %d, got %d", len(blocks), count)
	}

	store := NewBlockStore()
	store.Put(wt.PartitionID, body, meta)

	matches := make(map[string]int)
	for _, r := range ranges {
		out, ok := store.Select(wt.PartitionID, r)
		if !ok {
			t.Fatalf("expected partition %q to be known", wt.PartitionID)
		}
		for _, b := range blocks {
			if bytes.Contains(out, b) {
				matches[string(b)]++
			}
		}
	}
	for _, b := range blocks {
		if matches[string(b)] != 1 {
			t.Fatalf("block %q was selected by %d ranges, want exactly 1", b, matches[string(b)])
		}
	}

	full, ok := store.Select(wt.PartitionID, partition.FullHashRange())
	if !ok || string(full) != string(body) {
		t.Fatalf("expected the full hash range to reconstruct the whole partition")
	}

	if _, ok := store.Select("no-such-partition", partition.FullHashRange()); ok {
		t.Fatal("expected Select on an unknown partition to report not found")
	}
}

// P7 (regression for the shuffle-restriction review comment): pulling a
// shuffle partition through two disjoint destination hash ranges must
// deliver each written block to exactly one destination. Before this was
// wired up, ReadTask.Pull fetched the whole partition regardless of the
// caller's hash range, so every destination received every block.
func TestReadTaskPullAcrossShuffleDestinationsPartitionsWithoutOvercount(t *testing.T) {
	ranges, err := partition.Ranges(2)
	if err != nil {
		t.Fatalf("Ranges: %v", err)
	}
	edge := Edge{
		ID:      "e9",
		Pattern: Shuffle,
		HashRanges: map[string]partition.HashRange{
			"tg-a": ranges[0],
			"tg-b": ranges[1],
		},
	}

	wt := NewWriter(edge, 0)
	for _, b := range [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma"), []byte("delta"), []byte("epsilon"), []byte("zeta")} {
		wt.Write(b, 1)
	}
	body, meta, _ := wt.Drain()

	store := NewBlockStore()
	store.Put(wt.PartitionID, body, meta)
	srv := NewServer(nil, store, nil)

	pull := func(dst string) []byte {
		serverConn, clientConn := net.Pipe()
		defer serverConn.Close()
		defer clientConn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			srv.handle(serverConn)
		}()

		rt := ReadTask{
			PartitionID: wt.PartitionID,
			edgeID:      edge.ID,
			hashRange:   edge.HashRangeFor(dst),
			retriever:   fakeRetriever{},
		}
		got, err := rt.Pull(context.Background(), clientConn, 9)
		if err != nil {
			t.Fatalf("Pull(%s): %v", dst, err)
		}
		<-done
		return got
	}

	gotA := pull("tg-a")
	gotB := pull("tg-b")

	if len(gotA)+len(gotB) != len(body) {
		t.Fatalf("expected the two shuffle destinations to partition the partition's bytes without overlap or loss: got %d + %d bytes, want %d", len(gotA), len(gotB), len(body))
	}
}
