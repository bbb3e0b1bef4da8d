package dataplane

import (
	"context"

	"golang.org/x/xerrors"
)

// LocalBus wires intra-stage edges through in-process queues instead of C7
// framing: a one-to-one edge between two tasks scheduled in the same task
// group never leaves the process, so §4.4 routes it through a plain
// buffered channel. Every edge gets exactly one channel, written once and
// closed by its producer and read once by its consumer, mirroring the
// single-writer-per-transfer-id discipline C7 enforces for cross-stage
// edges.
type LocalBus struct {
	channels map[string]chan localMsg
}

type localMsg struct {
	body []byte
	err  error
}

// NewLocalBus creates an empty bus for one task group's intra-stage edges.
func NewLocalBus() *LocalBus {
	return &LocalBus{channels: make(map[string]chan localMsg)}
}

func (b *LocalBus) channel(edgeID string) chan localMsg {
	ch, ok := b.channels[edgeID]
	if !ok {
		ch = make(chan localMsg, 1)
		b.channels[edgeID] = ch
	}
	return ch
}

// LocalWriter is the producing half of an intra-stage edge.
type LocalWriter struct {
	edgeID string
	bus    *LocalBus
	buf    []byte
	closed bool
}

// NewLocalWriter returns the OutputWriter a producing task uses for an
// intra-stage edge.
func (b *LocalBus) NewLocalWriter(edgeID string) *LocalWriter {
	return &LocalWriter{edgeID: edgeID, bus: b}
}

// Write buffers body; the bus delivers the full accumulated body to the
// reader only once Close is called, matching a bounded-source task's
// "write everything, then close" contract.
func (w *LocalWriter) Write(body []byte) error {
	if w.closed {
		return xerrors.Errorf("local edge %q: write after close", w.edgeID)
	}
	w.buf = append(w.buf, body...)
	return nil
}

// Close hands the accumulated body to the edge's reader and marks the
// channel done.
func (w *LocalWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.bus.channel(w.edgeID) <- localMsg{body: w.buf}
	return nil
}

// LocalReader is the consuming half of an intra-stage edge.
type LocalReader struct {
	edgeID string
	bus    *LocalBus
}

// NewLocalReader returns the InputReader a consuming task uses for an
// intra-stage edge.
func (b *LocalBus) NewLocalReader(edgeID string) *LocalReader {
	return &LocalReader{edgeID: edgeID, bus: b}
}

func (r *LocalReader) SrcVertexID() string { return r.edgeID }

// Read blocks until the edge's producer closes its writer, or ctx expires.
func (r *LocalReader) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-r.bus.channel(r.edgeID):
		return msg.body, msg.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
