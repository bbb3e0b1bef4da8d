// Package frame implements the block transfer framing (C7): a multiplexed
// push/pull byte protocol over a long-lived channel. There is no teacher
// analogue for a bespoke binary frame header, so this package is plain
// encoding/binary plus io.Reader/io.Writer usage (justified in DESIGN.md).
package frame

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// Type is one of the four frame type tags.
type Type uint16

const (
	PullIntermediate Type = iota
	PullLast
	PushIntermediate
	PushLast
)

func (t Type) String() string {
	switch t {
	case PullIntermediate:
		return "PULL_INTERMEDIATE"
	case PullLast:
		return "PULL_LAST"
	case PushIntermediate:
		return "PUSH_INTERMEDIATE"
	case PushLast:
		return "PUSH_LAST"
	default:
		return "UNKNOWN"
	}
}

// IsLast reports whether t terminates a logical transfer.
func (t Type) IsLast() bool { return t == PullLast || t == PushLast }

// headerSize is the size in bytes of a frame header: 2-byte type, 2-byte
// transfer id, 4-byte body length.
const headerSize = 8

// maxBodyLength is the largest body length representable in the 4-byte
// length field (2^32 - 1).
const maxBodyLength = 1<<32 - 1

// Frame is one length-prefixed unit of a transfer.
type Frame struct {
	Type       Type
	TransferID uint16
	Body       []byte
}

// Encode writes the 8-byte header followed by the body to w.
func Encode(w io.Writer, f Frame) error {
	if uint64(len(f.Body)) > maxBodyLength {
		return xerrors.Errorf("frame body of %d bytes exceeds the maximum of %d", len(f.Body), maxBodyLength)
	}

	var header [headerSize]byte
	binary.BigEndian.PutUint16(header[0:2], uint16(f.Type))
	binary.BigEndian.PutUint16(header[2:4], f.TransferID)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(f.Body)))

	if _, err := w.Write(header[:]); err != nil {
		return xerrors.Errorf("frame: writing header: %w", err)
	}
	if len(f.Body) > 0 {
		if _, err := w.Write(f.Body); err != nil {
			return xerrors.Errorf("frame: writing body: %w", err)
		}
	}
	return nil
}

// Decode reads one frame from r. It returns io.EOF unmodified when r is
// exhausted before any header bytes are read, and wraps any other short
// read or I/O error.
func Decode(r io.Reader) (Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, xerrors.Errorf("frame: reading header: %w", err)
	}

	f := Frame{
		Type:       Type(binary.BigEndian.Uint16(header[0:2])),
		TransferID: binary.BigEndian.Uint16(header[2:4]),
	}
	bodyLen := binary.BigEndian.Uint32(header[4:8])
	if bodyLen > 0 {
		f.Body = make([]byte, bodyLen)
		if _, err := io.ReadFull(r, f.Body); err != nil {
			return Frame{}, xerrors.Errorf("frame: reading body: %w", err)
		}
	}
	return f, nil
}

// TransferWriter accumulates the frames of one logical transfer and writes
// each one eagerly; Close emits the terminating *_LAST frame. Transfer ids
// are assigned by the caller and released once LAST is observed by the
// peer, so TransferWriter itself is stateless beyond the id.
type TransferWriter struct {
	w          io.Writer
	transferID uint16
	pull       bool
	closed     bool
}

// NewTransferWriter creates a writer for one push or pull transfer
// identified by transferID.
func NewTransferWriter(w io.Writer, transferID uint16, pull bool) *TransferWriter {
	return &TransferWriter{w: w, transferID: transferID, pull: pull}
}

func (tw *TransferWriter) intermediateType() Type {
	if tw.pull {
		return PullIntermediate
	}
	return PushIntermediate
}

func (tw *TransferWriter) lastType() Type {
	if tw.pull {
		return PullLast
	}
	return PushLast
}

// Write emits one intermediate frame carrying body. An empty body is a
// legal heartbeat frame.
func (tw *TransferWriter) Write(body []byte) error {
	if tw.closed {
		return xerrors.Errorf("transfer %d: write after close", tw.transferID)
	}
	return Encode(tw.w, Frame{Type: tw.intermediateType(), TransferID: tw.transferID, Body: body})
}

// Close emits the terminating LAST frame, optionally carrying a final body.
func (tw *TransferWriter) Close(finalBody []byte) error {
	if tw.closed {
		return nil
	}
	tw.closed = true
	return Encode(tw.w, Frame{Type: tw.lastType(), TransferID: tw.transferID, Body: finalBody})
}

// ReadTransfer reads frames for transferID from r until a *_LAST frame is
// observed, concatenating their bodies. Frames for other transfer ids are
// returned to the caller via the onOther callback so a single shared
// connection can demultiplex several concurrent transfers; onOther may be
// nil if the channel carries exactly one transfer at a time.
func ReadTransfer(r io.Reader, transferID uint16, onOther func(Frame)) ([]byte, error) {
	var body []byte
	for {
		f, err := Decode(r)
		if err != nil {
			return nil, err
		}
		if f.TransferID != transferID {
			if onOther != nil {
				onOther(f)
			}
			continue
		}
		body = append(body, f.Body...)
		if f.Type.IsLast() {
			return body, nil
		}
	}
}
