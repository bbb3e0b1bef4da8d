package dataplane

import (
	"bytes"
	"context"
	"encoding/gob"
	"io"
	"io/ioutil"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/distflow/runtime/internal/frame"
	"github.com/distflow/runtime/internal/partition"
)

// Server answers C7 pull requests for partitions this worker has committed
// to its local BlockStore, accepting one connection per pull to mirror the
// dial-per-pull shape RemoteReader.Read uses on the client side. There is no
// teacher analogue for a bespoke data-plane listener (dbspgraph's only wire
// protocol is its gRPC job stream), so this is plain net.Listener, justified
// in DESIGN.md.
type Server struct {
	listener net.Listener
	store    *BlockStore
	logger   *logrus.Entry
}

// NewServer wraps listener, serving pulls against store.
func NewServer(listener net.Listener, store *BlockStore, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return &Server{listener: listener, store: store, logger: logger}
}

// Serve accepts connections until ctx is cancelled or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return xerrors.Errorf("data transport: accept: %w", err)
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	f, err := frame.Decode(conn)
	if err != nil {
		if err != io.EOF {
			s.logger.WithField("err", err).Warn("dropping malformed pull request")
		}
		return
	}

	var req pullRequest
	if err := gob.NewDecoder(bytes.NewReader(f.Body)).Decode(&req); err != nil {
		s.logger.WithField("err", err).Warn("dropping undecodable pull request")
		return
	}

	body, ok := s.store.Select(req.PartitionID, partition.HashRange{Start: req.Start, End: req.End})
	if !ok {
		// No LAST frame is sent: closing the connection here surfaces as a
		// read error on the puller's ReadTransfer rather than a
		// successful empty transfer, which would be indistinguishable
		// from a legitimately empty partition.
		s.logger.WithField("partition_id", req.PartitionID).Warn("pull request for unresolved partition")
		return
	}

	tw := frame.NewTransferWriter(conn, f.TransferID, false)
	if err := tw.Close(body); err != nil {
		s.logger.WithField("err", err).Warn("failed to answer pull request")
	}
}
