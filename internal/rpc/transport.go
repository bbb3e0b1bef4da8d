// Package rpc implements the control transport (C1): a listener registry
// multiplexed over one long-lived bidirectional gRPC stream per worker
// connection. It is grounded on dbspgraph's remoteWorkerStream /
// remoteMasterStream send/recv-channel pump and workerPool's
// mutex-guarded connection map, generalized from a single fixed JobStream
// RPC to an arbitrary number of logical listener ids multiplexed over the
// same physical stream.
package rpc

import (
	"context"
	"io/ioutil"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-opentracing/go/otgrpc"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Reserved listener ids, re-exported for callers that only depend on rpc.
const (
	ListenerMaster   = "runtime-master"
	ListenerExecutor = "executor"
)

const executorIDMetadataKey = "x-executor-id"

var (
	// ErrConnClosed is returned by Send/Request once the underlying
	// connection has disconnected.
	ErrConnClosed = xerrors.Errorf("control connection closed")

	// ErrNoListener is the IllegalMessage kind: a message arrived whose
	// listener id has no registered handler.
	ErrNoListener = xerrors.Errorf("no listener registered for message")
)

// Envelope is the single wire type carried by the gob codec. Payload must be
// a gob-registered concrete type (see internal/controlpb).
type Envelope struct {
	ListenerID string
	RequestID  string
	IsReply    bool
	Payload    interface{}
}

// Listener handles one incoming message addressed to a registered listener
// id. ctx is scoped to the connection the message arrived on and is
// cancelled the moment that connection disconnects, so a handler that
// blocks waiting on something (a partition location future, for instance)
// does not leak past the requester going away. reply is nil for
// fire-and-forget sends and non-nil (callable at most once) for messages
// delivered via Request.
type Listener func(ctx context.Context, msg interface{}, reply func(interface{}))

// grpcStream is the minimal surface shared by grpc.ServerStream and the
// grpc.ClientStream returned by NewStream, letting Conn treat both ends
// identically exactly as the teacher's two stream wrappers mirror each
// other's shape.
type grpcStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// Transport owns the listener registry and, depending on which of Serve or
// Dial was called, either the grpc.Server accepting worker connections or
// the single Conn dialed to the master.
type Transport struct {
	logger *logrus.Entry
	tracer opentracing.Tracer

	mu        sync.RWMutex
	listeners map[string]Listener

	connsMu     sync.Mutex
	conns       map[string]*Conn
	connectHook func(executorID string, conn *Conn)

	srv      *grpc.Server
	listener net.Listener
}

// OnConnect installs a callback run once for every worker connection
// accepted by Serve, after it is registered but before any messages are
// dispatched on it. The master uses this to attach a per-connection
// SetDisconnectCallback without the transport knowing anything about
// partitions or job coordination.
func (t *Transport) OnConnect(fn func(executorID string, conn *Conn)) {
	t.connsMu.Lock()
	t.connectHook = fn
	t.connsMu.Unlock()
}

// SetTracer installs an opentracing.Tracer used to instrument every control
// stream opened after this call, via grpc-opentracing's stream
// interceptors. Must be called before Serve or Dial to take effect.
func (t *Transport) SetTracer(tracer opentracing.Tracer) {
	t.tracer = tracer
}

// NewTransport creates a Transport with no registered listeners and no open
// connections.
func NewTransport(logger *logrus.Entry) *Transport {
	if logger == nil {
		logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return &Transport{
		logger:    logger,
		listeners: make(map[string]Listener),
		conns:     make(map[string]*Conn),
	}
}

// RegisterListener installs (or replaces) the handler for a logical listener
// id. runtime-master and executor are the two reserved ids but callers may
// register additional ids for test doubles.
func (t *Transport) RegisterListener(id string, l Listener) {
	t.mu.Lock()
	t.listeners[id] = l
	t.mu.Unlock()
}

func (t *Transport) dispatch(c *Conn, env Envelope) {
	t.mu.RLock()
	l, ok := t.listeners[env.ListenerID]
	t.mu.RUnlock()

	if !ok {
		t.logger.WithField("listener_id", env.ListenerID).Error("dropping message for unknown listener")
		return
	}

	var reply func(interface{})
	if env.RequestID != "" {
		reply = func(payload interface{}) {
			_ = c.sendEnvelope(Envelope{RequestID: env.RequestID, IsReply: true, Payload: payload})
		}
	}
	l(c.Context(), env.Payload, reply)
}

// Serve starts a gRPC server on addr accepting worker connections. Serve is
// non-blocking; callers must eventually call Close.
func (t *Transport) Serve(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return xerrors.Errorf("control transport: cannot listen on %q: %w", addr, err)
	}

	t.listener = l
	var opts []grpc.ServerOption
	if t.tracer != nil {
		opts = append(opts, grpc.StreamInterceptor(otgrpc.OpenTracingStreamServerInterceptor(t.tracer)))
	}
	t.srv = grpc.NewServer(opts...)
	registerControlServer(t.srv, &masterControlServer{t: t})

	t.logger.WithField("addr", l.Addr().String()).Info("control transport listening for workers")
	go func() { _ = t.srv.Serve(l) }()
	return nil
}

// Addr returns the address the transport is listening on, once Serve has
// been called.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// masterControlServer implements the controlServer interface backing the
// single Control RPC; grounded on dbspgraph's masterRPCHandler.JobStream.
type masterControlServer struct {
	t *Transport
}

func (s *masterControlServer) control(stream grpc.ServerStream) error {
	executorID := executorIDFromContext(stream.Context())
	conn := newConn(stream, s.t, executorID)
	s.t.addConn(executorID, conn)
	defer s.t.removeConn(executorID)

	s.t.connsMu.Lock()
	hook := s.t.connectHook
	s.t.connsMu.Unlock()
	if hook != nil {
		hook(executorID, conn)
	}

	s.t.logger.WithField("executor_id", executorID).Info("worker connected")
	return conn.handleSendRecv(s.t)
}

func executorIDFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(executorIDMetadataKey); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Dial connects to the master at addr, identifying this process as
// executorID, and returns the resulting Conn. The caller owns the Conn's
// lifetime and must call Close to release the underlying gRPC connection.
func (t *Transport) Dial(ctx context.Context, addr, executorID string) (*Conn, error) {
	dialOpts := []grpc.DialOption{grpc.WithInsecure(), grpc.WithBlock()}
	if t.tracer != nil {
		dialOpts = append(dialOpts, grpc.WithStreamInterceptor(otgrpc.OpenTracingStreamClientInterceptor(t.tracer)))
	}
	cc, err := grpc.DialContext(ctx, addr, dialOpts...)
	if err != nil {
		return nil, xerrors.Errorf("control transport: unable to dial master: %w", err)
	}

	outCtx := metadata.AppendToOutgoingContext(context.Background(), executorIDMetadataKey, executorID)
	clientStream, err := cc.NewStream(outCtx, &controlServiceDesc.Streams[0], "/"+controlServiceName+"/Control", grpc.CallContentSubtype(gobCodecName))
	if err != nil {
		_ = cc.Close()
		return nil, xerrors.Errorf("control transport: unable to open control stream: %w", err)
	}

	conn := newConn(clientStream, t, executorID)
	conn.clientConn = cc
	t.addConn(executorID, conn)
	go func() { _ = conn.handleSendRecv(t) }()
	return conn, nil
}

func (t *Transport) addConn(id string, c *Conn) {
	t.connsMu.Lock()
	t.conns[id] = c
	t.connsMu.Unlock()
}

func (t *Transport) removeConn(id string) {
	t.connsMu.Lock()
	delete(t.conns, id)
	t.connsMu.Unlock()
}

// Conn returns the connection registered under id, if any. On the master
// this is an executor id; on a worker it is the executor's own id (the
// single connection to the master).
func (t *Transport) Conn(id string) (*Conn, bool) {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	c, ok := t.conns[id]
	return c, ok
}

// ConnIDs returns the executor ids currently connected, in no particular
// order. Used by the master's scheduling seam to pick among live workers.
func (t *Transport) ConnIDs() []string {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	return ids
}

// Close shuts down the server (if Serve was called) and every open
// connection.
func (t *Transport) Close() error {
	if t.listener != nil {
		_ = t.listener.Close()
	}
	if t.srv != nil {
		t.srv.GracefulStop()
	}

	t.connsMu.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[string]*Conn)
	t.connsMu.Unlock()

	for _, c := range conns {
		c.Close(nil)
	}
	return nil
}

// Conn represents one physical stream to a peer (a worker, from the master's
// perspective, or the master, from a worker's perspective), grounded on
// dbspgraph's remoteWorkerStream/remoteMasterStream pair.
type Conn struct {
	peerID     string
	stream     grpcStream
	clientConn interface{ Close() error }

	sendCh chan Envelope
	errCh  chan error
	doneCh chan struct{}

	ctx context.Context

	closeOnce sync.Once

	mu             sync.Mutex
	pending        map[string]chan interface{}
	onDisconnectFn func()
	disconnected   bool
}

func newConn(stream grpcStream, t *Transport, peerID string) *Conn {
	return &Conn{
		peerID:  peerID,
		stream:  stream,
		sendCh:  make(chan Envelope, 16),
		errCh:   make(chan error, 1),
		doneCh:  make(chan struct{}),
		pending: make(map[string]chan interface{}),
	}
}

// Context returns a context scoped to this connection's lifetime: it is
// cancelled as soon as the connection's receive loop exits, whether because
// the peer disconnected, the stream errored, or the server-side stream's
// own context was cancelled. Listeners dispatched before handleSendRecv
// runs (there are none in practice, but defensively) get
// context.Background() rather than a nil context.
func (c *Conn) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// handleSendRecv pumps the send and receive halves of the connection until
// the stream errors out, the connection is closed, or the context backing a
// server-side stream is cancelled.
func (c *Conn) handleSendRecv(t *Transport) error {
	ctx, cancel := context.WithCancel(context.Background())
	c.ctx = ctx
	defer cancel()
	go c.handleRecv(ctx, cancel, t)

	for {
		select {
		case env := <-c.sendCh:
			if err := c.stream.SendMsg(&env); err != nil {
				return err
			}
		case err, ok := <-c.errCh:
			if !ok {
				return nil
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Conn) handleRecv(ctx context.Context, cancel func(), t *Transport) {
	for {
		var env Envelope
		if err := c.stream.RecvMsg(&env); err != nil {
			c.handleDisconnect()
			cancel()
			return
		}

		if env.IsReply {
			c.mu.Lock()
			replyCh, ok := c.pending[env.RequestID]
			delete(c.pending, env.RequestID)
			c.mu.Unlock()
			if ok {
				replyCh <- env.Payload
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		t.dispatch(c, env)
	}
}

func (c *Conn) handleDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return
	}
	c.disconnected = true
	for reqID, ch := range c.pending {
		ch <- nil
		delete(c.pending, reqID)
	}
	if c.onDisconnectFn != nil {
		c.onDisconnectFn()
	}
}

// SetDisconnectCallback registers a callback invoked (at most once) when the
// peer disconnects. If the peer has already disconnected, cb runs
// immediately.
func (c *Conn) SetDisconnectCallback(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnectFn = cb
	if c.disconnected {
		cb()
	}
}

func (c *Conn) sendEnvelope(env Envelope) error {
	select {
	case c.sendCh <- env:
		return nil
	case <-c.doneCh:
		return ErrConnClosed
	}
}

// Send is the fire-and-forget half of C1: enqueue msg for delivery to
// listenerID on the peer without waiting for acknowledgement.
func (c *Conn) Send(listenerID string, msg interface{}) error {
	return c.sendEnvelope(Envelope{ListenerID: listenerID, Payload: msg})
}

// Request is the request/reply half of C1: it blocks until a reply arrives,
// ctx expires, or the connection closes.
func (c *Conn) Request(ctx context.Context, listenerID string, msg interface{}) (interface{}, error) {
	reqID := uuid.New().String()
	replyCh := make(chan interface{}, 1)

	c.mu.Lock()
	c.pending[reqID] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	if err := c.sendEnvelope(Envelope{ListenerID: listenerID, RequestID: reqID, Payload: msg}); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply == nil {
			return nil, ErrConnClosed
		}
		return reply, nil
	case <-ctx.Done():
		return nil, xerrors.Errorf("request to %q timed out: %w", listenerID, ctx.Err())
	case <-c.doneCh:
		return nil, ErrConnClosed
	}
}

// Close terminates the connection, propagating err (if non-nil) to the
// remote peer before closing the underlying stream.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		close(c.doneCh)
		if err != nil {
			c.errCh <- err
		}
		close(c.errCh)
		if c.clientConn != nil {
			_ = c.clientConn.Close()
		}
	})
}
