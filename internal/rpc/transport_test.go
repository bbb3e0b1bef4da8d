package rpc

import (
	"context"
	"encoding/gob"
	"testing"
	"time"

	gc "gopkg.in/check.v1"
)

func Test(t *testing.T) { gc.TestingT(t) }

var _ = gc.Suite(new(TransportTestSuite))

type TransportTestSuite struct{}

type pingMsg struct{ Text string }
type pongMsg struct{ Text string }

func init() {
	// Concrete types carried in Envelope.Payload must be gob-registered,
	// exactly as internal/controlpb registers its own message types.
	gob.Register(&pingMsg{})
	gob.Register(&pongMsg{})
}

func (s *TransportTestSuite) TestSendIsDeliveredToListener(c *gc.C) {
	master := NewTransport(nil)
	c.Assert(master.Serve("127.0.0.1:0"), gc.IsNil)
	defer func() { _ = master.Close() }()

	received := make(chan interface{}, 1)
	master.RegisterListener(ListenerMaster, func(_ context.Context, msg interface{}, reply func(interface{})) {
		received <- msg
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	worker := NewTransport(nil)
	conn, err := worker.Dial(ctx, master.Addr().String(), "executor-1")
	c.Assert(err, gc.IsNil)
	defer conn.Close(nil)

	c.Assert(conn.Send(ListenerMaster, &pingMsg{Text: "hello"}), gc.IsNil)

	select {
	case msg := <-received:
		c.Assert(msg.(*pingMsg).Text, gc.Equals, "hello")
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for message")
	}
}

func (s *TransportTestSuite) TestRequestReceivesReply(c *gc.C) {
	master := NewTransport(nil)
	c.Assert(master.Serve("127.0.0.1:0"), gc.IsNil)
	defer func() { _ = master.Close() }()

	master.RegisterListener(ListenerMaster, func(_ context.Context, msg interface{}, reply func(interface{})) {
		ping := msg.(*pingMsg)
		reply(&pongMsg{Text: ping.Text + "-pong"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	worker := NewTransport(nil)
	conn, err := worker.Dial(ctx, master.Addr().String(), "executor-1")
	c.Assert(err, gc.IsNil)
	defer conn.Close(nil)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	reply, err := conn.Request(reqCtx, ListenerMaster, &pingMsg{Text: "hello"})
	c.Assert(err, gc.IsNil)
	c.Assert(reply.(*pongMsg).Text, gc.Equals, "hello-pong")
}

func (s *TransportTestSuite) TestRequestTimesOutWithoutReply(c *gc.C) {
	master := NewTransport(nil)
	c.Assert(master.Serve("127.0.0.1:0"), gc.IsNil)
	defer func() { _ = master.Close() }()

	master.RegisterListener(ListenerMaster, func(_ context.Context, msg interface{}, reply func(interface{})) {
		// Never reply.
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	worker := NewTransport(nil)
	conn, err := worker.Dial(ctx, master.Addr().String(), "executor-1")
	c.Assert(err, gc.IsNil)
	defer conn.Close(nil)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer reqCancel()
	_, err = conn.Request(reqCtx, ListenerMaster, &pingMsg{Text: "hello"})
	c.Assert(err, gc.ErrorMatches, ".*timed out.*")
}

func (s *TransportTestSuite) TestDisconnectCallbackFiresOnWorkerExit(c *gc.C) {
	master := NewTransport(nil)
	c.Assert(master.Serve("127.0.0.1:0"), gc.IsNil)
	defer func() { _ = master.Close() }()

	disconnected := make(chan struct{})
	master.RegisterListener(ListenerMaster, func(_ context.Context, msg interface{}, reply func(interface{})) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	worker := NewTransport(nil)
	conn, err := worker.Dial(ctx, master.Addr().String(), "executor-1")
	c.Assert(err, gc.IsNil)

	c.Assert(conn.Send(ListenerMaster, &pingMsg{Text: "hi"}), gc.IsNil)
	time.Sleep(100 * time.Millisecond)

	masterConn, ok := master.Conn("executor-1")
	c.Assert(ok, gc.Equals, true)
	masterConn.SetDisconnectCallback(func() { close(disconnected) })

	conn.Close(nil)

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for disconnect callback")
	}
}
