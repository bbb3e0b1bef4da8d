package workerside

import (
	"context"
	"testing"
	"time"

	"github.com/distflow/runtime/internal/controlpb"
	"github.com/distflow/runtime/internal/partition"
	"github.com/distflow/runtime/internal/partitionmgr"
	"github.com/distflow/runtime/internal/rpc"
)

func newTestMaster(t *testing.T) (*rpc.Transport, *partitionmgr.Manager, func()) {
	t.Helper()
	mgr := partitionmgr.New(nil)
	master := rpc.NewTransport(nil)
	if err := master.Serve("127.0.0.1:0"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	master.RegisterListener(rpc.ListenerMaster, func(_ context.Context, msg interface{}, reply func(interface{})) {
		switch m := msg.(type) {
		case *controlpb.BlockStateChanged:
			mgr.HandleBlockStateChanged(m)
		case *controlpb.RequestBlockLocation:
			mgr.HandleRequestBlockLocation(context.Background(), m, reply)
		}
	})
	return master, mgr, func() { _ = master.Close() }
}

func TestRetrieveBlocksUntilCommit(t *testing.T) {
	master, mgr, cleanup := newTestMaster(t)
	defer cleanup()

	mgr.InitializeState("e0#0", "tg-1")
	mgr.OnProducerTaskGroupScheduled("tg-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	worker := rpc.NewTransport(nil)
	conn, err := worker.Dial(ctx, master.Addr().String(), "exec-2")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(nil)

	facade := New("exec-2", conn, nil)

	resultCh := make(chan struct {
		loc string
		err error
	}, 1)
	go func() {
		retrieveCtx, retrieveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer retrieveCancel()
		loc, err := facade.Retrieve(retrieveCtx, "e0#0", "edge-1")
		resultCh <- struct {
			loc string
			err error
		}{loc, err}
	}()

	time.Sleep(100 * time.Millisecond)
	if err := mgr.OnPartitionStateChanged("e0#0", partition.StateCommitted, "exec-1", true); err != nil {
		t.Fatalf("commit: %v", err)
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("Retrieve: %v", res.err)
		}
		if res.loc != "exec-1" {
			t.Fatalf("expected location exec-1, got %q", res.loc)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Retrieve to resolve")
	}
}

func TestRetrieveFailsForAbsentPartition(t *testing.T) {
	master, mgr, cleanup := newTestMaster(t)
	defer cleanup()
	mgr.InitializeState("e0#0", "tg-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	worker := rpc.NewTransport(nil)
	conn, err := worker.Dial(ctx, master.Addr().String(), "exec-2")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(nil)

	facade := New("exec-2", conn, nil)
	retrieveCtx, retrieveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer retrieveCancel()
	if _, err := facade.Retrieve(retrieveCtx, "e0#0", "edge-1"); err == nil {
		t.Fatal("expected Retrieve on a READY partition to fail")
	}
}
