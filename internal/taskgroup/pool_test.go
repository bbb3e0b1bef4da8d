package taskgroup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := NewPool(2)

	var (
		current int32
		maxSeen int32
	)
	run := func() error {
		n := atomic.AddInt32(&current, 1)
		for {
			m := atomic.LoadInt32(&maxSeen)
			if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return nil
	}

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_ = pool.Run(context.Background(), func(ctx context.Context) error { return run() })
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	if maxSeen > 2 {
		t.Fatalf("observed %d concurrent executions, want at most 2", maxSeen)
	}
}

func TestPool_RunRespectsContextCancellation(t *testing.T) {
	pool := NewPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Hold the only slot, then try to acquire on an already-cancelled ctx.
	release := make(chan struct{})
	go func() {
		_ = pool.Run(context.Background(), func(context.Context) error {
			<-release
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	err := pool.Run(ctx, func(context.Context) error { return nil })
	close(release)
	if err == nil {
		t.Fatal("expected Run to fail on an already-cancelled context while the pool is saturated")
	}
}
