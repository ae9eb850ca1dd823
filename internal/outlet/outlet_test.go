package outlet

import (
	"context"
	"testing"
	"time"

	"github.com/psdaq-go/ebcore/internal/batch"
	"github.com/psdaq-go/ebcore/internal/fabric"
	"github.com/psdaq-go/ebcore/internal/pool"
	"github.com/psdaq-go/ebcore/internal/wire"
)

func TestPostAndTransmit(t *testing.T) {
	cellSize := batch.CellSize(4, 1, 2)
	p := pool.New("test", 2, cellSize)
	lb := fabric.NewLoopback(4)

	o := New(Config{Pool: p, Transport: lb, BatchDuration: 0x1000, MaxEntries: 4, Name: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- o.Run(ctx) }()

	result := wire.Result{
		Header:       wire.Header{PulseID: 0x10},
		Destinations: []wire.Destination{{ID: 0, Index: 3}},
		Payload:      []uint32{0x42},
	}
	if err := o.Post(ctx, result); err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := o.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var posts []fabric.Post_
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if posts = lb.Drain(); len(posts) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(posts) != 1 {
		t.Fatalf("expected exactly one post, got %d", len(posts))
	}
	if posts[0].Dst != 0 || posts[0].RemoteOffset != uint64(3)*uint64(cellSize) {
		t.Fatalf("unexpected post: %+v", posts[0])
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestBackpressureBlocksSecondBatchUntilFirstFreed(t *testing.T) {
	cellSize := batch.CellSize(1, 1, 2)
	p := pool.New("test", 1, cellSize)
	lb := fabric.NewLoopback(4)

	o := New(Config{Pool: p, Transport: lb, BatchDuration: 0x1000, MaxEntries: 1, Name: "test"})

	ctx := context.Background()
	if err := o.Post(ctx, wire.Result{Header: wire.Header{PulseID: 0x10}, Destinations: []wire.Destination{{ID: 0}}}); err != nil {
		t.Fatalf("post 1: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		// maxEntries==1 forces the manager to close batch A here and try
		// to open batch B, which must block: the single cell is still
		// held by A since Run hasn't started draining yet.
		done <- o.Post(ctx, wire.Result{Header: wire.Header{PulseID: 0x20}, Destinations: []wire.Destination{{ID: 0}}})
	}()

	select {
	case <-done:
		t.Fatal("second post completed before the pool had a free cell")
	case <-time.After(20 * time.Millisecond):
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(runCtx)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second post: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second post never unblocked once the outlet began draining")
	}
}
