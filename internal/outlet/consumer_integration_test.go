package outlet

import (
	"context"
	"testing"
	"time"

	"github.com/psdaq-go/ebcore/internal/batch"
	"github.com/psdaq-go/ebcore/internal/fabric"
	"github.com/psdaq-go/ebcore/internal/pool"
	"github.com/psdaq-go/ebcore/internal/shmem"
	"github.com/psdaq-go/ebcore/internal/wire"
)

// TestConsumerDrainsWhatTheOutletPublishes exercises the full local loop an
// EB deployment's own downstream reader would see: the outlet posts a
// batch over the fabric, a bridge goroutine republishes each posted frame
// into a shmem.Fake (standing in for the shared-memory hop the production
// deployment uses instead), and a consumer goroutine drains it with Get/Free.
func TestConsumerDrainsWhatTheOutletPublishes(t *testing.T) {
	cellSize := batch.CellSize(4, 1, 2)
	p := pool.New("test", 2, cellSize)
	lb := fabric.NewLoopback(4)
	consumer := shmem.NewFake(4)
	if err := consumer.Connect("ebcore", 0); err != nil {
		t.Fatalf("connect consumer: %v", err)
	}

	o := New(Config{Pool: p, Transport: lb, BatchDuration: 0x1000, MaxEntries: 4, Name: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		for {
			posts := lb.Drain()
			for _, post := range posts {
				if _, err := consumer.Publish(post.Payload); err != nil {
					t.Errorf("publish to consumer: %v", err)
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()

	result := wire.Result{
		Header:       wire.Header{PulseID: 0x10},
		Destinations: []wire.Destination{{ID: 0, Index: 1}},
		Payload:      []uint32{0xABCD},
	}
	if err := o.Post(ctx, result); err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := o.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	getCtx, getCancel := context.WithTimeout(context.Background(), time.Second)
	defer getCancel()
	idx, data, err := consumer.Get(getCtx)
	if err != nil {
		t.Fatalf("consumer get: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty published frame")
	}
	if err := consumer.Free(idx, len(data)); err != nil {
		t.Fatalf("consumer free: %v", err)
	}

	cancel()
	<-bridgeDone
}
