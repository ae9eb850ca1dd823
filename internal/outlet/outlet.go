package outlet

import (
	"context"
	"fmt"

	"github.com/psdaq-go/ebcore/internal/batch"
	"github.com/psdaq-go/ebcore/internal/fabric"
	"github.com/psdaq-go/ebcore/internal/observability"
	"github.com/psdaq-go/ebcore/internal/pool"
	"github.com/psdaq-go/ebcore/internal/wire"
)

// Outlet is, per the design it is grounded on, two roles in one: a
// batch.Manager for Result datagrams, and the transmit worker that drains
// closed batches and posts each to every destination it owes. The builder
// thread only ever calls Post; the transmit loop runs on its own
// goroutine, decoupled by a buffered channel acting as the queue +
// counting semaphore described for the reference design.
type Outlet struct {
	manager *batch.Manager
	pool    *pool.Pool
	fanout  *fanout
	pending chan *batch.Batch
	metrics *observability.RuntimeMetrics
	name    string
}

// Config bundles the construction parameters for an Outlet.
type Config struct {
	Pool          *pool.Pool
	Transport     fabric.Fabric
	BatchDuration uint64
	MaxEntries    int
	QueueDepth    int // pending-batch channel capacity; 0 defaults to Pool.Capacity()
	MaxWorkers    int // fan-out concurrency per batch; 0 defaults to GOMAXPROCS
	Name          string
	Metrics       *observability.RuntimeMetrics
}

// New constructs an Outlet. The pending queue is sized to the pool's
// capacity by default: there is never a point buffering more batches than
// there are cells to hold them.
func New(cfg Config) *Outlet {
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = cfg.Pool.Capacity()
	}
	name := cfg.Name
	if name == "" {
		name = "outlet"
	}

	o := &Outlet{
		pool:    cfg.Pool,
		fanout:  newFanout(cfg.Transport, cfg.Pool.CellSize(), cfg.MaxWorkers),
		pending: make(chan *batch.Batch, queueDepth),
		metrics: cfg.Metrics,
		name:    name,
	}
	o.manager = batch.NewManager(cfg.Pool, cfg.BatchDuration, cfg.MaxEntries, o.onClose)
	return o
}

// Post appends result to the current outbound batch. It may block on pool
// allocation (backpressure) and, more rarely, on the pending queue if the
// transmit side has fallen far behind.
func (o *Outlet) Post(ctx context.Context, result wire.Result) error {
	return o.manager.Process(ctx, result)
}

// Flush closes the currently open batch without waiting for the next
// window or entry-count boundary, e.g. on shutdown.
func (o *Outlet) Flush(ctx context.Context) error {
	return o.manager.Flush(ctx)
}

// onClose is the batch.Manager close callback: it hands the batch to the
// pending queue and returns immediately. It runs on the builder thread, so
// it must never block on transmission itself.
func (o *Outlet) onClose(ctx context.Context, b *batch.Batch) error {
	select {
	case o.pending <- b:
		if o.metrics != nil {
			o.metrics.RecordPoolAvailable(o.name, o.pool.Available())
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outlet: enqueue batch: %w", ctx.Err())
	}
}

// Run drains closed batches and transmits each to every destination it
// owes, freeing the batch's pool cell once every post attempt has
// resolved. When ctx is done it frees every still-queued batch without
// transmitting it and returns; after Close it keeps transmitting the
// batches already queued and returns once the queue is empty.
func (o *Outlet) Run(ctx context.Context) error {
	for {
		select {
		case b, ok := <-o.pending:
			if !ok {
				return nil
			}
			if err := o.fanout.post(ctx, b); err != nil {
				observability.Log().Error("outlet: batch delivery failed",
					observability.Field{Key: "window", Value: b.Window},
					observability.Field{Key: "error", Value: err.Error()},
				)
			}
			o.pool.Free(b.Index)
		case <-ctx.Done():
			return drainOnShutdown(o)
		}
	}
}

// drainOnShutdown frees every batch still sitting in the pending queue
// without attempting to transmit it, matching the cancellation contract:
// shutdown does not wait for outstanding transmission to complete.
func drainOnShutdown(o *Outlet) error {
	for {
		select {
		case b, ok := <-o.pending:
			if !ok {
				return nil
			}
			o.pool.Free(b.Index)
		default:
			return nil
		}
	}
}

// Close stops accepting new batches; Run returns once the queue drains.
func (o *Outlet) Close() {
	close(o.pending)
}
