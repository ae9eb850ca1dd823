// Package builder runs the event builder's inlet loop: it pends batches
// from the fabric, dispatches each child fragment into the event table,
// and posts every Result the table emits to the outlet.
package builder

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/psdaq-go/ebcore/internal/capability"
	"github.com/psdaq-go/ebcore/internal/errs"
	"github.com/psdaq-go/ebcore/internal/eventtable"
	"github.com/psdaq-go/ebcore/internal/fabric"
	"github.com/psdaq-go/ebcore/internal/observability"
	"github.com/psdaq-go/ebcore/internal/wire"
)

// Poster is the subset of the outlet the builder depends on: accept a
// finished Result, accumulate it into an outbound batch.
type Poster interface {
	Post(ctx context.Context, result wire.Result) error
}

// Builder runs the inlet side of the event builder: one goroutine that
// pends inbound batches, feeds their fragments to an eventtable.Table, and
// posts completed Results onward. The event table is single-threaded by
// contract; tableMu lets Tick be driven from a separate timer goroutine
// without the caller having to serialize it with Run by hand.
type Builder struct {
	transport fabric.Fabric
	table     *eventtable.Table
	outlet    Poster
	verbose   *rate.Limiter
	tableMu   sync.Mutex
}

// Config bundles the construction parameters for a Builder.
type Config struct {
	Transport     fabric.Fabric
	Capabilities  capability.Capabilities
	TimeoutEpochs uint64
	Outlet        Poster
	// VerboseRate bounds how often diagnostic per-fragment/per-batch
	// tracing is allowed to fire when verbose logging is enabled; zero
	// disables tracing altogether.
	VerboseRate rate.Limit
}

// New constructs a Builder.
func New(cfg Config) *Builder {
	var limiter *rate.Limiter
	if cfg.VerboseRate > 0 {
		limiter = rate.NewLimiter(cfg.VerboseRate, 1)
	}
	return &Builder{
		transport: cfg.Transport,
		table:     eventtable.New(cfg.Capabilities, cfg.TimeoutEpochs),
		outlet:    cfg.Outlet,
		verbose:   limiter,
	}
}

// Run blocks pending batches from the fabric until ctx is done or Pend
// returns a nil buffer (the fabric has been shut down). Every suspension
// point here is one named in the design: fabric.Pend, event-table
// insertion never blocks, and Outlet.Post may block on pool exhaustion.
func (b *Builder) Run(ctx context.Context) error {
	for {
		buf, err := b.transport.Pend(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("builder: pend: %w", err)
		}
		if buf == nil {
			return nil
		}

		if err := b.ingestBatch(ctx, buf); err != nil {
			if e, ok := err.(*errs.E); ok && e.Code == errs.CodeProtocol {
				observability.Log().Error("malformed batch dropped",
					observability.Field{Key: "error", Value: e.Error()},
				)
				continue
			}
			return err
		}
	}
}

// Tick advances the event table's expiry epoch, force-completing any event
// that has outlived its timeout, and posts whatever that produces. Safe to
// call from a goroutine other than the one running Run.
func (b *Builder) Tick(ctx context.Context) error {
	b.tableMu.Lock()
	ready := b.table.Tick()
	b.tableMu.Unlock()
	return b.emit(ctx, ready)
}

// Shutdown discards any events still in progress without running Fixup,
// matching the cancellation contract. Safe to call concurrently with Run.
func (b *Builder) Shutdown() {
	b.tableMu.Lock()
	defer b.tableMu.Unlock()
	b.table.DiscardAll()
}

func (b *Builder) ingestBatch(ctx context.Context, buf []byte) error {
	batchHeader, err := wire.DecodeHeader(buf)
	if err != nil {
		return errs.New("builder.ingest", errs.CodeProtocol, errs.WithMessage("malformed batch header"), errs.WithCause(err))
	}
	end := wire.HeaderSize + int(batchHeader.Extent)
	if end > len(buf) {
		return errs.New("builder.ingest", errs.CodeProtocol, errs.WithMessage("batch extent exceeds buffer"))
	}
	children, err := wire.Children(buf[wire.HeaderSize:end])
	if err != nil {
		return errs.New("builder.ingest", errs.CodeProtocol, errs.WithMessage("malformed batch"), errs.WithCause(err))
	}
	for _, frag := range children {
		producerID := frag.Header.ProducerID()
		b.tableMu.Lock()
		ready, duplicate := b.table.Insert(frag, producerID)
		b.tableMu.Unlock()
		if duplicate {
			observability.Log().Error("duplicate contribution ignored",
				observability.Field{Key: "pulse_id", Value: frag.Header.PulseID},
				observability.Field{Key: "producer_id", Value: producerID},
			)
			continue
		}
		b.traceFragment(frag, producerID)
		if err := b.emit(ctx, ready); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) emit(ctx context.Context, results []wire.Result) error {
	for _, result := range results {
		if err := b.outlet.Post(ctx, result); err != nil {
			return fmt.Errorf("builder: post result: %w", err)
		}
		b.traceResult(result)
	}
	return nil
}

func (b *Builder) traceFragment(frag wire.Fragment, producerID uint8) {
	if b.verbose == nil || !b.verbose.Allow() {
		return
	}
	observability.Log().Debug("fragment received",
		observability.Field{Key: "pulse_id", Value: frag.Header.PulseID},
		observability.Field{Key: "producer_id", Value: producerID},
		observability.Field{Key: "extent", Value: frag.Header.Extent},
	)
}

func (b *Builder) traceResult(result wire.Result) {
	if b.verbose == nil || !b.verbose.Allow() {
		return
	}
	observability.Log().Debug("result posted",
		observability.Field{Key: "pulse_id", Value: result.Header.PulseID},
		observability.Field{Key: "destinations", Value: len(result.Destinations)},
		observability.Field{Key: "damage", Value: result.Damage},
	)
}
