package outlet

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sourcegraph/conc/pool"

	"github.com/psdaq-go/ebcore/internal/batch"
	"github.com/psdaq-go/ebcore/internal/errs"
	"github.com/psdaq-go/ebcore/internal/fabric"
	"github.com/psdaq-go/ebcore/internal/observability"
)

// fanout posts one closed batch to every destination named in its
// destination list, concurrently, bounded by maxWorkers.
type fanout struct {
	transport  fabric.Fabric
	cellSize   int // maxBatchSize; remote offset = index * cellSize
	maxWorkers int
}

func newFanout(transport fabric.Fabric, cellSize, maxWorkers int) *fanout {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	return &fanout{transport: transport, cellSize: cellSize, maxWorkers: maxWorkers}
}

type postOutcome struct {
	dst uint8
	err error
}

// post writes b to every destination in b.Destinations. A transport
// failure for one destination is logged and that destination alone is
// dropped (CodeTransportTransient); post only returns an error once every
// destination has failed, since at that point nothing was delivered.
func (f *fanout) post(ctx context.Context, b *batch.Batch) error {
	dests := b.Destinations
	if len(dests) == 0 {
		return nil
	}

	payload := b.Payload()
	workerLimit := f.maxWorkers
	if workerLimit > len(dests) {
		workerLimit = len(dests)
	}

	outcomes := make([]postOutcome, len(dests))
	p := pool.New().WithMaxGoroutines(workerLimit)
	for idx, d := range dests {
		i, dest := idx, d
		p.Go(func() {
			remoteOffset := uint64(dest.Index) * uint64(f.cellSize)
			err := f.transport.Post(ctx, payload, dest.ID, remoteOffset)
			outcomes[i] = postOutcome{dst: dest.ID, err: err}
		})
	}
	p.Wait()

	var failedCount int
	for _, o := range outcomes {
		if o.err == nil {
			continue
		}
		failedCount++
		observability.Log().Error("outlet post failed",
			observability.Field{Key: "destination", Value: o.dst},
			observability.Field{Key: "window", Value: b.Window},
			observability.Field{Key: "error", Value: o.err.Error()},
		)
	}
	if failedCount == len(dests) {
		return errs.New("outlet.post", errs.CodeTransportTransient,
			errs.WithMessage(fmt.Sprintf("all %d destinations failed for window %#x", len(dests), b.Window)))
	}
	return nil
}
