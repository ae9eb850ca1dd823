package batch

import (
	"context"
	"fmt"

	"github.com/psdaq-go/ebcore/internal/pool"
	"github.com/psdaq-go/ebcore/internal/wire"
)

// CloseFunc receives a batch the instant it closes, still on the caller's
// goroutine; it is expected to hand the batch off (e.g. enqueue it for a
// transmit worker) rather than block on transmission itself.
type CloseFunc func(context.Context, *Batch) error

// Manager owns one pool of batch-sized cells and packs appended Results
// into the open batch, closing it per the windowing rule: a new window, a
// full entry count, or a destination-set change (beyond what the first
// Result in the batch established) all force a close.
type Manager struct {
	pool          *pool.Pool
	batchDuration uint64
	maxEntries    int
	onClose       CloseFunc

	current *Batch
}

// CellSize computes the pool cell size needed to hold one batch header
// plus up to maxEntries Results, each with up to maxPayloadWords payload
// words and up to maxDestinations destinations.
func CellSize(maxEntries, maxPayloadWords, maxDestinations int) int {
	return wire.HeaderSize + maxEntries*wire.EncodedSize(maxPayloadWords, maxDestinations)
}

// NewManager constructs a Manager over p. batchDuration must be a power of
// two number of sequence-key units; maxEntries bounds entries per batch.
func NewManager(p *pool.Pool, batchDuration uint64, maxEntries int, onClose CloseFunc) *Manager {
	if batchDuration == 0 || batchDuration&(batchDuration-1) != 0 {
		panic(fmt.Sprintf("batch: batchDuration %d is not a power of two", batchDuration))
	}
	if maxEntries <= 0 {
		panic("batch: maxEntries must be positive")
	}
	return &Manager{pool: p, batchDuration: batchDuration, maxEntries: maxEntries, onClose: onClose}
}

// Process appends result to the currently open batch, opening or closing
// batches as the windowing rule requires. It may block on pool allocation
// when every batch cell is in flight; this is the backpressure path the
// core relies on instead of per-fragment flow control.
func (m *Manager) Process(ctx context.Context, result wire.Result) error {
	window := wire.Window(result.Header.PulseID, m.batchDuration)

	needsNew := m.current == nil
	if !needsNew {
		switch {
		case m.current.Window != window:
			needsNew = true
		case m.current.Entries >= m.maxEntries:
			needsNew = true
		case !isSubset(result.Destinations, m.current.Destinations):
			needsNew = true
		}
	}

	if needsNew {
		if m.current != nil {
			if err := m.closeCurrent(ctx); err != nil {
				return err
			}
		}
		cell, idx, err := m.pool.Alloc(ctx)
		if err != nil {
			return fmt.Errorf("batch: alloc: %w", err)
		}
		m.current = &Batch{
			Index:        idx,
			Window:       window,
			Destinations: append([]wire.Destination(nil), result.Destinations...),
			cell:         cell,
		}
	}

	return m.append(result)
}

// Flush closes the currently open batch, if any, without waiting for the
// next window or entry-count boundary.
func (m *Manager) Flush(ctx context.Context) error {
	if m.current == nil {
		return nil
	}
	return m.closeCurrent(ctx)
}

func (m *Manager) append(result wire.Result) error {
	b := m.current
	off := wire.HeaderSize + b.extent
	need := wire.EncodedSize(len(result.Payload), len(result.Destinations))
	if off+need > len(b.cell) {
		return fmt.Errorf("batch: result of %d bytes does not fit remaining batch cell (%d of %d used)", need, off, len(b.cell))
	}
	n, err := result.Encode(b.cell[off:])
	if err != nil {
		return fmt.Errorf("batch: encode result: %w", err)
	}
	b.extent += n
	b.Entries++
	return nil
}

func (m *Manager) closeCurrent(ctx context.Context) error {
	b := m.current
	m.current = nil

	header := wire.Header{PulseID: b.Window, Extent: uint32(b.extent)}
	if err := header.Encode(b.cell[:wire.HeaderSize]); err != nil {
		return fmt.Errorf("batch: encode batch header: %w", err)
	}
	return m.onClose(ctx, b)
}

// isSubset reports whether every destination in sub also appears in
// superset, enforcing the invariant that a batch's destination set is fixed
// by the first Result placed into it.
func isSubset(sub, superset []wire.Destination) bool {
	if len(sub) == 0 {
		return true
	}
	set := make(map[wire.Destination]struct{}, len(superset))
	for _, d := range superset {
		set[d] = struct{}{}
	}
	for _, d := range sub {
		if _, ok := set[d]; !ok {
			return false
		}
	}
	return true
}
