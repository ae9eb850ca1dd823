// Package batch packs Results into pool-backed outbound batches, closing
// them on a time-window boundary, an entry-count limit, or a
// destination-set change, and handing closed batches to a transmit
// callback.
package batch

import "github.com/psdaq-go/ebcore/internal/wire"

// Batch is one closed, ready-to-post outbound datagram: a header datagram
// (sequence key = the window lower bound) followed by the child Results
// packed back-to-back, all within one pool cell. Index is the cell's dense
// index in the local batch pool, freed once the batch is transmitted; the
// remote offset of each post comes from the destination's own Index.
type Batch struct {
	Index        int
	Window       uint64
	Entries      int
	Destinations []wire.Destination // the first Result's destination set

	cell   []byte
	extent int // bytes of child payload, excluding the batch header
}

// Payload returns the full on-the-fabric datagram: header plus children.
func (b *Batch) Payload() []byte { return b.cell[:wire.HeaderSize+b.extent] }

// Extent returns the number of payload bytes following the batch header.
func (b *Batch) Extent() int { return b.extent }
