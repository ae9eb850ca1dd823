// Package eventtable accumulates fragments into events keyed by sequence
// number, detects completion, and times out events a contributor never
// finished.
package eventtable

import "github.com/psdaq-go/ebcore/internal/capability"

// event is one accumulator, keyed by sequence number. It replaces the
// source's intrusive doubly-linked contribution ring with a plain slice
// indexed by arrival order; there is no pointer chasing left to remove.
type event struct {
	key       uint64
	contract  uint64
	remaining uint64
	epoch     uint64 // creation epoch, for timeout comparison
	creator   capability.Contribution
	arrived   []capability.Contribution // arrival order, creator first

	damage              bool   // set when force-completed by timeout
	missingAtCompletion uint64 // contract bits never satisfied, valid iff damage
}

// complete reports whether every contracted producer has contributed.
func (e *event) complete() bool { return e.remaining == 0 }

// contribute clears c's producer bit and appends it to the arrival order.
// Returns false if the producer already contributed (a protocol violation,
// logged and ignored by the caller).
func (e *event) contribute(c capability.Contribution) bool {
	bit := uint64(1) << uint(c.ProducerID&0x3f)
	if e.remaining&bit == 0 {
		return false
	}
	e.remaining &^= bit
	e.arrived = append(e.arrived, c)
	return true
}

// missing returns the contract bits that never arrived.
func (e *event) missing() uint64 { return e.remaining }
