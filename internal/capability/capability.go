// Package capability defines the customization surface the event builder
// loop is parameterized over, replacing what the source expressed with
// virtual dispatch on a subclass.
package capability

import "github.com/psdaq-go/ebcore/internal/wire"

// Capabilities bundles the three behaviors a deployment supplies to the
// event builder: which producers are required for an event, what to do with
// a completed event, and how to patch up one that timed out short of its
// contract. No type hierarchy is needed; each field is an independent
// function value with its own contract.
type Capabilities struct {
	// Contract returns the bitmask of producer ids required for the event
	// the creator fragment belongs to. Called once, when the creator
	// fragment arrives. Must accept per-event variability: a deployment
	// with multiple read-out groups looks at the fragment's header to
	// decide which group's contract applies.
	Contract func(creator wire.Fragment) uint64

	// Process is invoked once an event's remaining bitmask has reached
	// zero (or been force-cleared by Fixup), with every contribution that
	// arrived. It must return the Result to hand to the outlet.
	Process func(event CompletedEvent) wire.Result

	// Fixup is invoked once per missing producer when an event is forced
	// to complete by timeout, before Process runs. Implementations use it
	// to record which bits never arrived; it does not itself emit
	// anything.
	Fixup func(key uint64, missingProducer uint8)
}

// Contribution is one arrived fragment as the capability's Process sees it:
// a view into registered memory plus the producer slot it arrived from.
type Contribution struct {
	ProducerID uint8
	Fragment   wire.Fragment
}

// CompletedEvent is the read-only view of an event handed to Process. It
// carries everything needed to build a Result without exposing the table's
// internal storage.
type CompletedEvent struct {
	Key           uint64
	Contract      uint64
	Missing       uint64 // contract bits that never arrived; zero unless Damage
	Damage        bool
	Creator       wire.Fragment
	Contributions []Contribution // arrival order
}

// Default returns the reference capability set: a single fixed contract,
// bitwise-OR reduction of arrived payload words (matching the reference
// build's "sum" placeholder), and a no-op Fixup: the missing bits reach the
// Result through the completed event's Missing/Damage fields instead.
func Default(contract uint64, resultExtentWords int) Capabilities {
	return Capabilities{
		Contract: func(wire.Fragment) uint64 { return contract },
		Process: func(ev CompletedEvent) wire.Result {
			return reduce(ev, resultExtentWords)
		},
		Fixup: func(uint64, uint8) {},
	}
}

// reduce implements the reference reduction: payload words OR-ed together
// across every contribution, zero-padded/truncated to resultExtentWords.
func reduce(ev CompletedEvent, resultExtentWords int) wire.Result {
	buffer := make([]uint32, resultExtentWords)
	dests := make([]wire.Destination, 0, len(ev.Contributions))

	for _, c := range ev.Contributions {
		dests = append(dests, wire.Destination{
			ID:    c.ProducerID,
			Index: c.Fragment.Header.RemoteIndex(),
		})
		words := c.Fragment.PayloadWords()
		for i := 0; i < len(words) && i < len(buffer); i++ {
			buffer[i] |= words[i]
		}
	}

	return wire.Result{
		Header:       ev.Creator.Header,
		Destinations: dests,
		Payload:      buffer,
		Damage:       ev.Damage,
		Missing:      ev.Missing,
	}
}
