package eventtable

import (
	"container/list"

	"github.com/psdaq-go/ebcore/internal/capability"
	"github.com/psdaq-go/ebcore/internal/wire"
)

// Table accumulates fragments into events keyed by pulse id. It is
// single-threaded by contract: Insert, Tick and DiscardAll must be called
// from the same goroutine or otherwise serialized by the caller; the table
// does no internal locking.
type Table struct {
	caps          capability.Capabilities
	timeoutEpochs uint64
	epoch         uint64

	events map[uint64]*event
	order  *list.List // *event, sorted ascending by key
}

// New constructs an empty table. timeoutEpochs is the number of Tick calls
// an incomplete event may survive before it is force-completed.
func New(caps capability.Capabilities, timeoutEpochs uint64) *Table {
	if timeoutEpochs == 0 {
		timeoutEpochs = 1
	}
	return &Table{
		caps:          caps,
		timeoutEpochs: timeoutEpochs,
		events:        make(map[uint64]*event),
		order:         list.New(),
	}
}

// Insert dispatches one fragment into its event, creating the event on
// first arrival. duplicate is true when the producer had already
// contributed to this event (or is not a member of its contract); the
// fragment is ignored in that case. ready holds zero or more Results now
// eligible for emission, in ascending key order.
func (t *Table) Insert(frag wire.Fragment, producerID uint8) (ready []wire.Result, duplicate bool) {
	key := frag.Header.PulseID
	contribution := capability.Contribution{ProducerID: producerID, Fragment: frag}

	ev, ok := t.events[key]
	if !ok {
		contract := t.caps.Contract(frag)
		ev = &event{
			key:       key,
			contract:  contract,
			remaining: contract,
			epoch:     t.epoch,
			creator:   contribution,
		}
		t.events[key] = ev
		t.insertSorted(ev)
	}

	if !ev.contribute(contribution) {
		return nil, true
	}
	return t.drainReady(), false
}

// Tick advances the expiry epoch by one and force-completes any event that
// has outlived timeoutEpochs without satisfying its contract. Returns any
// Results now eligible for emission, in ascending key order.
func (t *Table) Tick() []wire.Result {
	t.epoch++
	for _, ev := range t.events {
		if ev.complete() {
			continue
		}
		if t.epoch-ev.epoch >= t.timeoutEpochs {
			t.forceComplete(ev)
		}
	}
	return t.drainReady()
}

// Len reports the number of events currently in progress.
func (t *Table) Len() int { return len(t.events) }

// DiscardAll drops every in-progress event without calling Fixup or
// Process, matching the shutdown contract: in-flight events are discarded,
// not force-completed.
func (t *Table) DiscardAll() {
	t.events = make(map[uint64]*event)
	t.order.Init()
}

func (t *Table) forceComplete(ev *event) {
	missing := ev.remaining
	for bit := uint8(0); bit < 64; bit++ {
		if missing&(uint64(1)<<bit) != 0 {
			t.caps.Fixup(ev.key, bit)
		}
	}
	ev.damage = true
	ev.missingAtCompletion = missing
	ev.remaining = 0
}

// drainReady emits every event at the head of the order list that has
// completed, stopping at the first one still in progress so that emission
// never skips ahead of an older, unfinished key.
func (t *Table) drainReady() []wire.Result {
	var ready []wire.Result
	for front := t.order.Front(); front != nil; front = t.order.Front() {
		ev := front.Value.(*event)
		if !ev.complete() {
			break
		}
		t.order.Remove(front)
		delete(t.events, ev.key)
		ready = append(ready, t.caps.Process(ev.completedView()))
	}
	return ready
}

// insertSorted inserts ev into the order list, maintaining ascending key
// order. Producer streams arrive in key order already, so scanning from the
// tail typically finds the insertion point in O(1).
func (t *Table) insertSorted(ev *event) {
	for e := t.order.Back(); e != nil; e = e.Prev() {
		if e.Value.(*event).key <= ev.key {
			t.order.InsertAfter(ev, e)
			return
		}
	}
	t.order.PushFront(ev)
}

func (e *event) completedView() capability.CompletedEvent {
	return capability.CompletedEvent{
		Key:           e.key,
		Contract:      e.contract,
		Missing:       e.missingAtCompletion,
		Damage:        e.damage,
		Creator:       e.creator.Fragment,
		Contributions: e.arrived,
	}
}
