package eventtable

import (
	"testing"

	"github.com/psdaq-go/ebcore/internal/capability"
	"github.com/psdaq-go/ebcore/internal/wire"
)

func frag(t *testing.T, pulseID uint64, producerID uint8, remoteIdx uint16, words []uint32) wire.Fragment {
	t.Helper()
	payload := make([]byte, len(words)*4)
	for i, w := range words {
		payload[i*4] = byte(w >> 24)
		payload[i*4+1] = byte(w >> 16)
		payload[i*4+2] = byte(w >> 8)
		payload[i*4+3] = byte(w)
	}
	h := wire.Header{PulseID: pulseID, SourceTag: wire.MakeSourceTag(producerID, remoteIdx), Extent: uint32(len(payload))}
	return wire.Fragment{Header: h, Payload: payload}
}

func TestSingleContributorTwoEvents(t *testing.T) {
	tbl := New(capability.Default(1, 5), 4)

	ready, dup := tbl.Insert(frag(t, 0x100, 0, 1, []uint32{0x1, 0, 0, 0, 0}), 0)
	if dup || len(ready) != 1 {
		t.Fatalf("expected immediate completion, got ready=%v dup=%v", ready, dup)
	}
	if ready[0].Header.PulseID != 0x100 || ready[0].Payload[0] != 0x1 {
		t.Fatalf("unexpected result: %+v", ready[0])
	}
	if len(ready[0].Destinations) != 1 || ready[0].Destinations[0] != (wire.Destination{ID: 0, Index: 1}) {
		t.Fatalf("unexpected destinations: %+v", ready[0].Destinations)
	}

	ready, dup = tbl.Insert(frag(t, 0x200, 0, 1, []uint32{0x2, 0, 0, 0, 0}), 0)
	if dup || len(ready) != 1 || ready[0].Header.PulseID != 0x200 {
		t.Fatalf("unexpected second result: ready=%v dup=%v", ready, dup)
	}
}

func TestTwoContributorsComplete(t *testing.T) {
	tbl := New(capability.Default(0b11, 5), 4)

	ready, dup := tbl.Insert(frag(t, 0x80, 0, 0, []uint32{0x1, 0, 0, 0, 0}), 0)
	if dup || len(ready) != 0 {
		t.Fatalf("expected event still open, got ready=%v dup=%v", ready, dup)
	}

	ready, dup = tbl.Insert(frag(t, 0x80, 1, 0, []uint32{0x0, 0x2, 0, 0, 0}), 1)
	if dup || len(ready) != 1 {
		t.Fatalf("expected completion, got ready=%v dup=%v", ready, dup)
	}
	got := ready[0]
	if got.Payload[0] != 0x1 || got.Payload[1] != 0x2 {
		t.Fatalf("unexpected reduced payload: %+v", got.Payload)
	}
	if len(got.Destinations) != 2 {
		t.Fatalf("expected 2 destinations, got %+v", got.Destinations)
	}
	if got.Damage {
		t.Fatal("expected no damage on a fully satisfied event")
	}
}

func TestMissingContributorTriggersFixup(t *testing.T) {
	var fixedUp []uint8
	caps := capability.Default(0b11, 5)
	caps.Fixup = func(key uint64, missing uint8) { fixedUp = append(fixedUp, missing) }

	tbl := New(caps, 2)
	ready, dup := tbl.Insert(frag(t, 0x80, 0, 0, []uint32{0x1, 0, 0, 0, 0}), 0)
	if dup || len(ready) != 0 {
		t.Fatalf("expected event open, got ready=%v dup=%v", ready, dup)
	}

	if ready := tbl.Tick(); len(ready) != 0 {
		t.Fatalf("expected no completion before timeout, got %v", ready)
	}
	ready = tbl.Tick()
	if len(ready) != 1 {
		t.Fatalf("expected forced completion after timeout, got %v", ready)
	}
	if !ready[0].Damage {
		t.Fatal("expected damage bit set")
	}
	if len(ready[0].Destinations) != 1 || ready[0].Destinations[0].ID != 0 {
		t.Fatalf("expected only producer 0 as destination, got %+v", ready[0].Destinations)
	}
	if len(fixedUp) != 1 || fixedUp[0] != 1 {
		t.Fatalf("expected fixup called for producer 1, got %v", fixedUp)
	}
}

func TestOutOfOrderCompletionEmitsInKeyOrder(t *testing.T) {
	tbl := New(capability.Default(0b11, 5), 10)

	// Event A (key 0x10) only gets its first contributor; event B (key
	// 0x20) completes fully before A does. B must not be emitted ahead of
	// A.
	if ready, _ := tbl.Insert(frag(t, 0x10, 0, 0, []uint32{1, 0, 0, 0, 0}), 0); len(ready) != 0 {
		t.Fatalf("expected A open, got %v", ready)
	}
	if ready, _ := tbl.Insert(frag(t, 0x20, 0, 0, []uint32{2, 0, 0, 0, 0}), 0); len(ready) != 0 {
		t.Fatalf("expected B open, got %v", ready)
	}
	if ready, _ := tbl.Insert(frag(t, 0x20, 1, 0, []uint32{0, 2, 0, 0, 0}), 1); len(ready) != 0 {
		t.Fatalf("expected B still held behind A, got %v", ready)
	}

	ready, _ := tbl.Insert(frag(t, 0x10, 1, 0, []uint32{0, 1, 0, 0, 0}), 1)
	if len(ready) != 2 {
		t.Fatalf("expected both A and B to drain once A completes, got %v", ready)
	}
	if ready[0].Header.PulseID != 0x10 || ready[1].Header.PulseID != 0x20 {
		t.Fatalf("expected ascending key order, got %#x then %#x", ready[0].Header.PulseID, ready[1].Header.PulseID)
	}
}

func TestDuplicateContributionIgnored(t *testing.T) {
	tbl := New(capability.Default(0b11, 5), 4)

	if ready, dup := tbl.Insert(frag(t, 0x80, 0, 0, []uint32{1, 0, 0, 0, 0}), 0); dup || len(ready) != 0 {
		t.Fatalf("unexpected first insert: ready=%v dup=%v", ready, dup)
	}
	ready, dup := tbl.Insert(frag(t, 0x80, 0, 0, []uint32{9, 0, 0, 0, 0}), 0)
	if !dup {
		t.Fatal("expected duplicate contribution to be flagged")
	}
	if len(ready) != 0 {
		t.Fatalf("duplicate must not complete the event: %v", ready)
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected event still pending, Len()=%d", tbl.Len())
	}
}

func TestDiscardAllDropsInFlightEventsWithoutFixup(t *testing.T) {
	called := false
	caps := capability.Default(0b11, 5)
	caps.Fixup = func(uint64, uint8) { called = true }

	tbl := New(caps, 4)
	tbl.Insert(frag(t, 0x80, 0, 0, []uint32{1, 0, 0, 0, 0}), 0)
	if tbl.Len() != 1 {
		t.Fatalf("expected one in-flight event, got %d", tbl.Len())
	}
	tbl.DiscardAll()
	if tbl.Len() != 0 {
		t.Fatalf("expected table empty after discard, got %d", tbl.Len())
	}
	if called {
		t.Fatal("expected no fixup calls on discard")
	}
}
