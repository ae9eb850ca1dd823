package builder

import (
	"context"
	"testing"
	"time"

	"github.com/psdaq-go/ebcore/internal/capability"
	"github.com/psdaq-go/ebcore/internal/fabric"
	"github.com/psdaq-go/ebcore/internal/wire"
)

// recordingPoster collects every Result posted to it, for assertions.
type recordingPoster struct {
	results chan wire.Result
}

func newRecordingPoster(buf int) *recordingPoster {
	return &recordingPoster{results: make(chan wire.Result, buf)}
}

func (p *recordingPoster) Post(_ context.Context, result wire.Result) error {
	p.results <- result
	return nil
}

func encodeFragment(t *testing.T, pulseID uint64, producerID uint8, remoteIdx uint16, words []uint32) []byte {
	t.Helper()
	payload := make([]byte, len(words)*4)
	for i, w := range words {
		payload[i*4] = byte(w >> 24)
		payload[i*4+1] = byte(w >> 16)
		payload[i*4+2] = byte(w >> 8)
		payload[i*4+3] = byte(w)
	}
	h := wire.Header{PulseID: pulseID, SourceTag: wire.MakeSourceTag(producerID, remoteIdx), Extent: uint32(len(payload))}
	buf := make([]byte, wire.HeaderSize+len(payload))
	if err := h.Encode(buf); err != nil {
		t.Fatalf("encode fragment header: %v", err)
	}
	copy(buf[wire.HeaderSize:], payload)
	return buf
}

// encodeBatch packs fragments back-to-back behind a batch envelope header,
// matching what batch.Manager writes into a pool cell before handing it to
// the fabric.
func encodeBatch(t *testing.T, window uint64, fragments ...[]byte) []byte {
	t.Helper()
	var extent int
	for _, f := range fragments {
		extent += len(f)
	}
	buf := make([]byte, wire.HeaderSize+extent)
	h := wire.Header{PulseID: window, Extent: uint32(extent)}
	if err := h.Encode(buf); err != nil {
		t.Fatalf("encode batch header: %v", err)
	}
	off := wire.HeaderSize
	for _, f := range fragments {
		copy(buf[off:], f)
		off += len(f)
	}
	return buf
}

func TestRunDispatchesCompletedEventsToOutlet(t *testing.T) {
	lb := fabric.NewLoopback(4)
	poster := newRecordingPoster(4)

	b := New(Config{
		Transport:     lb,
		Capabilities:  capability.Default(0b11, 5),
		TimeoutEpochs: 4,
		Outlet:        poster,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(ctx) }()

	batch := encodeBatch(t, 0x80,
		encodeFragment(t, 0x80, 0, 0, []uint32{0x1, 0, 0, 0, 0}),
		encodeFragment(t, 0x80, 1, 0, []uint32{0, 0x2, 0, 0, 0}),
	)
	lb.Submit(batch)

	select {
	case result := <-poster.results:
		if result.Header.PulseID != 0x80 {
			t.Fatalf("unexpected pulse id: %#x", result.Header.PulseID)
		}
		if result.Payload[0] != 0x1 || result.Payload[1] != 0x2 {
			t.Fatalf("unexpected reduced payload: %+v", result.Payload)
		}
		if result.Damage {
			t.Fatal("expected no damage on a fully satisfied event")
		}
	case <-time.After(time.Second):
		t.Fatal("expected outlet to receive a completed result")
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestTickForceCompletesTimedOutEvent(t *testing.T) {
	lb := fabric.NewLoopback(4)
	poster := newRecordingPoster(4)

	var fixedUp []uint8
	caps := capability.Default(0b11, 5)
	caps.Fixup = func(_ uint64, missing uint8) { fixedUp = append(fixedUp, missing) }

	b := New(Config{
		Transport:     lb,
		Capabilities:  caps,
		TimeoutEpochs: 2,
		Outlet:        poster,
	})

	batch := encodeBatch(t, 0x80, encodeFragment(t, 0x80, 0, 0, []uint32{0x1, 0, 0, 0, 0}))
	ctx := context.Background()
	if err := b.ingestBatch(ctx, batch); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	select {
	case result := <-poster.results:
		t.Fatalf("expected no completion before timeout, got %+v", result)
	default:
	}

	if err := b.Tick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	select {
	case result := <-poster.results:
		t.Fatalf("expected no completion before epoch threshold, got %+v", result)
	default:
	}

	if err := b.Tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	select {
	case result := <-poster.results:
		if !result.Damage {
			t.Fatal("expected damage bit set on forced completion")
		}
	default:
		t.Fatal("expected forced completion to post a damaged result")
	}
	if len(fixedUp) != 1 || fixedUp[0] != 1 {
		t.Fatalf("expected fixup called for missing producer 1, got %v", fixedUp)
	}
}

func TestShutdownDiscardsInFlightEventsWithoutPosting(t *testing.T) {
	lb := fabric.NewLoopback(4)
	poster := newRecordingPoster(4)
	b := New(Config{
		Transport:     lb,
		Capabilities:  capability.Default(0b11, 5),
		TimeoutEpochs: 4,
		Outlet:        poster,
	})

	batch := encodeBatch(t, 0x80, encodeFragment(t, 0x80, 0, 0, []uint32{0x1, 0, 0, 0, 0}))
	if err := b.ingestBatch(context.Background(), batch); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	b.Shutdown()

	select {
	case result := <-poster.results:
		t.Fatalf("expected no result posted on shutdown, got %+v", result)
	default:
	}
}
