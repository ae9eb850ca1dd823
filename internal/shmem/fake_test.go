package shmem

import (
	"context"
	"testing"
	"time"
)

func TestFakeConnectPublishGetRoundTrip(t *testing.T) {
	f := NewFake(4)
	if err := f.Connect("ebcore", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}

	idx, err := f.Publish([]byte("event-bytes"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if idx != 0 {
		t.Fatalf("expected first index 0, got %d", idx)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	gotIdx, data, err := f.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotIdx != idx || string(data) != "event-bytes" {
		t.Fatalf("unexpected get result: idx=%d data=%q", gotIdx, data)
	}

	if err := f.Free(gotIdx, len(data)); err != nil {
		t.Fatalf("free: %v", err)
	}
}

func TestFakeGetBeforeConnectErrors(t *testing.T) {
	f := NewFake(1)
	if _, _, err := f.Get(context.Background()); err == nil {
		t.Fatal("expected error calling Get before Connect")
	}
}

func TestFakeUnlinkUnblocksGet(t *testing.T) {
	f := NewFake(1)
	if err := f.Connect("ebcore", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := f.Get(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := f.Unlink(); err != nil {
		t.Fatalf("unlink: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Get to fail after Unlink")
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Unlink")
	}
}
