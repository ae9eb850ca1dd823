package shmem

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a local-channel-backed Client used only by the event builder's
// own tests, to verify a consumer can drain what the outlet publishes
// without standing up real shared memory.
type Fake struct {
	mu        sync.Mutex
	tag       string
	trIndex   int
	connected bool
	queue     chan fakeEntry
	nextIdx   int
}

type fakeEntry struct {
	index int
	data  []byte
}

// NewFake constructs a Fake with the given event queue depth.
func NewFake(queueDepth int) *Fake {
	return &Fake{queue: make(chan fakeEntry, queueDepth)}
}

// Publish enqueues buf as the next event Get will return, assigning it the
// next sequential buffer index. It is the test-side analog of the EB
// outlet writing into a shared segment.
func (f *Fake) Publish(buf []byte) (index int, err error) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return 0, fmt.Errorf("shmem fake: publish before connect")
	}
	idx := f.nextIdx
	f.nextIdx++
	f.mu.Unlock()

	cp := append([]byte(nil), buf...)
	select {
	case f.queue <- fakeEntry{index: idx, data: cp}:
		return idx, nil
	default:
		return 0, fmt.Errorf("shmem fake: queue full")
	}
}

// Connect records tag/trIndex and marks the fake ready to serve Get.
func (f *Fake) Connect(tag string, trIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tag = tag
	f.trIndex = trIndex
	f.connected = true
	return nil
}

// Get blocks until Publish has been called or ctx is done.
func (f *Fake) Get(ctx context.Context) (int, []byte, error) {
	f.mu.Lock()
	connected := f.connected
	f.mu.Unlock()
	if !connected {
		return 0, nil, fmt.Errorf("shmem fake: get before connect")
	}
	select {
	case entry, ok := <-f.queue:
		if !ok {
			return 0, nil, fmt.Errorf("shmem fake: unlinked")
		}
		return entry.index, entry.data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Free is a no-op for the fake: there is no backing pool to return a slot
// to, only the test-local queue Publish feeds.
func (f *Fake) Free(index int, size int) error {
	return nil
}

// Unlink closes the event queue, causing any blocked Get to fail.
func (f *Fake) Unlink() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil
	}
	f.connected = false
	close(f.queue)
	return nil
}

var _ Client = (*Fake)(nil)
