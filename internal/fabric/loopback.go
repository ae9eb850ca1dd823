package fabric

import (
	"context"
	"fmt"
	"sync"
)

// Loopback is an in-memory Fabric used by unit and integration tests. Test
// code feeds inbound batches via Submit and inspects outbound posts via
// Drain; nothing touches real memory registration or a network.
type Loopback struct {
	mu       sync.Mutex
	inbound  chan []byte
	posts    []Post_
	shutdown bool
}

// Post_ records one call to Post, named to avoid colliding with the
// Fabric.Post method when embedded in test assertions.
type Post_ struct {
	Payload      []byte
	Dst          uint8
	RemoteOffset uint64
}

// NewLoopback constructs a Loopback with the given inbound queue depth.
func NewLoopback(queue int) *Loopback {
	return &Loopback{inbound: make(chan []byte, queue)}
}

// Submit enqueues buf as the next value Pend will return.
func (l *Loopback) Submit(buf []byte) {
	l.inbound <- buf
}

// RegisterMemory is a no-op for the loopback transport.
func (l *Loopback) RegisterMemory(base []byte) (MemoryRegion, error) {
	return base, nil
}

// Pend blocks until Submit is called, ctx is cancelled, or Shutdown closes
// the inbound queue.
func (l *Loopback) Pend(ctx context.Context) ([]byte, error) {
	select {
	case buf, ok := <-l.inbound:
		if !ok {
			return nil, nil
		}
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Post records the write for later inspection by Drain.
func (l *Loopback) Post(_ context.Context, payload []byte, dst uint8, remoteOffset uint64) error {
	cp := append([]byte(nil), payload...)
	l.mu.Lock()
	l.posts = append(l.posts, Post_{Payload: cp, Dst: dst, RemoteOffset: remoteOffset})
	l.mu.Unlock()
	return nil
}

// RemoteAddress returns a synthetic diagnostic address.
func (l *Loopback) RemoteAddress(dst uint8, remoteOffset uint64) string {
	return fmt.Sprintf("loopback://%d@%d", dst, remoteOffset)
}

// Shutdown closes the inbound queue, causing any blocked Pend to return.
func (l *Loopback) Shutdown(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return nil
	}
	l.shutdown = true
	close(l.inbound)
	return nil
}

// Drain returns and clears every Post recorded so far.
func (l *Loopback) Drain() []Post_ {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.posts
	l.posts = nil
	return out
}
