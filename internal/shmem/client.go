// Package shmem carries the typed boundary contract for the shared-memory
// consumer the event builder publishes to downstream. No shared-memory IPC
// is implemented here: this is a compile-time contract plus a
// local-channel-backed fake, standing in for an external collaborator.
package shmem

import "context"

// Client is the consumer-side surface a downstream reader uses to pull
// completed events out of shared memory, transcribed from the reference
// client's connect/get/free/unlink method set.
type Client interface {
	// Connect attaches to the named shared memory segment. trIndex must be
	// unique among clients sharing a transition index; clients with the
	// same event-queue index compete for events, distinct indices form a
	// serial chain.
	Connect(tag string, trIndex int) error

	// Get blocks until the next event is available, returning its buffer
	// index and a view into the shared segment. The caller must call Free
	// with the same index once done reading.
	Get(ctx context.Context) (index int, data []byte, err error)

	// Free returns buffer index to the pool, size bytes available for
	// reuse.
	Free(index int, size int) error

	// Unlink detaches from the segment and releases any resources Connect
	// acquired. Idempotent.
	Unlink() error
}
