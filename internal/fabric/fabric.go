// Package fabric defines the thin transport abstraction the event builder
// core is written against. Concrete transports (libfabric-style RDMA, or
// the websocket-based development transport in wsfabric) implement this
// interface; the core never depends on transport internals.
package fabric

import "context"

// MemoryRegion is an opaque handle to memory previously registered with
// the fabric. The core never inspects it; it exists only to be threaded
// back through Shutdown/diagnostics.
type MemoryRegion interface{}

// Fabric is the minimal surface the event builder loop and outlet consume.
type Fabric interface {
	// RegisterMemory pins and registers base for one-sided remote access.
	// Called once per pool at startup.
	RegisterMemory(base []byte) (MemoryRegion, error)

	// Pend blocks until a remote write arrives, returning a view into the
	// inbound registered region. A nil slice (with a nil error) means the
	// fabric has been shut down and the caller should stop pending.
	Pend(ctx context.Context) ([]byte, error)

	// Post performs a one-sided remote write of payload to destination
	// dst at remoteOffset bytes into its registered region.
	Post(ctx context.Context, payload []byte, dst uint8, remoteOffset uint64) error

	// RemoteAddress resolves a (destination, offset) pair to a
	// human-readable address, for diagnostics only.
	RemoteAddress(dst uint8, remoteOffset uint64) string

	// Shutdown cancels any in-flight Pend and releases transport
	// resources. Idempotent.
	Shutdown(ctx context.Context) error
}
