package wsfabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/psdaq-go/ebcore/internal/errs"
	"github.com/psdaq-go/ebcore/internal/fabric"
)

// Config configures a Transport.
type Config struct {
	// ListenAddr is the local address this instance accepts inbound batch
	// connections on, e.g. ":32768". Empty disables the inbound side (a
	// pure sender with no Pend traffic expected).
	ListenAddr string

	// Destinations maps a destination id to the ws:// or wss:// URL that
	// id's process listens on. Empty disables the outbound side.
	Destinations map[uint8]string

	// InboundQueueDepth bounds how many received-but-not-yet-pended frames
	// may queue up; 0 defaults to 256.
	InboundQueueDepth int

	// MaxInboundLinks bounds concurrently-handled producer connections; 0
	// defaults to len(Destinations) or 16, whichever is larger.
	MaxInboundLinks int
}

// Transport implements fabric.Fabric over plain WebSocket connections: one
// inbound server accepting frames from upstream producers, and one
// reconnecting outbound link per destination. It trades the zero-copy,
// one-sided-write semantics of the production RDMA fabric for portability;
// RegisterMemory here is a bookkeeping no-op, and Post does not transmit
// remoteOffset: only the payload bytes are sent.
type Transport struct {
	inbound *inboundServer

	linksMu sync.RWMutex
	links   map[uint8]*outboundLink
}

var _ fabric.Fabric = (*Transport)(nil)

// New constructs and starts a Transport per cfg. Outbound links dial in the
// background; New blocks until every configured destination has completed
// its first connection or ctx is done.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	t := &Transport{links: make(map[uint8]*outboundLink, len(cfg.Destinations))}

	if cfg.ListenAddr != "" {
		queueDepth := cfg.InboundQueueDepth
		if queueDepth <= 0 {
			queueDepth = 256
		}
		maxLinks := cfg.MaxInboundLinks
		if maxLinks <= 0 {
			maxLinks = len(cfg.Destinations)
			if maxLinks < 16 {
				maxLinks = 16
			}
		}
		srv, err := newInboundServer(cfg.ListenAddr, queueDepth, maxLinks)
		if err != nil {
			return nil, errs.New("wsfabric.New", errs.CodeTransportFatal, errs.WithMessage("listen"), errs.WithCause(err))
		}
		srv.start()
		t.inbound = srv
	}

	for dst, addr := range cfg.Destinations {
		link := newOutboundLink(ctx, dst, addr)
		if err := link.start(); err != nil {
			t.Shutdown(ctx) //nolint:errcheck // best-effort unwind of already-started links
			return nil, errs.New("wsfabric.New", errs.CodeTransportFatal, errs.WithMessage(fmt.Sprintf("connect dst %d", dst)), errs.WithCause(err))
		}
		t.links[dst] = link
	}

	return t, nil
}

// RegisterMemory is a bookkeeping no-op: this transport addresses remote
// processes by destination id only, not by a registered memory handle.
func (t *Transport) RegisterMemory(base []byte) (fabric.MemoryRegion, error) {
	return base, nil
}

// Pend returns the next frame received on the inbound listener.
func (t *Transport) Pend(ctx context.Context) ([]byte, error) {
	if t.inbound == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return t.inbound.pend(ctx)
}

// Post writes payload to destination dst's outbound link. remoteOffset is
// not used to compute anything here; wsfabric relies on the payload
// itself (a batch envelope with its own header) to tell the receiver what
// it is.
func (t *Transport) Post(ctx context.Context, payload []byte, dst uint8, remoteOffset uint64) error {
	t.linksMu.RLock()
	link, ok := t.links[dst]
	t.linksMu.RUnlock()
	if !ok {
		return errs.New("wsfabric.Post", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("no link configured for dst %d", dst)))
	}
	if err := link.write(ctx, payload); err != nil {
		return errs.New("wsfabric.Post", errs.CodeTransportTransient, errs.WithCause(err))
	}
	return nil
}

// RemoteAddress returns the configured URL for dst, annotated with the
// offset, for diagnostics only.
func (t *Transport) RemoteAddress(dst uint8, remoteOffset uint64) string {
	t.linksMu.RLock()
	link, ok := t.links[dst]
	t.linksMu.RUnlock()
	if !ok {
		return fmt.Sprintf("wsfabric://unknown-dst-%d@%d", dst, remoteOffset)
	}
	return fmt.Sprintf("%s#%d", link.addr, remoteOffset)
}

// Shutdown stops the inbound server and every outbound link.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.linksMu.Lock()
	for _, link := range t.links {
		link.stop()
	}
	t.linksMu.Unlock()

	if t.inbound != nil {
		return t.inbound.shutdown(ctx)
	}
	return nil
}
