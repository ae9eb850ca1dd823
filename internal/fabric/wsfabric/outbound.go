package wsfabric

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/psdaq-go/ebcore/internal/observability"
)

const (
	dialTimeout      = 5 * time.Second
	writeTimeout     = 5 * time.Second
	maxReconnectWait = 30 * time.Second
	readLimitBytes   = 8 * 1024 * 1024
)

// outboundLink owns the connection to one destination producer/monitor
// process. It redials with exponential backoff whenever the connection
// drops; Post never blocks on a reconnect that is already underway, since
// write fails fast while no connection is live.
type outboundLink struct {
	dst  uint8
	addr string

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.RWMutex
	conn   *websocket.Conn

	ready     chan struct{}
	readyOnce sync.Once
}

func newOutboundLink(parent context.Context, dst uint8, addr string) *outboundLink {
	ctx, cancel := context.WithCancel(parent)
	return &outboundLink{
		dst:    dst,
		addr:   addr,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
}

// start dials in the background and blocks until the first connection
// succeeds or ctx is done.
func (l *outboundLink) start() error {
	go l.connectLoop()
	select {
	case <-l.ready:
		return nil
	case <-l.ctx.Done():
		return fmt.Errorf("outbound link %s: %w", l.addr, l.ctx.Err())
	}
}

func (l *outboundLink) stop() {
	l.cancel()
	l.connMu.Lock()
	if l.conn != nil {
		_ = l.conn.Close(websocket.StatusNormalClosure, "shutdown")
		l.conn = nil
	}
	l.connMu.Unlock()
}

// connectLoop keeps exactly one live connection to addr for as long as ctx
// is alive, redialing with exponential backoff after any failure, mirroring
// the reconnect shape used for the exchange-facing stream managers this
// transport is standing in for.
func (l *outboundLink) connectLoop() {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectWait

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(l.ctx, dialTimeout)
		conn, _, err := websocket.Dial(dialCtx, l.addr, nil)
		cancel()
		if err != nil {
			observability.Log().Error("wsfabric: dial failed",
				observability.Field{Key: "dst", Value: l.dst},
				observability.Field{Key: "addr", Value: l.addr},
				observability.Field{Key: "error", Value: err.Error()},
			)
			if !l.sleepBackoff(backoffCfg) {
				return
			}
			continue
		}
		conn.SetReadLimit(readLimitBytes)
		backoffCfg.Reset()

		l.connMu.Lock()
		l.conn = conn
		l.connMu.Unlock()

		l.readyOnce.Do(func() { close(l.ready) })

		l.drainUntilBroken(conn)

		l.connMu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if !l.sleepBackoff(backoffCfg) {
			return
		}
	}
}

// drainUntilBroken reads (and discards) inbound traffic on an outbound
// link purely to detect a dead peer promptly; this transport is unidirectional
// in practice but the connection must still be read to observe its close.
func (l *outboundLink) drainUntilBroken(conn *websocket.Conn) {
	for {
		_, _, err := conn.Read(l.ctx)
		if err != nil {
			return
		}
	}
}

func (l *outboundLink) sleepBackoff(cfg *backoff.ExponentialBackOff) bool {
	sleep := cfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = maxReconnectWait
	}
	select {
	case <-l.ctx.Done():
		return false
	case <-time.After(sleep):
		return true
	}
}

// write sends payload as a binary message over the current connection. It
// fails fast (rather than blocking through a reconnect) when no connection
// is currently live, matching the transport-transient error policy the
// outlet already applies per destination.
func (l *outboundLink) write(ctx context.Context, payload []byte) error {
	l.connMu.RLock()
	conn := l.conn
	l.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("wsfabric: no live connection to dst %d (%s)", l.dst, l.addr)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageBinary, payload); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("wsfabric: connection to dst %d closed: %w", l.dst, err)
		}
		return fmt.Errorf("wsfabric: write to dst %d: %w", l.dst, err)
	}
	return nil
}
