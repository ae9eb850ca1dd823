package wsfabric

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/psdaq-go/ebcore/internal/observability"
)

// inboundServer accepts connections from upstream producers and funnels
// every frame they send into a single channel Pend reads from. One
// goroutine per accepted connection runs in the connection pool so a burst
// of reconnecting producers cannot outrun the configured concurrency.
type inboundServer struct {
	listener net.Listener
	server   *http.Server
	pool     *connPool
	frames   chan []byte

	serveDone chan struct{}
}

func newInboundServer(addr string, queueDepth, maxLinks int) (*inboundServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	pool, err := newConnPool(maxLinks, maxLinks)
	if err != nil {
		ln.Close()
		return nil, err
	}

	s := &inboundServer{
		listener:  ln,
		pool:      pool,
		frames:    make(chan []byte, queueDepth),
		serveDone: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.server = &http.Server{Handler: mux}
	return s, nil
}

func (s *inboundServer) addr() string {
	return s.listener.Addr().String()
}

func (s *inboundServer) start() {
	go func() {
		defer close(s.serveDone)
		_ = s.server.Serve(s.listener)
	}()
}

func (s *inboundServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(readLimitBytes)

	// The request context is cancelled as soon as this handler returns, so
	// the read loop runs on the pool's context, which lives until shutdown.
	err = s.pool.submit(s.pool.ctx, func(ctx context.Context) error {
		return s.readLoop(ctx, conn)
	})
	if err != nil {
		observability.Log().Error("wsfabric: inbound connection rejected",
			observability.Field{Key: "remote", Value: r.RemoteAddr},
			observability.Field{Key: "error", Value: err.Error()},
		)
		_ = conn.Close(websocket.StatusTryAgainLater, "busy")
	}
}

func (s *inboundServer) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		cp := append([]byte(nil), data...)
		select {
		case s.frames <- cp:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pend blocks until a frame arrives, ctx is done, or the server has been
// shut down (returns nil, nil in the last case).
func (s *inboundServer) pend(ctx context.Context) ([]byte, error) {
	select {
	case buf, ok := <-s.frames:
		if !ok {
			return nil, nil
		}
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *inboundServer) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	<-s.serveDone
	_ = s.pool.shutdown(ctx)
	close(s.frames)
	return err
}
