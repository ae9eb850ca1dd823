// Package wsfabric implements the fabric.Fabric interface over WebSocket
// connections: a development and integration-test transport standing in for
// the production RDMA fabric, reachable without specialized hardware.
package wsfabric

import (
	"context"
	"sync"

	"github.com/psdaq-go/ebcore/internal/errs"
)

// connTask is one unit of work handed to the connection pool: the read loop
// for one accepted inbound link runs here, bounded so a burst of
// reconnecting producers cannot spawn unbounded goroutines.
type connTask func(context.Context) error

// connPool runs connTasks with bounded concurrency and rejects new work once
// the queue is saturated, the same backpressure contract fabric.Fabric.Post
// callers already expect from a full remote queue.
type connPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once
}

type job struct {
	ctx context.Context
	fn  connTask
}

// newConnPool creates a connection pool with the given worker concurrency
// and queue depth.
func newConnPool(workers, queue int) (*connPool, error) {
	if workers <= 0 {
		return nil, errs.New("wsfabric.pool", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &connPool{ctx: ctx, cancel: cancel, jobs: make(chan job, queue)}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// submit schedules fn for execution, returning an exhaustion error if the
// pool is closed or its queue is full.
func (p *connPool) submit(ctx context.Context, fn connTask) error {
	if fn == nil {
		return errs.New("wsfabric.pool", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.wg.Add(1)
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return errs.New("wsfabric.pool", errs.CodeShutdown, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.wg.Done()
		return errs.New("wsfabric.pool", errs.CodeInvalid, errs.WithMessage("submit context done"), errs.WithCause(ctx.Err()))
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("wsfabric.pool", errs.CodeExhausted, errs.WithMessage("connection pool at capacity"))
	}
}

// close stops accepting new work and cancels outstanding tasks.
func (p *connPool) close() {
	p.once.Do(func() {
		p.cancel()
		close(p.jobs)
	})
}

// shutdown waits for in-flight tasks to finish or ctx to expire.
func (p *connPool) shutdown(ctx context.Context) error {
	p.close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return errs.New("wsfabric.pool", errs.CodeShutdown, errs.WithMessage("shutdown deadline exceeded"), errs.WithCause(ctx.Err()))
	case <-done:
		return nil
	}
}

func (p *connPool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			taskCtx := j.ctx
			if taskCtx == nil {
				taskCtx = p.ctx
			}
			runConnTask(taskCtx, j.fn)
			p.wg.Done()
		}
	}
}

func runConnTask(ctx context.Context, fn connTask) {
	defer func() {
		// A panicking link handler must not take the whole pool down with
		// it; the producer on the other end of the link will redial.
		recover()
	}()
	_ = fn(ctx)
}
