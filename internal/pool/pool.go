// Package pool implements the fixed-capacity, index-addressable slab
// allocator used to buy zero-copy RDMA semantics: one contiguous region is
// registered with the fabric once at startup, and callers borrow and return
// cells by their dense index rather than by pointer.
package pool

import (
	"context"
	"fmt"
	"sync"
)

// Pool is a fixed-capacity allocator of N equal-size cells carved out of one
// contiguous backing buffer. Allocation blocks when the pool is empty; free
// is non-blocking, O(1), and wakes exactly one waiter. Cell indices are
// stable for the lifetime of an allocation and are what the remote side of
// the fabric reads and writes against.
type Pool struct {
	name     string
	cellSize int
	buf      []byte
	sem      chan struct{}
	mu       sync.Mutex
	free     []int32
}

// New constructs a Pool of capacity cells of cellSize bytes each, backed by
// one contiguous allocation suitable for pinning and registering with the
// fabric in a single call.
func New(name string, capacity, cellSize int) *Pool {
	if name == "" {
		panic("pool: name must be non-empty")
	}
	if capacity <= 0 {
		panic(fmt.Sprintf("pool %s: capacity must be positive", name))
	}
	if cellSize <= 0 {
		panic(fmt.Sprintf("pool %s: cellSize must be positive", name))
	}

	p := &Pool{
		name:     name,
		cellSize: cellSize,
		buf:      make([]byte, capacity*cellSize),
		sem:      make(chan struct{}, capacity),
		free:     make([]int32, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.sem <- struct{}{}
		p.free[i] = int32(capacity - 1 - i)
	}
	return p
}

// Capacity returns the number of cells in the pool.
func (p *Pool) Capacity() int { return cap(p.sem) }

// CellSize returns the fixed size of every cell, in bytes.
func (p *Pool) CellSize() int { return p.cellSize }

// Base returns the pool's single backing allocation, the value that must be
// passed to the fabric's registerMemory at startup.
func (p *Pool) Base() []byte { return p.buf }

// Alloc blocks until a cell is available (or ctx is done) and returns the
// cell's backing slice together with its stable dense index. The returned
// slice aliases the pool's backing buffer; callers must not retain it past
// the matching Free.
func (p *Pool) Alloc(ctx context.Context) ([]byte, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return nil, 0, fmt.Errorf("pool %s: %w", p.name, ctx.Err())
	case <-p.sem:
	}

	p.mu.Lock()
	n := len(p.free)
	idx := int(p.free[n-1])
	p.free = p.free[:n-1]
	p.mu.Unlock()

	return p.cell(idx), idx, nil
}

// TryAlloc attempts a non-blocking allocation, returning ok=false when the
// pool is exhausted rather than waiting.
func (p *Pool) TryAlloc() (cell []byte, index int, ok bool) {
	select {
	case <-p.sem:
	default:
		return nil, 0, false
	}

	p.mu.Lock()
	n := len(p.free)
	idx := int(p.free[n-1])
	p.free = p.free[:n-1]
	p.mu.Unlock()

	return p.cell(idx), idx, true
}

// Free releases the cell at index back to the pool, waking one waiter.
// Non-blocking and O(1).
func (p *Pool) Free(index int) {
	if index < 0 || index >= p.Capacity() {
		panic(fmt.Sprintf("pool %s: index %d out of range [0,%d)", p.name, index, p.Capacity()))
	}

	p.mu.Lock()
	p.free = append(p.free, int32(index))
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	default:
		panic(fmt.Sprintf("pool %s: free called with full semaphore (double free of index %d?)", p.name, index))
	}
}

// Cell returns the backing slice for an already-allocated index, e.g. to
// resolve a remote offset back to local memory on the receive path.
func (p *Pool) Cell(index int) []byte { return p.cell(index) }

func (p *Pool) cell(index int) []byte {
	off := index * p.cellSize
	return p.buf[off : off+p.cellSize : off+p.cellSize]
}

// Available reports the number of free cells, for diagnostics only: under
// concurrent use this is a snapshot, not a guarantee.
func (p *Pool) Available() int { return len(p.sem) }
