package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAdmissionTimeout is returned when no worker slot frees up within the
// configured admission wait.
var ErrAdmissionTimeout = errors.New("worker pool admission timeout")

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Factory builds a fresh single-use Worker.
type Factory func() Worker

// Pool is a bounded arena of worker slots. Each acquisition constructs a
// fresh sandbox; releasing the lease only returns the slot, so no sandbox
// state survives between runs. All admission traffic funnels through the
// slots channel.
type Pool struct {
	slots   chan struct{}
	factory Factory

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool with size slots.
func NewPool(size int, factory Factory) *Pool {
	slots := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		slots <- struct{}{}
	}
	return &Pool{slots: slots, factory: factory}
}

// Acquire blocks the calling goroutine until a slot frees up, the timeout
// elapses, or ctx is cancelled. Only the caller's request queues; the pool
// itself never blocks.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case _, ok := <-p.slots:
		if !ok {
			return nil, ErrPoolClosed
		}
		return &Lease{Worker: p.factory(), pool: p}, nil
	case <-timer.C:
		return nil, ErrAdmissionTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InUse returns the number of slots currently leased.
func (p *Pool) InUse() int {
	return cap(p.slots) - len(p.slots)
}

// Size returns the configured pool size.
func (p *Pool) Size() int {
	return cap(p.slots)
}

// Close rejects further acquisitions. Outstanding leases stay valid; their
// releases become no-ops.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.slots)
	}
}

// Lease is one leased worker slot.
type Lease struct {
	Worker Worker
	pool   *Pool
	once   sync.Once
}

// Release returns the slot to the pool. Idempotent.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.mu.Lock()
		defer l.pool.mu.Unlock()
		if !l.pool.closed {
			l.pool.slots <- struct{}{}
		}
	})
}
