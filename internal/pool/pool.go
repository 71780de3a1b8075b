package pool

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

var (
	ErrClosed       = errors.New("pool is closed")
	ErrConstruction = errors.New("pool: resource construction failed")
)

// Factory builds a new resource.
type Factory[R any] func() (R, error)

type Option[R any] func(*Pool[R])

// WithMax bounds the number of resources that may exist at once. Values
// below one leave the pool unbounded.
func WithMax[R any](max int) Option[R] {
	return func(p *Pool[R]) {
		if max > 0 {
			p.max = max
		}
	}
}

// WithHealthCheck installs a check run when a Handle is released. A
// resource failing the check is discarded instead of returned to idle.
func WithHealthCheck[R any](healthy func(R) bool) Option[R] {
	return func(p *Pool[R]) {
		p.healthy = healthy
	}
}

// Pool is a bounded pool of resources of type R.
type Pool[R any] struct {
	factory Factory[R]
	healthy func(R) bool

	mu     sync.Mutex
	wakeup *sync.Cond
	idle   []R
	inUse  int
	max    int
	closed bool
}

func New[R any](factory Factory[R], opts ...Option[R]) *Pool[R] {
	p := &Pool[R]{
		factory: factory,
		max:     math.MaxInt,
	}
	p.wakeup = sync.NewCond(&p.mu)

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Acquire leases a resource, blocking while the pool is at capacity with
// nothing idle.
func (p *Pool[R]) Acquire() (*Handle[R], error) {
	p.mu.Lock()
	for !p.closed && len(p.idle) == 0 && p.inUse >= p.max {
		p.wakeup.Wait()
	}

	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if n := len(p.idle); n > 0 {
		r := p.idle[n-1]
		var zero R
		p.idle[n-1] = zero
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return &Handle[R]{pool: p, value: r}, nil
	}

	p.inUse++
	p.mu.Unlock()

	r, err := p.factory()
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		p.wakeup.Signal()
		return nil, fmt.Errorf("%w: %w", ErrConstruction, err)
	}

	return &Handle[R]{pool: p, value: r}, nil
}

// Count returns leased plus idle resources. The value is a snapshot and
// may be stale by the time the caller reads it.
func (p *Pool[R]) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.inUse + len(p.idle)
}

func (p *Pool[R]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.inUse
}

func (p *Pool[R]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.idle)
}

// Close tears the pool down and closes idle resources that implement
// io.Closer. It panics if any Handle is still outstanding.
func (p *Pool[R]) Close() error {
	p.mu.Lock()
	if p.inUse != 0 {
		inUse := p.inUse
		p.mu.Unlock()
		panic(fmt.Sprintf("pool: Close with %d resource(s) still in use", inUse))
	}
	if p.closed {
		p.mu.Unlock()
		return nil
	}

	idle := p.idle
	p.idle = nil
	p.max = 0
	p.closed = true
	p.mu.Unlock()
	p.wakeup.Broadcast()

	var errs []error
	for _, r := range idle {
		if err := closeResource(r); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (p *Pool[R]) release(r R) {
	discard := p.healthy != nil && !p.healthy(r)

	p.mu.Lock()
	if p.inUse <= 0 {
		p.mu.Unlock()
		panic("pool: release without a matching acquire")
	}
	p.inUse--
	if !discard {
		p.idle = append(p.idle, r)
	}
	p.mu.Unlock()
	p.wakeup.Signal()

	if discard {
		_ = closeResource(r)
	}
}

func closeResource[R any](r R) error {
	closer, ok := any(r).(io.Closer)
	if !ok {
		return nil
	}

	return closer.Close()
}
