package serve

import (
	"context"
	"errors"
	"sync"

	"github.com/bnema/ssh-substituter/internal/domain"
	"github.com/bnema/ssh-substituter/internal/pool"
	"github.com/bnema/ssh-substituter/internal/ports"
	"github.com/rs/zerolog"
)

// Pools owns one connection pool per host, created on first use. The
// owner closes it once no Handle is outstanding.
type Pools struct {
	ctx    context.Context
	dialer ports.Dialer
	max    int
	logger zerolog.Logger

	mu     sync.Mutex
	pools  map[string]*pool.Pool[*Conn]
	closed bool
}

func NewPools(ctx context.Context, dialer ports.Dialer, max int, logger zerolog.Logger) *Pools {
	return &Pools{
		ctx:    ctx,
		dialer: dialer,
		max:    max,
		logger: logger,
		pools:  map[string]*pool.Pool[*Conn]{},
	}
}

// For returns the pool for host.
func (p *Pools) For(host domain.Host) (*pool.Pool[*Conn], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, pool.ErrClosed
	}
	if hp, ok := p.pools[host.Address]; ok {
		return hp, nil
	}

	hp := NewPool(p.ctx, p.dialer, host, p.max, p.logger)
	p.pools[host.Address] = hp
	return hp, nil
}

// Close closes every pool and the idle connections they hold.
func (p *Pools) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pools := p.pools
	p.pools = nil
	p.mu.Unlock()

	var errs []error
	for _, hp := range pools {
		if err := hp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
