package application

import (
	"context"
	"fmt"
	"io"

	"github.com/bnema/ssh-substituter/internal/domain"
	"github.com/bnema/ssh-substituter/internal/pool"
	"github.com/bnema/ssh-substituter/internal/ports"
	"github.com/bnema/ssh-substituter/internal/serve"
	"github.com/rs/zerolog"
)

// ConnPools hands out the connection pool for a host. serve.Pools is the
// production implementation; its owner closes it.
type ConnPools interface {
	For(host domain.Host) (*pool.Pool[*serve.Conn], error)
}

var _ ConnPools = (*serve.Pools)(nil)

// Dispatcher picks a host, leases a pooled connection to it and hands the
// request to the Substituter.
type Dispatcher struct {
	hosts       ports.HostRepository
	pools       ConnPools
	substituter *Substituter
	logger      zerolog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func NewDispatcher(hosts ports.HostRepository, pools ConnPools, restorer ports.Restorer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		hosts:  hosts,
		pools:  pools,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.substituter = NewSubstituter(restorer, d.logger)

	return d
}

// Run validates req and serves it against the first configured host. With
// no hosts configured it returns without output.
func (d *Dispatcher) Run(ctx context.Context, req Request, in io.Reader, out io.Writer) error {
	if err := req.Validate(); err != nil {
		return err
	}

	hosts, err := d.hosts.List(ctx)
	if err != nil {
		return fmt.Errorf("list hosts: %w", err)
	}
	if len(hosts) == 0 {
		d.logger.Debug().Msg("no hosts configured")
		return nil
	}

	host := hosts[0]
	if len(hosts) > 1 {
		d.logger.Debug().Str("host", host.Address).Int("ignored", len(hosts)-1).Msg("only the first host is contacted")
	}

	if _, err := io.WriteString(out, "\n"); err != nil {
		return fmt.Errorf("write readiness marker: %w", err)
	}

	p, err := d.pools.For(host)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", host, err)
	}
	h, err := p.Acquire()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", host, err)
	}
	defer h.Release()

	switch req.Mode {
	case ModeQuery:
		return d.substituter.Query(ctx, h.Value(), in, out)
	case ModeSubstitute:
		return d.substituter.Substitute(ctx, h.Value(), req.StorePath, req.DestPath, out)
	}

	return nil
}
