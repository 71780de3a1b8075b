package serve

import (
	"context"

	"github.com/bnema/ssh-substituter/internal/domain"
	"github.com/bnema/ssh-substituter/internal/pool"
	"github.com/bnema/ssh-substituter/internal/ports"
	"github.com/rs/zerolog"
)

// NewFactory returns a pool factory that dials host and completes the
// handshake for every new Conn.
func NewFactory(ctx context.Context, dialer ports.Dialer, host domain.Host, logger zerolog.Logger) pool.Factory[*Conn] {
	logger = logger.With().Str("host", host.Address).Logger()

	return func() (*Conn, error) {
		ch, err := dialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}

		conn, err := Connect(ch, logger)
		if err != nil {
			_ = ch.Close()
			return nil, err
		}

		logger.Debug().Str("conn", conn.ID()).Msg("connection established")
		return conn, nil
	}
}

// NewPool builds a pool of Conns to host that discards closed Conns on
// release.
func NewPool(ctx context.Context, dialer ports.Dialer, host domain.Host, max int, logger zerolog.Logger) *pool.Pool[*Conn] {
	return pool.New(
		NewFactory(ctx, dialer, host, logger),
		pool.WithMax[*Conn](max),
		pool.WithHealthCheck((*Conn).Alive),
	)
}
