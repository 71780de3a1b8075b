package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/bnema/ssh-substituter/internal/adapters/archive/nar"
	tomlrepo "github.com/bnema/ssh-substituter/internal/adapters/repo/toml"
	"github.com/bnema/ssh-substituter/internal/adapters/transport/ssh"
	"github.com/bnema/ssh-substituter/internal/application"
	"github.com/bnema/ssh-substituter/internal/config"
	"github.com/bnema/ssh-substituter/internal/logging"
	"github.com/bnema/ssh-substituter/internal/serve"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type app struct {
	dispatcher *application.Dispatcher
	pools      *serve.Pools
	logger     zerolog.Logger
}

// close releases the connections the app still holds.
func (a *app) close() {
	if err := a.pools.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close connections")
	}
}

type wireOptions struct {
	// Context bounds every tunnel the app starts.
	Context    context.Context
	ConfigFile string
	// Stderr receives logs and the tunnel's own diagnostics.
	Stderr io.Writer
}

type wireFunc func(wireOptions) (*app, error)

func wireApp(opts wireOptions) (*app, error) {
	v := viper.New()
	cfg, err := config.Load(v, opts.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Writer: opts.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("wire logger: %w", err)
	}

	hosts, err := tomlrepo.NewHostRepository(v)
	if err != nil {
		return nil, fmt.Errorf("wire host repository: %w", err)
	}

	dialer := ssh.NewDialer(ssh.Config{
		Program:       cfg.SSH.Program,
		Options:       cfg.SSH.Options,
		RemoteCommand: cfg.SSH.RemoteCommand,
		Stderr:        opts.Stderr,
		CloseTimeout:  cfg.SSH.CloseTimeout,
	}, logging.Named(logger, "ssh"))

	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	pools := serve.NewPools(ctx, dialer, cfg.Pool.Max, logging.Named(logger, "serve"))

	dispatcher := application.NewDispatcher(
		hosts,
		pools,
		nar.NewRestorer(logging.Named(logger, "nar")),
		application.WithLogger(logger),
	)

	return &app{dispatcher: dispatcher, pools: pools, logger: logger}, nil
}
