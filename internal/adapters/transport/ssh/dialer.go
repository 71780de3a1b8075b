package ssh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/bnema/ssh-substituter/internal/domain"
	"github.com/bnema/ssh-substituter/internal/ports"
	"github.com/rs/zerolog"
)

const (
	DefaultProgram       = "ssh"
	DefaultRemoteCommand = "nix-store --serve"
	DefaultCloseTimeout  = 5 * time.Second

	bufferSize = 32 * 1024
)

var ErrUnavailable = errors.New("ssh command unavailable")

func DefaultOptions() []string {
	return []string{"-x", "-T"}
}

type Config struct {
	Program       string
	Options       []string
	RemoteCommand string
	// Stderr receives the child's diagnostics. Defaults to os.Stderr.
	Stderr       io.Writer
	CloseTimeout time.Duration
}

// Dialer opens one tunnel subprocess per Dial and exposes its stdin and
// stdout as a ports.Channel.
type Dialer struct {
	cfg      Config
	lookPath func(string) (string, error)
	logger   zerolog.Logger
}

var _ ports.Dialer = (*Dialer)(nil)

func NewDialer(cfg Config, logger zerolog.Logger) *Dialer {
	if cfg.Program == "" {
		cfg.Program = DefaultProgram
	}
	if cfg.Options == nil {
		cfg.Options = DefaultOptions()
	}
	if cfg.RemoteCommand == "" {
		cfg.RemoteCommand = DefaultRemoteCommand
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}

	return &Dialer{cfg: cfg, lookPath: exec.LookPath, logger: logger}
}

// Args returns the argument vector passed to the program for host.
func (d *Dialer) Args(host domain.Host) []string {
	args := make([]string, 0, len(d.cfg.Options)+2)
	args = append(args, d.cfg.Options...)
	return append(args, host.Address, d.cfg.RemoteCommand)
}

func (d *Dialer) Dial(ctx context.Context, host domain.Host) (ports.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := host.Validate(); err != nil {
		return nil, fmt.Errorf("dial %q: %w", host.Address, err)
	}

	path, err := d.lookPath(d.cfg.Program)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w: %s", domain.ErrTransport, ErrUnavailable, d.cfg.Program)
		}
		return nil, fmt.Errorf("%w: locate %s: %w", domain.ErrTransport, d.cfg.Program, err)
	}

	args := d.Args(host)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stderr = d.cfg.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s stdin pipe: %w", domain.ErrTransport, d.cfg.Program, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("%w: %s stdout pipe: %w", domain.ErrTransport, d.cfg.Program, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", domain.ErrTransport, d.cfg.Program, err)
	}

	d.logger.Debug().
		Str("program", path).
		Strs("args", args).
		Int("pid", cmd.Process.Pid).
		Msg("tunnel started")

	return &processChannel{
		cmd:          cmd,
		stdin:        stdin,
		w:            bufio.NewWriterSize(stdin, bufferSize),
		r:            bufio.NewReaderSize(stdout, bufferSize),
		closeTimeout: d.cfg.CloseTimeout,
		logger:       d.logger,
	}, nil
}

// processChannel is a Channel over a child's stdin and stdout. A dead
// child shows up as a broken pipe or end of stream on the next call.
type processChannel struct {
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	w            *bufio.Writer
	r            *bufio.Reader
	closeTimeout time.Duration
	logger       zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (c *processChannel) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *processChannel) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

func (c *processChannel) Flush() error {
	return c.w.Flush()
}

// Close ends the child's input and reaps it, killing it if it has not
// exited within the close timeout.
func (c *processChannel) Close() error {
	c.closeOnce.Do(func() {
		_ = c.stdin.Close()

		done := make(chan error, 1)
		go func() { done <- c.cmd.Wait() }()

		timer := time.NewTimer(c.closeTimeout)
		defer timer.Stop()

		select {
		case err := <-done:
			c.closeErr = err
		case <-timer.C:
			c.logger.Debug().Int("pid", c.cmd.Process.Pid).Msg("tunnel did not exit, killing")
			_ = c.cmd.Process.Kill()
			<-done
			c.closeErr = fmt.Errorf("tunnel did not exit within %s", c.closeTimeout)
		}
	})

	return c.closeErr
}
