package serve

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bnema/ssh-substituter/internal/domain"
	"github.com/bnema/ssh-substituter/internal/ports"
	"github.com/bnema/ssh-substituter/internal/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotReady = errors.New("serve: connection not ready")

// Conn is one handshaken connection to a remote store. It is not safe for
// concurrent use; the pool hands it to one caller at a time.
type Conn struct {
	id          string
	ch          ports.Channel
	state       State
	peerVersion uint32
	logger      zerolog.Logger
}

// Connect performs the greeting on ch and returns a ready Conn. On failure
// the channel is left open for the caller to close.
func Connect(ch ports.Channel, logger zerolog.Logger) (*Conn, error) {
	id := uuid.NewString()
	c := &Conn{
		id:     id,
		ch:     ch,
		state:  StateDisconnected,
		logger: logger.With().Str("conn", id).Logger(),
	}

	if err := c.handshake(); err != nil {
		return nil, err
	}

	c.logger.Debug().Uint32("peer_version", c.peerVersion).Msg("handshake complete")
	return c, nil
}

func (c *Conn) handshake() error {
	c.state = StateHandshaking

	if err := wire.WriteUint32(c.ch, Magic1); err != nil {
		return c.fail("write magic", err)
	}
	if err := c.ch.Flush(); err != nil {
		return c.fail("write magic", err)
	}

	magic, err := wire.ReadUint32(c.ch)
	if err != nil {
		return c.fail("read magic", err)
	}
	if magic != Magic2 {
		c.state = StateClosed
		return fmt.Errorf("%w: peer sent magic %#x, want %#x", domain.ErrProtocolMismatch, magic, Magic2)
	}

	version, err := wire.ReadUint32(c.ch)
	if err != nil {
		return c.fail("read peer version", err)
	}
	c.peerVersion = version

	if err := wire.WriteUint32(c.ch, ProtocolVersion); err != nil {
		return c.fail("write version", err)
	}
	if err := c.ch.Flush(); err != nil {
		return c.fail("write version", err)
	}

	c.state = StateReady
	return nil
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) State() State {
	return c.state
}

func (c *Conn) PeerVersion() uint32 {
	return c.peerVersion
}

// Alive reports whether the Conn can be handed to another caller.
func (c *Conn) Alive() bool {
	return c.state == StateReady
}

// Close shuts the underlying channel down. It is safe to call more than
// once.
func (c *Conn) Close() error {
	c.state = StateClosed
	ch := c.ch
	c.ch = nil
	if ch == nil {
		return nil
	}

	c.logger.Debug().Msg("closing connection")
	if err := ch.Close(); err != nil {
		return fmt.Errorf("close connection %s: %w", c.id, err)
	}
	return nil
}

// Substitute asks the peer for storePath and passes the streamed payload
// to restore. The Conn is ready for another command afterwards.
func (c *Conn) Substitute(ctx context.Context, storePath string, restore func(io.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.begin(); err != nil {
		return err
	}

	c.logger.Debug().Str("path", storePath).Msg("substitute")

	if err := wire.WriteUint32(c.ch, uint32(CmdSubstitute)); err != nil {
		return c.fail("write substitute", err)
	}
	if err := wire.WriteString(c.ch, storePath); err != nil {
		return c.fail("write substitute", err)
	}
	if err := c.ch.Flush(); err != nil {
		return c.fail("write substitute", err)
	}

	src := &trackingReader{r: c.ch}
	if err := restore(src); err != nil {
		if src.err != nil || errors.Is(err, wire.ErrMalformed) {
			return c.fail("restore "+storePath, err)
		}
		// The payload was not fully consumed, so the stream is out of step.
		c.state = StateClosed
		return fmt.Errorf("restore %s: %w", storePath, err)
	}

	c.state = StateReady
	return nil
}

// BeginQuery switches the peer into query mode. The peer only leaves
// query mode at end of input, so the Conn is closed when the session ends.
func (c *Conn) BeginQuery() (*QuerySession, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}

	if err := wire.WriteUint32(c.ch, uint32(CmdQuery)); err != nil {
		return nil, c.fail("write query", err)
	}

	return &QuerySession{conn: c}, nil
}

func (c *Conn) begin() error {
	if c.state != StateReady {
		return fmt.Errorf("%w: state %s", ErrNotReady, c.state)
	}
	c.state = StateBusy
	return nil
}

// fail moves the Conn to Closed and classifies err as a protocol or
// transport failure.
func (c *Conn) fail(op string, err error) error {
	c.state = StateClosed

	class := domain.ErrTransport
	if errors.Is(err, wire.ErrMalformed) || errors.Is(err, domain.ErrProtocol) {
		class = domain.ErrProtocol
	}

	c.logger.Debug().Err(err).Str("op", op).Msg("connection failed")
	return fmt.Errorf("%w: %s: %w", class, op, err)
}

// trackingReader remembers the first read error from the channel so
// stream failures can be told apart from restorer failures.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && t.err == nil {
		t.err = err
	}
	return n, err
}
