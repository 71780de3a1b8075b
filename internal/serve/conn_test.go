package serve_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/bnema/ssh-substituter/internal/domain"
	"github.com/bnema/ssh-substituter/internal/serve"
	"github.com/bnema/ssh-substituter/internal/serve/servetest"
	"github.com/bnema/ssh-substituter/internal/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedChannel replays canned peer bytes and records what is written.
type scriptedChannel struct {
	in      *bytes.Reader
	out     bytes.Buffer
	flushed int
	closed  bool
}

func newScriptedChannel(t *testing.T, words ...uint64) *scriptedChannel {
	t.Helper()
	var buf bytes.Buffer
	for _, w := range words {
		require.NoError(t, wire.WriteUint64(&buf, w))
	}
	return &scriptedChannel{in: bytes.NewReader(buf.Bytes())}
}

func (c *scriptedChannel) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *scriptedChannel) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *scriptedChannel) Flush() error                { c.flushed++; return nil }
func (c *scriptedChannel) Close() error                { c.closed = true; return nil }

func dial(t *testing.T, peer *servetest.Peer) *serve.Conn {
	t.Helper()
	ch, err := peer.Dial(context.Background(), domain.Host{Address: "cache"})
	require.NoError(t, err)
	conn, err := serve.Connect(ch, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestConnectHandshake(t *testing.T) {
	t.Parallel()

	peer := servetest.NewPeer()
	peer.Version = 0x204
	conn := dial(t, peer)

	assert.Equal(t, serve.StateReady, conn.State())
	assert.True(t, conn.Alive())
	assert.Equal(t, uint32(0x204), conn.PeerVersion())
	assert.NotEmpty(t, conn.ID())

	require.NoError(t, conn.Close())
	peer.Wait()
	assert.Equal(t, []uint32{serve.ProtocolVersion}, peer.ClientVersions())
}

func TestConnectMagicMismatchWritesNothingAfterGreeting(t *testing.T) {
	t.Parallel()

	ch := newScriptedChannel(t, 0xdeadbeef, uint64(serve.ProtocolVersion))

	_, err := serve.Connect(ch, zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocolMismatch)
	assert.ErrorIs(t, err, domain.ErrProtocol)

	var want bytes.Buffer
	require.NoError(t, wire.WriteUint32(&want, serve.Magic1))
	assert.Equal(t, want.Bytes(), ch.out.Bytes())
	assert.Equal(t, 1, ch.flushed)
}

func TestConnectConsumesPeerVersionBeforeReplying(t *testing.T) {
	t.Parallel()

	ch := newScriptedChannel(t, uint64(serve.Magic2), 0x1ff)

	conn, err := serve.Connect(ch, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1ff), conn.PeerVersion())
	assert.Zero(t, ch.in.Len())

	var want bytes.Buffer
	require.NoError(t, wire.WriteUint32(&want, serve.Magic1))
	require.NoError(t, wire.WriteUint32(&want, serve.ProtocolVersion))
	assert.Equal(t, want.Bytes(), ch.out.Bytes())
	assert.Equal(t, 2, ch.flushed)
}

func TestConnectTruncatedGreetingIsTransportError(t *testing.T) {
	t.Parallel()

	ch := newScriptedChannel(t, uint64(serve.Magic2))

	_, err := serve.Connect(ch, zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.ErrorIs(t, err, io.EOF)
}

func TestQueryHavePreservesPeerOrder(t *testing.T) {
	t.Parallel()

	peer := servetest.NewPeer()
	peer.AddInfo(domain.ArtifactInfo{Path: "/nix/store/aaa-a"})
	peer.AddInfo(domain.ArtifactInfo{Path: "/nix/store/ccc-c"})
	conn := dial(t, peer)

	session, err := conn.BeginQuery()
	require.NoError(t, err)
	assert.Equal(t, serve.StateBusy, conn.State())

	have, err := session.Have([]string{"/nix/store/aaa-a", "/nix/store/bbb-b", "/nix/store/ccc-c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/nix/store/aaa-a", "/nix/store/ccc-c"}, have)

	require.NoError(t, session.End())
	assert.Equal(t, serve.StateClosed, conn.State())
	assert.False(t, conn.Alive())

	peer.Wait()
	assert.Equal(t, []uint32{uint32(serve.CmdQuery), uint32(serve.QueryHave)}, peer.Commands())
}

func TestQueryInfoSkipsUnknownPaths(t *testing.T) {
	t.Parallel()

	known := domain.ArtifactInfo{
		Path:         "/nix/store/aaa-hello",
		Deriver:      "/nix/store/ddd-hello.drv",
		References:   []string{"/nix/store/eee-glibc", "/nix/store/aaa-hello", "/nix/store/eee-glibc"},
		DownloadSize: 1024,
		NarSize:      4096,
	}
	peer := servetest.NewPeer()
	peer.AddInfo(known)
	conn := dial(t, peer)

	session, err := conn.BeginQuery()
	require.NoError(t, err)

	infos, err := session.Info([]string{"/nix/store/zzz-missing"})
	require.NoError(t, err)
	assert.Empty(t, infos)

	infos, err = session.Info([]string{"/nix/store/zzz-missing", known.Path})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, known.Path, infos[0].Path)
	assert.Equal(t, known.Deriver, infos[0].Deriver)
	assert.Equal(t, []string{"/nix/store/eee-glibc", "/nix/store/aaa-hello"}, infos[0].References)
	assert.Equal(t, uint64(1024), infos[0].DownloadSize)
	assert.Equal(t, uint64(4096), infos[0].NarSize)

	require.NoError(t, session.End())
}

func TestSubstituteStreamsPayloadAndStaysReady(t *testing.T) {
	t.Parallel()

	var payload bytes.Buffer
	require.NoError(t, wire.WriteString(&payload, "archive-bytes"))

	peer := servetest.NewPeer()
	peer.AddPayload("/nix/store/aaa-hello", payload.Bytes())
	conn := dial(t, peer)

	var got string
	err := conn.Substitute(context.Background(), "/nix/store/aaa-hello", func(r io.Reader) error {
		var err error
		got, err = wire.ReadString(r)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", got)
	assert.True(t, conn.Alive())

	err = conn.Substitute(context.Background(), "/nix/store/aaa-hello", func(r io.Reader) error {
		_, err := wire.ReadString(r)
		return err
	})
	require.NoError(t, err)
}

func TestSubstituteUnknownPathClosesConn(t *testing.T) {
	t.Parallel()

	peer := servetest.NewPeer()
	conn := dial(t, peer)

	err := conn.Substitute(context.Background(), "/nix/store/zzz-missing", func(r io.Reader) error {
		_, err := wire.ReadString(r)
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, serve.StateClosed, conn.State())

	_, err = conn.BeginQuery()
	assert.ErrorIs(t, err, serve.ErrNotReady)
}

func TestSubstituteRestorerFailureClosesConnWithoutTransportClass(t *testing.T) {
	t.Parallel()

	var payload bytes.Buffer
	require.NoError(t, wire.WriteString(&payload, "archive-bytes"))

	peer := servetest.NewPeer()
	peer.AddPayload("/nix/store/aaa-hello", payload.Bytes())
	conn := dial(t, peer)

	restoreErr := errors.New("destination exists")
	err := conn.Substitute(context.Background(), "/nix/store/aaa-hello", func(io.Reader) error {
		return restoreErr
	})
	require.ErrorIs(t, err, restoreErr)
	assert.NotErrorIs(t, err, domain.ErrTransport)
	assert.False(t, conn.Alive())
}

func TestMalformedReplyIsProtocolError(t *testing.T) {
	t.Parallel()

	// Greeting, then a have reply holding one string with dirty padding.
	var in bytes.Buffer
	require.NoError(t, wire.WriteUint32(&in, serve.Magic2))
	require.NoError(t, wire.WriteUint32(&in, serve.ProtocolVersion))
	require.NoError(t, wire.WriteUint64(&in, 1))
	require.NoError(t, wire.WriteUint64(&in, 1))
	in.Write([]byte{'a', 1, 0, 0, 0, 0, 0, 0})

	ch := &scriptedChannel{in: bytes.NewReader(in.Bytes())}
	conn, err := serve.Connect(ch, zerolog.Nop())
	require.NoError(t, err)

	session, err := conn.BeginQuery()
	require.NoError(t, err)

	_, err = session.Have([]string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocol)
	assert.ErrorIs(t, err, wire.ErrMalformed)
	assert.Equal(t, serve.StateClosed, conn.State())
}

func TestNewPoolDiscardsConnAfterQuery(t *testing.T) {
	t.Parallel()

	peer := servetest.NewPeer()
	peer.AddInfo(domain.ArtifactInfo{Path: "/nix/store/aaa-a"})
	p := serve.NewPool(context.Background(), peer, domain.Host{Address: "cache"}, 1, zerolog.Nop())

	h, err := p.Acquire()
	require.NoError(t, err)
	session, err := h.Value().BeginQuery()
	require.NoError(t, err)
	require.NoError(t, session.End())
	h.Release()

	assert.Equal(t, 0, p.Count())

	h, err = p.Acquire()
	require.NoError(t, err)
	assert.True(t, h.Value().Alive())
	h.Release()

	assert.Equal(t, 2, peer.Dials())
	assert.Equal(t, 1, p.Idle())
	require.NoError(t, p.Close())
}

func TestNewPoolReportsDialFailure(t *testing.T) {
	t.Parallel()

	peer := servetest.NewPeer()
	peer.DialErr = errors.New("ssh: connect to host cache port 22: connection refused")
	p := serve.NewPool(context.Background(), peer, domain.Host{Address: "cache"}, 1, zerolog.Nop())

	_, err := p.Acquire()
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 0, p.Count())
}
