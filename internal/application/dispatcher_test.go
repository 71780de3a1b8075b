package application

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bnema/ssh-substituter/internal/adapters/archive/nar"
	"github.com/bnema/ssh-substituter/internal/domain"
	"github.com/bnema/ssh-substituter/internal/serve"
	"github.com/bnema/ssh-substituter/internal/serve/servetest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHosts struct {
	hosts []domain.Host
	err   error
	calls int
}

func (s *staticHosts) List(context.Context) ([]domain.Host, error) {
	s.calls++
	return s.hosts, s.err
}

func oneHost() *staticHosts {
	return &staticHosts{hosts: []domain.Host{{Address: "nix@cache"}}}
}

// newTestDispatcher wires a dispatcher to peer. Close the returned pools
// before peer.Wait so idle connections end.
func newTestDispatcher(t *testing.T, hosts *staticHosts, peer *servetest.Peer) (*Dispatcher, *serve.Pools) {
	t.Helper()

	pools := serve.NewPools(context.Background(), peer, 1, zerolog.Nop())
	t.Cleanup(func() { _ = pools.Close() })
	return NewDispatcher(hosts, pools, nar.NewRestorer(zerolog.Nop())), pools
}

func TestRunWithoutHostsProducesNoOutput(t *testing.T) {
	t.Parallel()

	peer := servetest.NewPeer()
	d, _ := newTestDispatcher(t, &staticHosts{}, peer)

	var out bytes.Buffer
	err := d.Run(context.Background(), Request{Mode: ModeQuery}, strings.NewReader("have /nix/store/a\n"), &out)
	require.NoError(t, err)
	assert.Empty(t, out.String())
	assert.Zero(t, peer.Dials())
}

func TestRunInvalidRequestNeverListsHosts(t *testing.T) {
	t.Parallel()

	hosts := oneHost()
	peer := servetest.NewPeer()
	d, _ := newTestDispatcher(t, hosts, peer)

	var out bytes.Buffer
	err := d.Run(context.Background(), Request{Mode: ModeSubstitute, StorePath: "/nix/store/a"}, nil, &out)
	require.ErrorIs(t, err, domain.ErrUsage)
	assert.Zero(t, hosts.calls)
	assert.Zero(t, peer.Dials())
	assert.Empty(t, out.String())
}

func TestRunHostListFailure(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, &staticHosts{err: errors.New("decode hosts file: boom")}, servetest.NewPeer())

	err := d.Run(context.Background(), Request{Mode: ModeQuery}, strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "list hosts")
}

func TestRunQueryHaveKeepsPeerOrder(t *testing.T) {
	t.Parallel()

	peer := servetest.NewPeer()
	peer.AddInfo(domain.ArtifactInfo{Path: "/nix/store/aaa-a"})
	peer.AddInfo(domain.ArtifactInfo{Path: "/nix/store/ccc-c"})
	d, pools := newTestDispatcher(t, oneHost(), peer)

	in := strings.NewReader("have /nix/store/aaa-a /nix/store/bbb-b /nix/store/ccc-c\nhave /nix/store/bbb-b\n")
	var out bytes.Buffer
	require.NoError(t, d.Run(context.Background(), Request{Mode: ModeQuery}, in, &out))

	assert.Equal(t, "\n/nix/store/aaa-a\n/nix/store/ccc-c\n\n\n", out.String())
	require.NoError(t, pools.Close())
	peer.Wait()
	assert.Equal(t, 1, peer.Dials())
}

func TestRunQueryInfoRendersRecords(t *testing.T) {
	t.Parallel()

	peer := servetest.NewPeer()
	peer.AddInfo(domain.ArtifactInfo{
		Path:         "/nix/store/aaa-hello",
		Deriver:      "/nix/store/ddd-hello.drv",
		References:   []string{"/nix/store/eee-glibc", "/nix/store/aaa-hello"},
		DownloadSize: 1024,
		NarSize:      4096,
	})
	peer.AddInfo(domain.ArtifactInfo{Path: "/nix/store/fff-empty"})
	d, _ := newTestDispatcher(t, oneHost(), peer)

	in := strings.NewReader("info /nix/store/zzz-missing /nix/store/aaa-hello /nix/store/fff-empty\ninfo /nix/store/zzz-missing\n")
	var out bytes.Buffer
	require.NoError(t, d.Run(context.Background(), Request{Mode: ModeQuery}, in, &out))

	want := strings.Join([]string{
		"",
		"/nix/store/aaa-hello",
		"/nix/store/ddd-hello.drv",
		"2",
		"/nix/store/eee-glibc",
		"/nix/store/aaa-hello",
		"1024",
		"4096",
		"/nix/store/fff-empty",
		"",
		"0",
		"0",
		"0",
		"",
		"",
		"",
	}, "\n")
	assert.Equal(t, want, out.String())
}

func TestRunQueryUnknownCommandEndsSession(t *testing.T) {
	t.Parallel()

	peer := servetest.NewPeer()
	peer.AddInfo(domain.ArtifactInfo{Path: "/nix/store/aaa-a"})
	d, pools := newTestDispatcher(t, oneHost(), peer)

	in := strings.NewReader("have /nix/store/aaa-a\nlist\nhave /nix/store/aaa-a\n")
	var out bytes.Buffer
	err := d.Run(context.Background(), Request{Mode: ModeQuery}, in, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownQuery)
	assert.ErrorIs(t, err, domain.ErrProtocol)
	assert.ErrorContains(t, err, "`list'")
	assert.Equal(t, "\n/nix/store/aaa-a\n\n", out.String())

	require.NoError(t, pools.Close())
	peer.Wait()
	assert.Equal(t, []uint32{uint32(serve.CmdQuery), uint32(serve.QueryHave)}, peer.Commands())
}

func TestRunQueryEmptyLineIsUnknownQuery(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, oneHost(), servetest.NewPeer())

	err := d.Run(context.Background(), Request{Mode: ModeQuery}, strings.NewReader("   \n"), &bytes.Buffer{})
	require.ErrorIs(t, err, domain.ErrUnknownQuery)
}

func TestRunHandshakeMismatchIsProtocolError(t *testing.T) {
	t.Parallel()

	peer := servetest.NewPeer()
	peer.Magic = 0xdeadbeef
	d, pools := newTestDispatcher(t, oneHost(), peer)

	var out bytes.Buffer
	err := d.Run(context.Background(), Request{Mode: ModeQuery}, strings.NewReader("have /nix/store/a\n"), &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocolMismatch)
	assert.Equal(t, "\n", out.String())

	require.NoError(t, pools.Close())
	peer.Wait()
	assert.Empty(t, peer.Commands())
}

func TestRunDialFailureIsReported(t *testing.T) {
	t.Parallel()

	peer := servetest.NewPeer()
	peer.DialErr = errors.New("transport error: ssh command unavailable")
	d, _ := newTestDispatcher(t, oneHost(), peer)

	err := d.Run(context.Background(), Request{Mode: ModeQuery}, strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "connect to nix@cache")
	assert.ErrorContains(t, err, "ssh command unavailable")
}

func TestRunSubstituteRestoresArchive(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "hello")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "hello"), []byte("#!/bin/sh\n"), 0o755))

	var archive bytes.Buffer
	require.NoError(t, nar.Dump(&archive, src))

	peer := servetest.NewPeer()
	peer.AddPayload("/nix/store/aaa-hello", archive.Bytes())
	d, pools := newTestDispatcher(t, oneHost(), peer)

	dest := filepath.Join(t.TempDir(), "out")
	req, err := NewRequest(false, true, []string{"/nix/store/aaa-hello", dest})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, d.Run(context.Background(), req, nil, &out))
	assert.Equal(t, "\n\n", out.String())

	data, err := os.ReadFile(filepath.Join(dest, "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))

	require.NoError(t, pools.Close())
	peer.Wait()
	assert.Equal(t, []uint32{uint32(serve.CmdSubstitute)}, peer.Commands())
}

func TestRunSubstituteUnknownPathIsTransportError(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, oneHost(), servetest.NewPeer())

	dest := filepath.Join(t.TempDir(), "out")
	var out bytes.Buffer
	err := d.Run(context.Background(), Request{Mode: ModeSubstitute, StorePath: "/nix/store/zzz-missing", DestPath: dest}, nil, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, "\n", out.String())
}

func TestRunReusesInjectedPoolAcrossRequests(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	var archive bytes.Buffer
	require.NoError(t, nar.Dump(&archive, src))

	peer := servetest.NewPeer()
	peer.AddPayload("/nix/store/aaa-hello", archive.Bytes())
	d, pools := newTestDispatcher(t, oneHost(), peer)

	for _, name := range []string{"first", "second"} {
		dest := filepath.Join(t.TempDir(), name)
		req := Request{Mode: ModeSubstitute, StorePath: "/nix/store/aaa-hello", DestPath: dest}
		require.NoError(t, d.Run(context.Background(), req, nil, &bytes.Buffer{}))
	}

	hp, err := pools.For(domain.Host{Address: "nix@cache"})
	require.NoError(t, err)
	assert.Equal(t, 1, hp.Idle())
	assert.Equal(t, 1, peer.Dials())

	require.NoError(t, pools.Close())
	peer.Wait()
}
