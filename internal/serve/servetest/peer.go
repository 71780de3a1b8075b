// Package servetest provides an in-memory remote store that speaks the
// serve protocol, for tests that need a peer without ssh.
package servetest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/bnema/ssh-substituter/internal/domain"
	"github.com/bnema/ssh-substituter/internal/ports"
	"github.com/bnema/ssh-substituter/internal/serve"
	"github.com/bnema/ssh-substituter/internal/wire"
)

// Peer is a fake remote store. Configure it before the first Dial.
type Peer struct {
	// Magic is the greeting the peer answers with.
	Magic uint32
	// Version is the protocol version the peer announces.
	Version uint32
	// DialErr, when set, is returned by every Dial.
	DialErr error

	infos    map[string]domain.ArtifactInfo
	payloads map[string][]byte

	mu             sync.Mutex
	dials          int
	commands       []uint32
	clientVersions []uint32
	wg             sync.WaitGroup
}

var _ ports.Dialer = (*Peer)(nil)

func NewPeer() *Peer {
	return &Peer{
		Magic:    serve.Magic2,
		Version:  serve.ProtocolVersion,
		infos:    map[string]domain.ArtifactInfo{},
		payloads: map[string][]byte{},
	}
}

// AddInfo registers a path the peer knows about.
func (p *Peer) AddInfo(info domain.ArtifactInfo) {
	p.infos[info.Path] = info
}

// AddPayload registers the serialized archive served for path.
func (p *Peer) AddPayload(path string, archive []byte) {
	p.payloads[path] = archive
}

func (p *Peer) Dial(ctx context.Context, _ domain.Host) (ports.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.DialErr != nil {
		return nil, p.DialErr
	}

	p.mu.Lock()
	p.dials++
	p.mu.Unlock()

	client, server := Pipe()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer server.Close()
		p.serve(server)
	}()

	return client, nil
}

// Dials reports how many connections were opened.
func (p *Peer) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

// Commands lists every command and query sub-command opcode received.
func (p *Peer) Commands() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint32(nil), p.commands...)
}

func (p *Peer) ClientVersions() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint32(nil), p.clientVersions...)
}

// Wait blocks until every served connection has ended.
func (p *Peer) Wait() {
	p.wg.Wait()
}

func (p *Peer) serve(ch ports.Channel) {
	magic, err := wire.ReadUint32(ch)
	if err != nil || magic != serve.Magic1 {
		return
	}
	if wire.WriteUint32(ch, p.Magic) != nil || wire.WriteUint32(ch, p.Version) != nil || ch.Flush() != nil {
		return
	}

	if p.Magic != serve.Magic2 {
		_, _ = io.Copy(io.Discard, ch)
		return
	}

	version, err := wire.ReadUint32(ch)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.clientVersions = append(p.clientVersions, version)
	p.mu.Unlock()

	for {
		cmd, err := wire.ReadUint32(ch)
		if err != nil {
			return
		}
		p.record(cmd)

		switch serve.Command(cmd) {
		case serve.CmdQuery:
			p.serveQuery(ch)
			return
		case serve.CmdSubstitute:
			if !p.serveSubstitute(ch) {
				return
			}
		default:
			return
		}
	}
}

func (p *Peer) serveQuery(ch ports.Channel) {
	for {
		cmd, err := wire.ReadUint32(ch)
		if err != nil {
			return
		}
		p.record(cmd)

		paths, err := wire.ReadStrings(ch)
		if err != nil {
			return
		}

		switch serve.QueryCommand(cmd) {
		case serve.QueryHave:
			have := make([]string, 0, len(paths))
			for _, path := range paths {
				if _, ok := p.infos[path]; ok {
					have = append(have, path)
				}
			}
			if wire.WriteStrings(ch, have) != nil {
				return
			}
		case serve.QueryInfo:
			if p.writeInfos(ch, paths) != nil {
				return
			}
		default:
			return
		}

		if ch.Flush() != nil {
			return
		}
	}
}

func (p *Peer) writeInfos(w io.Writer, paths []string) error {
	for _, path := range paths {
		info, ok := p.infos[path]
		if !ok {
			continue
		}
		err := errors.Join(
			wire.WriteString(w, info.Path),
			wire.WriteString(w, info.Deriver),
			wire.WriteStrings(w, info.References),
			wire.WriteUint64(w, info.DownloadSize),
			wire.WriteUint64(w, info.NarSize),
		)
		if err != nil {
			return err
		}
	}
	return wire.WriteString(w, "")
}

func (p *Peer) serveSubstitute(ch ports.Channel) bool {
	path, err := wire.ReadString(ch)
	if err != nil {
		return false
	}

	archive, ok := p.payloads[path]
	if !ok {
		return false
	}
	if _, err := ch.Write(archive); err != nil {
		return false
	}
	return ch.Flush() == nil
}

func (p *Peer) record(cmd uint32) {
	p.mu.Lock()
	p.commands = append(p.commands, cmd)
	p.mu.Unlock()
}

// Pipe returns the two ends of an in-memory duplex channel.
func Pipe() (ports.Channel, ports.Channel) {
	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	client := &pipeChannel{r: clientRead, w: clientWrite, buf: bufio.NewWriter(clientWrite)}
	server := &pipeChannel{r: serverRead, w: serverWrite, buf: bufio.NewWriter(serverWrite)}
	return client, server
}

type pipeChannel struct {
	r   *io.PipeReader
	w   *io.PipeWriter
	buf *bufio.Writer
}

func (c *pipeChannel) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func (c *pipeChannel) Write(b []byte) (int, error) {
	return c.buf.Write(b)
}

func (c *pipeChannel) Flush() error {
	return c.buf.Flush()
}

func (c *pipeChannel) Close() error {
	werr := c.w.Close()
	rerr := c.r.Close()
	return errors.Join(werr, rerr)
}
