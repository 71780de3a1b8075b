package serve

import (
	"fmt"

	"github.com/bnema/ssh-substituter/internal/domain"
	"github.com/bnema/ssh-substituter/internal/wire"
)

// QuerySession issues have/info sub-commands on a Conn in query mode.
type QuerySession struct {
	conn *Conn
}

// Have returns the subset of paths the peer holds, in the peer's order.
func (q *QuerySession) Have(paths []string) ([]string, error) {
	c := q.conn
	if c.state != StateBusy {
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, c.state)
	}

	if err := q.send(QueryHave, paths); err != nil {
		return nil, err
	}

	have, err := wire.ReadStrings(c.ch)
	if err != nil {
		return nil, c.fail("read have", err)
	}
	return have, nil
}

// Info returns one record per path known to the peer. Unknown paths are
// simply absent.
func (q *QuerySession) Info(paths []string) ([]domain.ArtifactInfo, error) {
	c := q.conn
	if c.state != StateBusy {
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, c.state)
	}

	if err := q.send(QueryInfo, paths); err != nil {
		return nil, err
	}

	var infos []domain.ArtifactInfo
	for {
		path, err := wire.ReadString(c.ch)
		if err != nil {
			return nil, c.fail("read info path", err)
		}
		if path == "" {
			return infos, nil
		}

		info, err := q.readInfo(path)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
}

// End finishes the session. The Conn is closed because the peer stays in
// query mode until it sees end of input.
func (q *QuerySession) End() error {
	return q.conn.Close()
}

func (q *QuerySession) send(cmd QueryCommand, paths []string) error {
	c := q.conn
	if err := wire.WriteUint32(c.ch, uint32(cmd)); err != nil {
		return c.fail("write query command", err)
	}
	if err := wire.WriteStrings(c.ch, paths); err != nil {
		return c.fail("write query paths", err)
	}
	if err := c.ch.Flush(); err != nil {
		return c.fail("write query command", err)
	}
	return nil
}

func (q *QuerySession) readInfo(path string) (domain.ArtifactInfo, error) {
	c := q.conn
	info := domain.ArtifactInfo{Path: path}

	var err error
	if info.Deriver, err = wire.ReadString(c.ch); err != nil {
		return info, c.fail("read info deriver", err)
	}
	if info.References, err = wire.ReadStrings(c.ch); err != nil {
		return info, c.fail("read info references", err)
	}
	if info.DownloadSize, err = wire.ReadUint64(c.ch); err != nil {
		return info, c.fail("read info download size", err)
	}
	if info.NarSize, err = wire.ReadUint64(c.ch); err != nil {
		return info, c.fail("read info nar size", err)
	}

	info.NormalizeReferences()
	return info, nil
}
