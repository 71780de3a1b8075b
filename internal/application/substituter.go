package application

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bnema/ssh-substituter/internal/domain"
	"github.com/bnema/ssh-substituter/internal/ports"
	"github.com/bnema/ssh-substituter/internal/serve"
	"github.com/bnema/ssh-substituter/internal/wire"
	"github.com/rs/zerolog"
)

const (
	queryHave = "have"
	queryInfo = "info"
)

// Substituter runs one mode over an established Conn and renders the
// replies for the calling process.
type Substituter struct {
	restorer ports.Restorer
	logger   zerolog.Logger
}

func NewSubstituter(restorer ports.Restorer, logger zerolog.Logger) *Substituter {
	return &Substituter{restorer: restorer, logger: logger}
}

// Query reads one sub-command per line from in until end of input. Any
// failure ends the whole session.
func (s *Substituter) Query(ctx context.Context, conn *serve.Conn, in io.Reader, out io.Writer) error {
	session, err := conn.BeginQuery()
	if err != nil {
		return err
	}
	defer func() {
		if endErr := session.End(); endErr != nil {
			s.logger.Debug().Err(endErr).Str("conn", conn.ID()).Msg("end query session")
		}
	}()

	w := bufio.NewWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), wire.MaxStringLen)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			return fmt.Errorf("%w: empty line", domain.ErrUnknownQuery)
		}

		cmd, paths := fields[0], fields[1:]
		switch cmd {
		case queryHave:
			have, err := session.Have(paths)
			if err != nil {
				return err
			}
			renderHave(w, have)
		case queryInfo:
			infos, err := session.Info(paths)
			if err != nil {
				return err
			}
			renderInfo(w, infos)
		default:
			return fmt.Errorf("%w `%s'", domain.ErrUnknownQuery, cmd)
		}

		s.logger.Debug().Str("query", cmd).Int("paths", len(paths)).Msg("query answered")

		w.WriteByte('\n')
		if err := w.Flush(); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read queries: %w", err)
	}

	return nil
}

// Substitute materializes storePath at destPath, then writes the blank
// completion line.
func (s *Substituter) Substitute(ctx context.Context, conn *serve.Conn, storePath, destPath string, out io.Writer) error {
	err := conn.Substitute(ctx, storePath, func(r io.Reader) error {
		return s.restorer.Restore(ctx, destPath, r)
	})
	if err != nil {
		return err
	}

	s.logger.Debug().Str("path", storePath).Str("dest", destPath).Msg("substituted")

	if _, err := io.WriteString(out, "\n"); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}
