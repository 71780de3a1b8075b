package nar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bnema/ssh-substituter/internal/ports"
	"github.com/bnema/ssh-substituter/internal/wire"
	"github.com/rs/zerolog"
)

// Restorer materializes an archive at a destination path. It consumes
// exactly one archive from the stream and nothing past it.
type Restorer struct {
	logger zerolog.Logger
}

var _ ports.Restorer = (*Restorer)(nil)

func NewRestorer(logger zerolog.Logger) *Restorer {
	return &Restorer{logger: logger}
}

func (r *Restorer) Restore(ctx context.Context, destPath string, src io.Reader) error {
	if destPath == "" {
		return errors.New("restore: destination path is required")
	}
	if _, err := os.Lstat(destPath); err == nil {
		return fmt.Errorf("restore %s: %w", destPath, fs.ErrExist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("restore %s: %w", destPath, err)
	}

	rs := &restoreState{ctx: ctx, r: src}
	if err := rs.expect(magic); err != nil {
		return err
	}
	if err := rs.node(destPath); err != nil {
		return err
	}

	r.logger.Debug().
		Str("dest", destPath).
		Int("files", rs.files).
		Int64("bytes", rs.bytes).
		Msg("archive restored")
	return nil
}

type restoreState struct {
	ctx   context.Context
	r     io.Reader
	files int
	bytes int64
}

func (s *restoreState) read() (string, error) {
	tok, err := wire.ReadString(s.r)
	if errors.Is(err, io.EOF) {
		return "", io.ErrUnexpectedEOF
	}
	return tok, err
}

func (s *restoreState) expect(want string) error {
	got, err := s.read()
	if err != nil {
		return err
	}
	if got != want {
		return malformed("expected %q, got %q", want, got)
	}
	return nil
}

func (s *restoreState) node(path string) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if err := s.expect(tokOpen); err != nil {
		return err
	}
	if err := s.expect(tokType); err != nil {
		return err
	}

	kind, err := s.read()
	if err != nil {
		return err
	}
	switch kind {
	case tokRegular:
		return s.regular(path)
	case tokDirectory:
		return s.directory(path)
	case tokSymlink:
		return s.symlink(path)
	default:
		return malformed("unknown node type %q", kind)
	}
}

func (s *restoreState) regular(path string) error {
	tok, err := s.read()
	if err != nil {
		return err
	}

	mode := os.FileMode(0o644)
	if tok == tokExecutable {
		if err := s.expect(""); err != nil {
			return err
		}
		mode = 0o755
		if tok, err = s.read(); err != nil {
			return err
		}
	}
	if tok != tokContents {
		return malformed("expected %q, got %q", tokContents, tok)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	n, copyErr := wire.CopyBlob(f, s.r)
	closeErr := f.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", path, closeErr)
	}

	s.files++
	s.bytes += n
	return s.expect(tokClose)
}

func (s *restoreState) symlink(path string) error {
	if err := s.expect(tokTarget); err != nil {
		return err
	}
	target, err := s.read()
	if err != nil {
		return err
	}
	if target == "" {
		return malformed("empty symlink target")
	}
	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("symlink %s: %w", path, err)
	}

	s.files++
	return s.expect(tokClose)
}

func (s *restoreState) directory(path string) error {
	if err := os.Mkdir(path, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}

	prev := ""
	for {
		tok, err := s.read()
		if err != nil {
			return err
		}
		if tok == tokClose {
			return nil
		}
		if tok != tokEntry {
			return malformed("expected %q, got %q", tokEntry, tok)
		}

		if err := s.expect(tokOpen); err != nil {
			return err
		}
		if err := s.expect(tokName); err != nil {
			return err
		}
		name, err := s.read()
		if err != nil {
			return err
		}
		if err := validName(name); err != nil {
			return err
		}
		if prev != "" && name <= prev {
			return malformed("entry %q out of order after %q", name, prev)
		}
		prev = name

		if err := s.expect(tokNode); err != nil {
			return err
		}
		if err := s.node(filepath.Join(path, name)); err != nil {
			return err
		}
		if err := s.expect(tokClose); err != nil {
			return err
		}
	}
}
