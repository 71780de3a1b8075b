package nar

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bnema/ssh-substituter/internal/wire"
)

// Dump writes the archive of the tree rooted at path to w. Directory
// entries come out in byte order, as the format requires.
func Dump(w io.Writer, path string) error {
	if err := wire.WriteString(w, magic); err != nil {
		return err
	}
	return dumpNode(w, path)
}

func dumpNode(w io.Writer, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}

	if err := writeTokens(w, tokOpen, tokType); err != nil {
		return err
	}

	switch mode := info.Mode(); {
	case mode.IsRegular():
		if err := dumpRegular(w, path, info); err != nil {
			return err
		}
	case mode.IsDir():
		if err := dumpDirectory(w, path); err != nil {
			return err
		}
	case mode&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		if err := writeTokens(w, tokSymlink, tokTarget, target); err != nil {
			return err
		}
	default:
		return fmt.Errorf("dump %s: unsupported file type %s", path, mode.Type())
	}

	return wire.WriteString(w, tokClose)
}

func dumpRegular(w io.Writer, path string, info os.FileInfo) error {
	if err := wire.WriteString(w, tokRegular); err != nil {
		return err
	}
	if info.Mode()&0o111 != 0 {
		if err := writeTokens(w, tokExecutable, ""); err != nil {
			return err
		}
	}
	if err := wire.WriteString(w, tokContents); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return wire.WriteBlob(w, info.Size(), f)
}

func dumpDirectory(w io.Writer, path string) error {
	if err := wire.WriteString(w, tokDirectory); err != nil {
		return err
	}

	// os.ReadDir sorts by filename.
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := writeTokens(w, tokEntry, tokOpen, tokName, entry.Name(), tokNode); err != nil {
			return err
		}
		if err := dumpNode(w, filepath.Join(path, entry.Name())); err != nil {
			return err
		}
		if err := wire.WriteString(w, tokClose); err != nil {
			return err
		}
	}
	return nil
}

func writeTokens(w io.Writer, tokens ...string) error {
	for _, tok := range tokens {
		if err := wire.WriteString(w, tok); err != nil {
			return err
		}
	}
	return nil
}
