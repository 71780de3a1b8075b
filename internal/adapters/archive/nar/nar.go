// Package nar reads and writes the Nix archive format: a canonical,
// deterministic serialization of a filesystem tree built from wire
// strings. Restorer materializes an archive streamed from a remote store;
// Dump produces one from a local tree.
package nar

import (
	"fmt"

	"github.com/bnema/ssh-substituter/internal/wire"
)

const (
	magic = "nix-archive-1"

	tokOpen       = "("
	tokClose      = ")"
	tokType       = "type"
	tokRegular    = "regular"
	tokDirectory  = "directory"
	tokSymlink    = "symlink"
	tokExecutable = "executable"
	tokContents   = "contents"
	tokTarget     = "target"
	tokEntry      = "entry"
	tokName       = "name"
	tokNode       = "node"
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: nar: %s", wire.ErrMalformed, fmt.Sprintf(format, args...))
}

// validName rejects entry names that could escape the restored tree.
func validName(name string) error {
	switch name {
	case "", ".", "..":
		return malformed("invalid entry name %q", name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return malformed("invalid entry name %q", name)
		}
	}
	return nil
}
