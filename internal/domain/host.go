package domain

import (
	"fmt"
	"strings"
	"unicode"
)

// Host is one remote endpoint handed to the tunneling program, for example
// "user@cache.example.org".
type Host struct {
	Address string
}

func (h Host) Validate() error {
	if strings.TrimSpace(h.Address) == "" {
		return fmt.Errorf("host address is required")
	}
	if strings.HasPrefix(h.Address, "-") {
		return fmt.Errorf("host address %q must not start with '-'", h.Address)
	}
	if strings.IndexFunc(h.Address, unicode.IsSpace) >= 0 {
		return fmt.Errorf("host address %q must not contain whitespace", h.Address)
	}

	return nil
}

func (h Host) String() string {
	return h.Address
}
