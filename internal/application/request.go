package application

import (
	"fmt"

	"github.com/bnema/ssh-substituter/internal/domain"
)

type Mode int

const (
	ModeUnset Mode = iota
	ModeQuery
	ModeSubstitute
)

func (m Mode) String() string {
	switch m {
	case ModeQuery:
		return "query"
	case ModeSubstitute:
		return "substitute"
	default:
		return "unset"
	}
}

// Request is one validated invocation of the substituter.
type Request struct {
	Mode      Mode
	StorePath string
	DestPath  string
}

// NewRequest builds a Request from the parsed mode flags and positional
// arguments. Every malformed combination is a domain.ErrUsage.
func NewRequest(query, substitute bool, args []string) (Request, error) {
	var req Request
	switch {
	case query && substitute:
		return Request{}, fmt.Errorf("%w: --query and --substitute are mutually exclusive", domain.ErrUsage)
	case query:
		if len(args) != 0 {
			return Request{}, fmt.Errorf("%w: --query takes no arguments, got %d", domain.ErrUsage, len(args))
		}
		req.Mode = ModeQuery
	case substitute:
		if len(args) != 2 {
			return Request{}, fmt.Errorf("%w: --substitute takes exactly two arguments, got %d", domain.ErrUsage, len(args))
		}
		req = Request{Mode: ModeSubstitute, StorePath: args[0], DestPath: args[1]}
	case len(args) > 0:
		return Request{}, fmt.Errorf("%w: unknown command %q", domain.ErrUsage, args[0])
	default:
		return Request{}, fmt.Errorf("%w: an argument is required", domain.ErrUsage)
	}

	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r Request) Validate() error {
	switch r.Mode {
	case ModeQuery:
		if r.StorePath != "" || r.DestPath != "" {
			return fmt.Errorf("%w: --query takes no arguments", domain.ErrUsage)
		}
	case ModeSubstitute:
		if r.StorePath == "" {
			return fmt.Errorf("%w: store path is required", domain.ErrUsage)
		}
		if r.DestPath == "" {
			return fmt.Errorf("%w: destination path is required", domain.ErrUsage)
		}
	default:
		return fmt.Errorf("%w: no mode selected", domain.ErrUsage)
	}

	return nil
}
