package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUsage     = errors.New("usage error")
	ErrProtocol  = errors.New("protocol error")
	ErrTransport = errors.New("transport error")

	ErrProtocolMismatch = fmt.Errorf("%w: protocol mismatch", ErrProtocol)
	ErrUnknownQuery     = fmt.Errorf("%w: unknown substituter query", ErrProtocol)
)
