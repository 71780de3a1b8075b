package ports

import (
	"context"
	"io"
)

// Restorer materializes a serialized artifact read from r at destPath.
type Restorer interface {
	Restore(ctx context.Context, destPath string, r io.Reader) error
}
