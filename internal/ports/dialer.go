package ports

import (
	"context"

	"github.com/bnema/ssh-substituter/internal/domain"
)

type Dialer interface {
	Dial(ctx context.Context, host domain.Host) (Channel, error)
}
