package ports

import (
	"context"

	"github.com/bnema/ssh-substituter/internal/domain"
)

type HostRepository interface {
	List(ctx context.Context) ([]domain.Host, error)
}
