package queue

import (
	"context"
	"errors"
)

var ErrVersionConflict = errors.New("pool was saved with a newer version")

// Repository persists pool snapshots. An unknown pool loads as empty with
// version 0.
type Repository interface {
	LoadPool(ctx context.Context, poolKey string) ([]Entry, int64, error)
	SavePool(ctx context.Context, snap PoolSnapshot) error
	ListPools(ctx context.Context) ([]string, error)
}
