package queue

import (
	"context"
	"sort"
	"sync"
)

type MemoryRepository struct {
	mu    sync.Mutex
	pools map[string]PoolSnapshot
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{pools: make(map[string]PoolSnapshot)}
}

func (r *MemoryRepository) LoadPool(_ context.Context, poolKey string) ([]Entry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.pools[poolKey]
	if !ok {
		return nil, 0, nil
	}
	return append([]Entry(nil), snap.Entries...), snap.Version, nil
}

func (r *MemoryRepository) SavePool(_ context.Context, snap PoolSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.pools[snap.PoolKey]; ok && cur.Version >= snap.Version {
		return ErrVersionConflict
	}
	snap.Entries = append([]Entry(nil), snap.Entries...)
	r.pools[snap.PoolKey] = snap
	return nil
}

func (r *MemoryRepository) ListPools(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.pools))
	for k := range r.pools {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
