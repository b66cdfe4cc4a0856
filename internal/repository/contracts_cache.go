package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/datarun/lmis/internal/model"
	"github.com/redis/go-redis/v9"
)

// CachedContractsRepository keeps contract lookups in Redis. Contracts are immutable per
// version, so only the "latest" alias needs invalidation on Create.
type CachedContractsRepository struct {
	next      ContractsRepository
	rdb       *redis.Client
	ttl       time.Duration
	keyPrefix string
}

var _ ContractsRepository = (*CachedContractsRepository)(nil)

// NewCachedContractsRepository wraps next; with a nil client it returns next unchanged.
func NewCachedContractsRepository(next ContractsRepository, rdb *redis.Client, ttl time.Duration) ContractsRepository {
	if rdb == nil {
		return next
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedContractsRepository{next: next, rdb: rdb, ttl: ttl, keyPrefix: "lmis:contract:"}
}

func (r *CachedContractsRepository) key(name string, version int) string {
	if version <= 0 {
		return fmt.Sprintf("%s%s:latest", r.keyPrefix, name)
	}
	return fmt.Sprintf("%s%s:%d", r.keyPrefix, name, version)
}

func (r *CachedContractsRepository) Get(ctx context.Context, name string, version int) (*model.MappingContract, error) {
	key := r.key(name, version)

	// a miss or an unavailable cache falls through to the store
	if raw, err := r.rdb.Get(ctx, key).Bytes(); err == nil {
		var c model.MappingContract
		if json.Unmarshal(raw, &c) == nil {
			return &c, nil
		}
	}

	c, err := r.next.Get(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(c); err == nil {
		_ = r.rdb.Set(ctx, key, b, r.ttl).Err()
	}
	return c, nil
}

func (r *CachedContractsRepository) List(ctx context.Context) ([]model.MappingContract, error) {
	return r.next.List(ctx)
}

func (r *CachedContractsRepository) Create(ctx context.Context, name string, definition []byte, at time.Time) (*model.MappingContract, error) {
	c, err := r.next.Create(ctx, name, definition, at)
	if err != nil {
		return nil, err
	}
	_ = r.rdb.Del(ctx, r.key(name, 0)).Err()
	return c, nil
}
