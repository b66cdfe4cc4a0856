package db

import (
	"context"
	"fmt"
	"time"

	"github.com/datarun/lmis/internal/config"
	"github.com/redis/go-redis/v9"
)

// OpenRedis returns (nil, nil) when no address is configured. Without Redis the contract
// cache, the API rate limit and the sweep lock are all disabled.
func OpenRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dial,
	})
	ctx, cancel := context.WithTimeout(context.Background(), dial)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
