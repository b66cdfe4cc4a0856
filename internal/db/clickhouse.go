package db

import (
	"fmt"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/datarun/lmis/internal/config"
	"github.com/jmoiron/sqlx"
)

// OpenClickHouse connects the reporting store. It returns (nil, nil) when no DSN is
// configured; log listings then fall back to the primary store.
func OpenClickHouse(cfg config.ClickHouseConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	ch, err := sqlx.Open("clickhouse", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("clickhouse connect: %w", err)
	}
	p := pool{
		maxOpen:     cfg.MaxOpenConns,
		maxIdle:     cfg.MaxIdleConns,
		maxLifetime: cfg.ConnMaxLifetime,
		maxIdleTime: cfg.ConnMaxIdleTime,
		pingTimeout: cfg.PingTimeout,
	}
	if err := p.apply(ch); err != nil {
		return nil, fmt.Errorf("clickhouse connect: %w", err)
	}
	return ch, nil
}
