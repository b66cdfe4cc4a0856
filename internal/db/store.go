package db

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/datarun/lmis/internal/config"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Target is a resolved store location.
type Target struct {
	Driver     string // sqlx driver name
	DSN        string // passed to sqlx.Open
	MigrateURL string // passed to golang-migrate
}

// ParseURL resolves a database URL into a driver and DSN. SQLAlchemy style
// schemes such as "postgresql+asyncpg" are reduced to their dialect.
func ParseURL(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("empty database URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("parse database URL: %w", err)
	}

	dialect, _, _ := strings.Cut(strings.ToLower(u.Scheme), "+")
	switch dialect {
	case "postgres", "postgresql":
		u.Scheme = "postgres"
		q := u.Query()
		if q.Get("sslmode") == "" {
			q.Set("sslmode", "disable")
		}
		u.RawQuery = q.Encode()
		dsn := u.String()
		return Target{Driver: DriverPostgres, DSN: dsn, MigrateURL: dsn}, nil

	case "mysql", "mariadb":
		cfg := mysql.NewConfig()
		cfg.Net = "tcp"
		cfg.Addr = u.Host
		if u.Port() == "" {
			cfg.Addr = u.Hostname() + ":3306"
		}
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
		if u.User != nil {
			cfg.User = u.User.Username()
			cfg.Passwd, _ = u.User.Password()
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		for k, vs := range u.Query() {
			if len(vs) == 0 {
				continue
			}
			if cfg.Params == nil {
				cfg.Params = map[string]string{}
			}
			cfg.Params[k] = vs[0]
		}
		dsn := cfg.FormatDSN()

		mcfg := cfg.Clone()
		mcfg.MultiStatements = true
		return Target{Driver: DriverMySQL, DSN: dsn, MigrateURL: "mysql://" + mcfg.FormatDSN()}, nil

	default:
		return Target{}, fmt.Errorf("unsupported database scheme %q", u.Scheme)
	}
}

// pool holds connection pool settings shared by the primary and reporting stores.
type pool struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
	maxIdleTime time.Duration
	pingTimeout time.Duration
}

// apply sets the pool limits and pings; on a failed ping the handle is closed.
func (p pool) apply(conn *sqlx.DB) error {
	if p.maxOpen > 0 {
		conn.SetMaxOpenConns(p.maxOpen)
	}
	if p.maxIdle > 0 {
		conn.SetMaxIdleConns(p.maxIdle)
	}
	if p.maxLifetime > 0 {
		conn.SetConnMaxLifetime(p.maxLifetime)
	}
	if p.maxIdleTime > 0 {
		conn.SetConnMaxIdleTime(p.maxIdleTime)
	}

	timeout := p.pingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// Open connects the primary store named by cfg.URL.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	target, err := ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	conn, err := sqlx.Open(target.Driver, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("database connect: %w", err)
	}
	p := pool{
		maxOpen:     cfg.MaxOpenConns,
		maxIdle:     cfg.MaxIdleConns,
		maxLifetime: cfg.ConnMaxLifetime,
		maxIdleTime: cfg.ConnMaxIdleTime,
		pingTimeout: cfg.PingTimeout,
	}
	if err := p.apply(conn); err != nil {
		return nil, fmt.Errorf("database connect (%s): %w", target.Driver, err)
	}
	return conn, nil
}
