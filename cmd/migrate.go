package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/datarun/lmis/internal/config"
	"github.com/datarun/lmis/internal/db"
	"github.com/datarun/lmis/migrations"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/spf13/cobra"
)

var (
	migrateDown       bool
	migrateClickHouse bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations (up by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		target, err := db.ParseURL(cfg.Database.URL)
		if err != nil {
			return err
		}
		dir, err := migrations.For(target.Driver)
		if err != nil {
			return fmt.Errorf("migrations for %s: %w", target.Driver, err)
		}
		src, err := iofs.New(dir, ".")
		if err != nil {
			return fmt.Errorf("migration source: %w", err)
		}
		m, err := migrate.NewWithSourceInstance("iofs", src, target.MigrateURL)
		if err != nil {
			return fmt.Errorf("migrate init: %w", err)
		}
		defer func() { _, _ = m.Close() }()

		if migrateDown {
			err = m.Down()
		} else {
			err = m.Up()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate: %w", err)
		}

		version, dirty, _ := m.Version()
		cmd.Printf(">> %s migrations done (version=%d dirty=%t)\n", target.Driver, version, dirty)

		if migrateClickHouse {
			return migrateReports(cmd.Context(), cfg)
		}
		return nil
	},
}

// migrateReports creates the ClickHouse reporting schema. Statements are idempotent.
func migrateReports(ctx context.Context, cfg config.Config) error {
	chDB, err := db.OpenClickHouse(cfg.ClickHouse)
	if err != nil {
		return err
	}
	if chDB == nil {
		return fmt.Errorf("%w: clickhouse.dsn", config.ErrMissingRequired)
	}
	defer chDB.Close()

	raw, err := migrations.ClickHouse()
	if err != nil {
		return err
	}
	for _, stmt := range bytes.Split(raw, []byte(";")) {
		stmt = bytes.TrimSpace(stmt)
		if len(stmt) == 0 {
			continue
		}
		if _, err := chDB.ExecContext(ctx, string(stmt)); err != nil {
			return fmt.Errorf("clickhouse migrate: %w", err)
		}
	}
	return nil
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back every migration")
	migrateCmd.Flags().BoolVar(&migrateClickHouse, "clickhouse", false, "also create the ClickHouse reporting tables")
}
