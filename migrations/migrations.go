// Package migrations embeds the schema for every supported store.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql mysql/*.sql clickhouse/*.sql
var files embed.FS

// For returns the golang-migrate source directory for a sqlx driver name ("postgres", "mysql").
func For(driver string) (fs.FS, error) {
	return fs.Sub(files, driver)
}

// ClickHouse returns the reporting schema statements, in order.
func ClickHouse() ([]byte, error) {
	return files.ReadFile("clickhouse/init.sql")
}
