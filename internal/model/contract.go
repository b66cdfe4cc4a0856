package model

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// MappingContract is a named, versioned transformation definition (mapping_contracts table).
// The definition is parsed by the mapping package.
type MappingContract struct {
	ID         int64          `db:"id" json:"id"`
	Name       string         `db:"name" json:"name"`
	Version    int            `db:"version" json:"version"`
	Definition types.JSONText `db:"definition" json:"definition"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}
