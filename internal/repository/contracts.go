package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/datarun/lmis/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
)

// ContractsRepository defines persistence for mapping_contracts. Contracts are
// append-only: a change is a new version.
type ContractsRepository interface {
	// Get returns the given version, or the latest one when version <= 0.
	Get(ctx context.Context, name string, version int) (*model.MappingContract, error)
	List(ctx context.Context) ([]model.MappingContract, error)
	// Create stores definition as the next version of name.
	Create(ctx context.Context, name string, definition []byte, at time.Time) (*model.MappingContract, error)
}

type ContractsRepositoryImpl struct {
	db *sqlx.DB
}

func NewContractsRepository(db *sqlx.DB) *ContractsRepositoryImpl {
	return &ContractsRepositoryImpl{db: db}
}

var _ ContractsRepository = (*ContractsRepositoryImpl)(nil)

func (r *ContractsRepositoryImpl) Get(ctx context.Context, name string, version int) (*model.MappingContract, error) {
	var (
		c    model.MappingContract
		err  error
		base = `SELECT id, name, version, definition, created_at FROM mapping_contracts WHERE name = ?`
	)
	if version > 0 {
		err = r.db.GetContext(ctx, &c, r.db.Rebind(base+` AND version = ?`), name, version)
	} else {
		err = r.db.GetContext(ctx, &c, r.db.Rebind(base+` ORDER BY version DESC LIMIT 1`), name)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ContractsRepositoryImpl) List(ctx context.Context) ([]model.MappingContract, error) {
	rows := []model.MappingContract{}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, name, version, definition, created_at
		  FROM mapping_contracts
		 ORDER BY name ASC, version DESC
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ContractsRepositoryImpl) Create(ctx context.Context, name string, definition []byte, at time.Time) (*model.MappingContract, error) {
	c := model.MappingContract{
		Name:       name,
		Definition: types.JSONText(definition),
		CreatedAt:  at,
	}
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		var current int
		if err := tx.GetContext(ctx, &current,
			tx.Rebind(`SELECT COALESCE(MAX(version), 0) FROM mapping_contracts WHERE name = ?`), name,
		); err != nil {
			return err
		}
		c.Version = current + 1

		// (name, version) is unique; a concurrent create of the same name fails here.
		if _, err := tx.ExecContext(ctx,
			tx.Rebind(`INSERT INTO mapping_contracts (name, version, definition, created_at) VALUES (?, ?, ?, ?)`),
			c.Name, c.Version, c.Definition.String(), c.CreatedAt,
		); err != nil {
			return err
		}

		return tx.GetContext(ctx, &c.ID,
			tx.Rebind(`SELECT id FROM mapping_contracts WHERE name = ? AND version = ?`), c.Name, c.Version,
		)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}
