package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/datarun/lmis/internal/model"
	"github.com/jmoiron/sqlx"
)

// InboxRepository defines persistence for the adapter_inbox table.
type InboxRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, rec model.InboxRecord) error
	Get(ctx context.Context, id string) (*model.InboxRecord, error)
	// ListReceived returns RECEIVED records, oldest first. Read-only.
	ListReceived(ctx context.Context, limit int) ([]model.InboxRecord, error)
	// Claim moves one record RECEIVED -> PROCESSING. It reports false when another
	// runner got there first.
	Claim(ctx context.Context, id string, at time.Time) (bool, error)
	// Unclaim returns a claimed record to RECEIVED and takes back the attempt the claim
	// counted. Only for records no call was made for.
	Unclaim(ctx context.Context, id string, at time.Time) error
	// Complete finishes an attempt: final status and log entry in one transaction.
	Complete(ctx context.Context, c model.Completion) error
	// Requeue moves a FAILED record back to RECEIVED.
	Requeue(ctx context.Context, id string, at time.Time) (bool, error)
	// ReleaseStuck moves PROCESSING records claimed before cutoff back to RECEIVED.
	ReleaseStuck(ctx context.Context, cutoff, at time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[model.InboxStatus]int64, error)
}

type InboxRepositoryImpl struct {
	db   *sqlx.DB
	logs LogsRepository
}

func NewInboxRepository(db *sqlx.DB, logs LogsRepository) *InboxRepositoryImpl {
	return &InboxRepositoryImpl{db: db, logs: logs}
}

var _ InboxRepository = (*InboxRepositoryImpl)(nil)

const inboxColumns = `id, source, contract_name, contract_version, payload, status, attempts, last_error,
	received_at, claimed_at, processed_at, updated_at`

// Insert adds a new record with status RECEIVED.
func (r *InboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, rec model.InboxRecord) error {
	q := r.db.Rebind(`
		INSERT INTO adapter_inbox
		    (id, source, contract_name, contract_version, payload, status, attempts, last_error, received_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, 0, '', ?, ?)
	`)
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			rec.ID, rec.Source, rec.ContractName, rec.ContractVersion, rec.Payload.String(),
			model.StatusReceived.String(), rec.ReceivedAt, rec.ReceivedAt,
		)
		return err
	})
}

func (r *InboxRepositoryImpl) Get(ctx context.Context, id string) (*model.InboxRecord, error) {
	var rec model.InboxRecord
	err := r.db.GetContext(ctx, &rec, r.db.Rebind(`SELECT `+inboxColumns+` FROM adapter_inbox WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *InboxRepositoryImpl) ListReceived(ctx context.Context, limit int) ([]model.InboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.Rebind(`
		SELECT ` + inboxColumns + `
		  FROM adapter_inbox
		 WHERE status = ?
		 ORDER BY received_at ASC, id ASC
		 LIMIT ?
	`)

	rows := []model.InboxRecord{}
	if err := r.db.SelectContext(ctx, &rows, q, model.StatusReceived.String(), limit); err != nil {
		return nil, err
	}
	return rows, nil
}

// Claim is a conditional update; at most one concurrent caller sees rows affected = 1.
func (r *InboxRepositoryImpl) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	q := r.db.Rebind(`
		UPDATE adapter_inbox
		   SET status = ?, attempts = attempts + 1, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?
	`)
	res, err := r.db.ExecContext(ctx, q, model.StatusProcessing.String(), at, at, id, model.StatusReceived.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *InboxRepositoryImpl) Unclaim(ctx context.Context, id string, at time.Time) error {
	q := r.db.Rebind(`
		UPDATE adapter_inbox
		   SET status = ?, attempts = attempts - 1, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?
	`)
	_, err := r.db.ExecContext(ctx, q, model.StatusReceived.String(), at, id, model.StatusProcessing.String())
	return err
}

func (r *InboxRepositoryImpl) Complete(ctx context.Context, c model.Completion) error {
	if c.Status != model.StatusSent && c.Status != model.StatusFailed {
		return fmt.Errorf("complete %s: invalid final status %q", c.InboxID, c.Status)
	}
	q := r.db.Rebind(`
		UPDATE adapter_inbox
		   SET status = ?, last_error = ?, processed_at = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?
	`)

	lost := false
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, c.Status.String(), c.LastError, c.At, c.At, c.InboxID, model.StatusProcessing.String())
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		lost = n == 0

		if err := r.logs.Insert(ctx, tx, c.Entry); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if lost {
		return fmt.Errorf("complete %s: %w", c.InboxID, ErrClaimLost)
	}
	return nil
}

func (r *InboxRepositoryImpl) Requeue(ctx context.Context, id string, at time.Time) (bool, error) {
	q := r.db.Rebind(`
		UPDATE adapter_inbox
		   SET status = ?, claimed_at = NULL, processed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?
	`)
	res, err := r.db.ExecContext(ctx, q, model.StatusReceived.String(), at, id, model.StatusFailed.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *InboxRepositoryImpl) ReleaseStuck(ctx context.Context, cutoff, at time.Time) (int64, error) {
	q := r.db.Rebind(`
		UPDATE adapter_inbox
		   SET status = ?, claimed_at = NULL, updated_at = ?
		 WHERE status = ? AND claimed_at < ?
	`)
	res, err := r.db.ExecContext(ctx, q, model.StatusReceived.String(), at, model.StatusProcessing.String(), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *InboxRepositoryImpl) CountByStatus(ctx context.Context) (map[model.InboxStatus]int64, error) {
	var rows []struct {
		Status model.InboxStatus `db:"status"`
		N      int64             `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM adapter_inbox GROUP BY status`); err != nil {
		return nil, err
	}
	out := make(map[model.InboxStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}
