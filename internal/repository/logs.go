package repository

import (
	"context"

	"github.com/datarun/lmis/internal/model"
	"github.com/jmoiron/sqlx"
)

// LogFilter narrows a log listing. Zero values mean "any".
type LogFilter struct {
	InboxID string
	Outcome model.LogOutcome
	Limit   int
	Offset  int
}

// LogsReader lists attempt logs; implemented by the primary store and ClickHouse.
type LogsReader interface {
	List(ctx context.Context, f LogFilter) ([]model.LogEntry, error)
}

// LogsRepository defines persistence for the append-only adapter_logs table.
type LogsRepository interface {
	LogsReader
	Insert(ctx context.Context, tx *sqlx.Tx, e model.LogEntry) error
}

type LogsRepositoryImpl struct {
	db *sqlx.DB
}

func NewLogsRepository(db *sqlx.DB) *LogsRepositoryImpl {
	return &LogsRepositoryImpl{db: db}
}

var _ LogsRepository = (*LogsRepositoryImpl)(nil)

func (r *LogsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, e model.LogEntry) error {
	q := r.db.Rebind(`
		INSERT INTO adapter_logs
		    (id, inbox_id, attempt, outcome, error_kind, response_code, message, created_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			e.ID, e.InboxID, e.Attempt, e.Outcome.String(), string(e.ErrorKind), e.ResponseCode, e.Message, e.CreatedAt,
		)
		return err
	})
}

func (r *LogsRepositoryImpl) List(ctx context.Context, f LogFilter) ([]model.LogEntry, error) {
	limit, offset := clampPage(f.Limit, f.Offset)

	q := `
		SELECT id, inbox_id, attempt, outcome, error_kind, response_code, message, created_at
		FROM adapter_logs
		WHERE 1 = 1
	`
	args := []any{}
	if f.InboxID != "" {
		q += " AND inbox_id = ?"
		args = append(args, f.InboxID)
	}
	if f.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, f.Outcome.String())
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows := []model.LogEntry{}
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	return rows, nil
}
