package repository

import (
	"context"

	"github.com/datarun/lmis/internal/model"
	"github.com/jmoiron/sqlx"
)

// chLogsRepository lists attempt logs from ClickHouse. The lmis.adapter_logs table is
// fed from the primary store by CDC and is only read here.
type chLogsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHLogsRepository(ch *sqlx.DB) LogsReader {
	return &chLogsRepository{ch: ch}
}

func (r *chLogsRepository) List(ctx context.Context, f LogFilter) ([]model.LogEntry, error) {
	limit, offset := clampPage(f.Limit, f.Offset)

	q := `
		SELECT id, inbox_id, attempt, outcome, error_kind, response_code, message, created_at
		FROM lmis.adapter_logs
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

	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows := []model.LogEntry{}
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
