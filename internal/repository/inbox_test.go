package repository_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datarun/lmis/internal/model"
	"github.com/datarun/lmis/internal/repository"
)

var at = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func newInboxRepo(t *testing.T) (*repository.InboxRepositoryImpl, sqlmock.Sqlmock) {
	db, mock := newMock(t)
	return repository.NewInboxRepository(db, repository.NewLogsRepository(db)), mock
}

var inboxCols = []string{"id", "source", "contract_name", "contract_version", "payload", "status", "attempts",
	"last_error", "received_at", "claimed_at", "processed_at", "updated_at"}

func TestInbox_ListReceived_OldestFirst(t *testing.T) {
	repo, mock := newInboxRepo(t)

	rows := sqlmock.NewRows(inboxCols).
		AddRow("01A", "openlmis", "stock", 0, []byte(`{"qty":1}`), "RECEIVED", 0, "", at, nil, nil, at).
		AddRow("01B", "openlmis", "stock", 2, []byte(`{"qty":2}`), "RECEIVED", 1, "", at.Add(time.Second), nil, nil, at)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = ? ORDER BY received_at ASC, id ASC LIMIT ?")).
		WithArgs("RECEIVED", 10).
		WillReturnRows(rows)

	recs, err := repo.ListReceived(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "01A", recs[0].ID)
	assert.Equal(t, model.StatusReceived, recs[0].Status)
	assert.JSONEq(t, `{"qty":1}`, recs[0].Payload.String())
	assert.Nil(t, recs[0].ClaimedAt)
	assert.Equal(t, 2, recs[1].ContractVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInbox_ListReceived_EmptyIsNotError(t *testing.T) {
	repo, mock := newInboxRepo(t)
	mock.ExpectQuery("FROM adapter_inbox").WillReturnRows(sqlmock.NewRows(inboxCols))

	recs, err := repo.ListReceived(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.NotNil(t, recs)
}

func TestInbox_Claim(t *testing.T) {
	claimSQL := regexp.QuoteMeta("UPDATE adapter_inbox SET status = ?, attempts = attempts + 1, claimed_at = ?, updated_at = ? WHERE id = ? AND status = ?")

	t.Run("claimed", func(t *testing.T) {
		repo, mock := newInboxRepo(t)
		mock.ExpectExec(claimSQL).
			WithArgs("PROCESSING", at, at, "01A", "RECEIVED").
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.Claim(context.Background(), "01A", at)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already claimed", func(t *testing.T) {
		repo, mock := newInboxRepo(t)
		mock.ExpectExec(claimSQL).WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.Claim(context.Background(), "01A", at)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("store error", func(t *testing.T) {
		repo, mock := newInboxRepo(t)
		mock.ExpectExec(claimSQL).WillReturnError(errors.New("connection reset"))

		_, err := repo.Claim(context.Background(), "01A", at)
		assert.Error(t, err)
	})
}

func TestInbox_Unclaim_RestoresAttempt(t *testing.T) {
	repo, mock := newInboxRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE adapter_inbox SET status = ?, attempts = attempts - 1, claimed_at = NULL, updated_at = ? WHERE id = ? AND status = ?")).
		WithArgs("RECEIVED", at, "01A", "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Unclaim(context.Background(), "01A", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInbox_Complete_WritesStatusAndLogTogether(t *testing.T) {
	repo, mock := newInboxRepo(t)
	code := 200
	c := model.Completion{
		InboxID: "01A",
		Status:  model.StatusSent,
		At:      at,
		Entry: model.LogEntry{
			ID: "L1", InboxID: "01A", Attempt: 1, Outcome: model.OutcomeSuccess,
			ResponseCode: &code, Message: "delivered", CreatedAt: at,
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE adapter_inbox SET status = ?, last_error = ?, processed_at = ?")).
		WithArgs("SENT", "", at, at, "01A", "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO adapter_logs")).
		WithArgs("L1", "01A", 1, "SUCCESS", "", 200, "delivered", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Complete(context.Background(), c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInbox_Complete_ClaimLostStillLogs(t *testing.T) {
	repo, mock := newInboxRepo(t)
	c := model.Completion{
		InboxID: "01A", Status: model.StatusFailed, LastError: "dispatch: HTTP 500", At: at,
		Entry: model.LogEntry{ID: "L1", InboxID: "01A", Attempt: 1, Outcome: model.OutcomeFailure,
			ErrorKind: model.ErrorKindDispatch, Message: "dispatch: HTTP 500", CreatedAt: at},
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE adapter_inbox").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO adapter_logs").
		WithArgs("L1", "01A", 1, "FAILURE", "DISPATCH", nil, "dispatch: HTTP 500", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Complete(context.Background(), c)
	assert.ErrorIs(t, err, repository.ErrClaimLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInbox_Complete_LogFailureRollsBack(t *testing.T) {
	repo, mock := newInboxRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE adapter_inbox").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO adapter_logs").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.Complete(context.Background(), model.Completion{InboxID: "01A", Status: model.StatusSent, At: at})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInbox_Complete_RejectsNonFinalStatus(t *testing.T) {
	repo, _ := newInboxRepo(t)
	err := repo.Complete(context.Background(), model.Completion{InboxID: "01A", Status: model.StatusReceived})
	assert.Error(t, err)
}

func TestInbox_Get_NotFound(t *testing.T) {
	repo, mock := newInboxRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM adapter_inbox WHERE id = ?")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(inboxCols))

	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestInbox_Requeue_OnlyFailed(t *testing.T) {
	repo, mock := newInboxRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = ? AND status = ?")).
		WithArgs("RECEIVED", at, "01A", "FAILED").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Requeue(context.Background(), "01A", at)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInbox_ReleaseStuck(t *testing.T) {
	repo, mock := newInboxRepo(t)
	cutoff := at.Add(-10 * time.Minute)
	mock.ExpectExec(regexp.QuoteMeta("WHERE status = ? AND claimed_at < ?")).
		WithArgs("RECEIVED", at, "PROCESSING", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.ReleaseStuck(context.Background(), cutoff, at)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestInbox_Insert(t *testing.T) {
	repo, mock := newInboxRepo(t)
	rec := model.InboxRecord{ID: "01A", Source: "openlmis", ContractName: "stock", Payload: []byte(`{"a":1}`), ReceivedAt: at}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO adapter_inbox")).
		WithArgs("01A", "openlmis", "stock", 0, `{"a":1}`, "RECEIVED", at, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Insert(context.Background(), nil, rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInbox_CountByStatus(t *testing.T) {
	repo, mock := newInboxRepo(t)
	mock.ExpectQuery("GROUP BY status").
		WillReturnRows(sqlmock.NewRows([]string{"status", "n"}).AddRow("SENT", 4).AddRow("FAILED", 1))

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[model.StatusSent])
	assert.Equal(t, int64(1), counts[model.StatusFailed])
}
