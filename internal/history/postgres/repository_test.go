package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlassist/sqlassist/internal/config"
	"github.com/sqlassist/sqlassist/internal/history"
)

const insertQuery = `
INSERT INTO query_history (request_id, session_id, owner, question, sql_query, stage, reason, row_count, truncated, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (request_id) DO NOTHING`

func TestRecord(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	at := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(insertQuery)).
		WithArgs("01J0000000000000000000000A", "session-1", "alice", "How many orders are there?",
			"SELECT count(*) FROM orders", "done", "", 1, false, int64(42), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Record(context.Background(), history.Entry{
		RequestID: "01J0000000000000000000000A",
		SessionID: "session-1",
		Owner:     "alice",
		Question:  "How many orders are there?",
		SQL:       "SELECT count(*) FROM orders",
		Stage:     "done",
		RowCount:  1,
		Duration:  42 * time.Millisecond,
		CreatedAt: at,
	})
	require.NoError(t, err)
	assertSQLMock(t, mock)
}

func TestRecordDefaultsCreatedAt(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Date(2026, time.March, 2, 11, 0, 0, 0, time.UTC)
	repo.clock = func() time.Time { return now }

	mock.ExpectExec(regexp.QuoteMeta(insertQuery)).
		WithArgs("req-2", "session-1", "alice", "drop everything please", "DROP TABLE orders", "error", "not_a_select", 0, false, int64(0), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Record(context.Background(), history.Entry{
		RequestID: "req-2",
		SessionID: "session-1",
		Owner:     "alice",
		Question:  "drop everything please",
		SQL:       "DROP TABLE orders",
		Stage:     "error",
		Reason:    "not_a_select",
	})
	require.NoError(t, err)
	assertSQLMock(t, mock)
}

func TestRecordValidatesAndWrapsErrors(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	require.Error(t, repo.Record(context.Background(), history.Entry{SessionID: "s", Stage: "done"}))

	mock.ExpectExec(regexp.QuoteMeta(insertQuery)).WillReturnError(errors.New("connection reset"))
	err := repo.Record(context.Background(), history.Entry{RequestID: "r", SessionID: "s", Stage: "done"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record query history")
	assertSQLMock(t, mock)
}

func TestListByOwner(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	at := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	columns := []string{"request_id", "session_id", "owner", "question", "sql_query", "stage", "reason", "row_count", "truncated", "duration_ms", "created_at"}
	mock.ExpectQuery(`FROM query_history\s+WHERE owner = \$1\s+ORDER BY created_at DESC\s+LIMIT \$2`).
		WithArgs("alice", defaultListLimit).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("r2", "s1", "alice", "how many customers exist", "SELECT count(*) FROM customers", "done", "", 1, false, int64(7), at).
			AddRow("r1", "s1", "alice", "list all the orders", "SELECT * FROM orders LIMIT 5", "done", "", 5, true, int64(12), at.Add(-time.Minute)))

	entries, err := repo.ListByOwner(context.Background(), "alice", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r2", entries[0].RequestID)
	assert.Equal(t, 7*time.Millisecond, entries[0].Duration)
	assert.True(t, entries[1].Truncated)
	assertSQLMock(t, mock)
}

func TestHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectPing().WillReturnError(errors.New("down"))
	require.Error(t, NewRepository(db).HealthCheck(context.Background()))
	assertSQLMock(t, mock)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), config.HistoryConfig{})
	require.Error(t, err)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	require.NoError(t, mock.ExpectationsWereMet())
}
