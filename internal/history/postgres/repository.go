// Package postgres persists the query history in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sqlassist/sqlassist/internal/history"
)

const defaultListLimit = 50

type Repository struct {
	db    *sql.DB
	clock func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, clock: time.Now}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping history db: %w", err)
	}
	return nil
}

// Record appends one entry. Replaying the same request id is a no-op.
func (r *Repository) Record(ctx context.Context, entry history.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.clock()
	}

	query := `
INSERT INTO query_history (request_id, session_id, owner, question, sql_query, stage, reason, row_count, truncated, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (request_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query,
		entry.RequestID,
		entry.SessionID,
		entry.Owner,
		entry.Question,
		entry.SQL,
		entry.Stage,
		entry.Reason,
		entry.RowCount,
		entry.Truncated,
		entry.Duration.Milliseconds(),
		createdAt.UTC(),
	); err != nil {
		return fmt.Errorf("record query history: %w", err)
	}
	return nil
}

// ListByOwner returns the newest entries of owner first.
func (r *Repository) ListByOwner(ctx context.Context, owner string, limit int) ([]history.Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT request_id, session_id, owner, question, sql_query, stage, reason, row_count, truncated, duration_ms, created_at
FROM query_history
WHERE owner = $1
ORDER BY created_at DESC
LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]history.Entry, 0)
	for rows.Next() {
		var (
			entry      history.Entry
			durationMS int64
		)
		if err := rows.Scan(
			&entry.RequestID,
			&entry.SessionID,
			&entry.Owner,
			&entry.Question,
			&entry.SQL,
			&entry.Stage,
			&entry.Reason,
			&entry.RowCount,
			&entry.Truncated,
			&durationMS,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan query history: %w", err)
		}
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query history: %w", err)
	}
	return entries, nil
}
