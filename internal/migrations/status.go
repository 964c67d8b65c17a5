package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrSchemaBehind is returned by CheckCurrent while migrations are pending
// or the query_history table is missing.
var ErrSchemaBehind = errors.New("query history schema is not current")

type Status struct {
	Applied      []int64 `json:"applied"`
	Pending      []int64 `json:"pending"`
	HistoryTable bool    `json:"history_table"`
}

func (s Status) Current() bool {
	return len(s.Pending) == 0 && s.HistoryTable
}

// Status compares the embedded migrations with the database without
// changing it.
func (r *Runner) Status(ctx context.Context, db *sql.DB) (Status, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return Status{}, err
	}
	var tracked, history bool
	err = db.QueryRowContext(ctx,
		`SELECT to_regclass($1) IS NOT NULL, to_regclass('query_history') IS NOT NULL`,
		migrationTable,
	).Scan(&tracked, &history)
	if err != nil {
		return Status{}, fmt.Errorf("inspect history schema: %w", err)
	}

	status := Status{Applied: []int64{}, Pending: []int64{}, HistoryTable: history}
	done := map[int64]struct{}{}
	if tracked {
		applied, err := appliedVersions(ctx, db, "ASC")
		if err != nil {
			return Status{}, err
		}
		for _, version := range applied {
			done[version] = struct{}{}
		}
		status.Applied = applied
	}
	for _, item := range migrations {
		if _, ok := done[item.Version]; !ok {
			status.Pending = append(status.Pending, item.Version)
		}
	}
	return status, nil
}

// CheckCurrent has the shape of a readiness check: it fails until
// sqlassist-migrate has brought the history database up to date.
func (r *Runner) CheckCurrent(db *sql.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		status, err := r.Status(ctx, db)
		if err != nil {
			return err
		}
		if !status.Current() {
			return fmt.Errorf("%w: pending %v, query_history present %t", ErrSchemaBehind, status.Pending, status.HistoryTable)
		}
		return nil
	}
}
