package query

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultMaxRows = 1000
	DefaultTimeout = 10 * time.Second
)

type Executor struct {
	Defaults Limits
}

func NewExecutor(defaults Limits) *Executor {
	return &Executor{Defaults: defaults}
}

// Execute runs a single read-only statement. The surrounding transaction is
// always rolled back, so nothing the statement does can be committed.
func (e *Executor) Execute(ctx context.Context, db Beginner, request Request) (Result, error) {
	if db == nil {
		return Result{}, fmt.Errorf("connection is required")
	}
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return Result{}, fmt.Errorf("sql is required")
	}
	limits := e.limits(request.Limits)

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	// Neither driver takes a read-only transaction option (go-duckdb refuses
	// it), so read-only is enforced when the source is opened.
	tx, err := db.BeginTx(execCtx, nil)
	if err != nil {
		return Result{}, classify(execCtx, ctx, fmt.Errorf("begin read transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(execCtx, sqlText)
	if err != nil {
		return Result{}, classify(execCtx, ctx, err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, classify(execCtx, ctx, err)
	}

	resultRows := make([][]any, 0)
	truncated := false
	for rows.Next() {
		if len(resultRows) == limits.MaxRows {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, classify(execCtx, ctx, err)
		}
		resultRows = append(resultRows, NormalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Result{}, classify(execCtx, ctx, err)
	}

	return Result{
		Columns:   columns,
		Rows:      resultRows,
		Truncated: truncated,
		Duration:  time.Since(start),
	}, nil
}

func (e *Executor) limits(requested Limits) Limits {
	limits := requested
	if limits.MaxRows <= 0 {
		limits.MaxRows = e.Defaults.MaxRows
	}
	if limits.MaxRows <= 0 {
		limits.MaxRows = DefaultMaxRows
	}
	if limits.Timeout <= 0 {
		limits.Timeout = e.Defaults.Timeout
	}
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultTimeout
	}
	return limits
}

// classify turns a driver error into a timeout, a caller cancellation or an
// ExecutionError. Drivers report interrupted statements in their own words,
// so the contexts are consulted rather than the error text.
func classify(execCtx, callerCtx context.Context, err error) error {
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return ErrExecutionTimeout
	}
	if callerErr := callerCtx.Err(); callerErr != nil {
		return callerErr
	}
	return &ExecutionError{Message: err.Error(), Err: err}
}

// NormalizeValues converts driver values into JSON-friendly scalars.
func NormalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		normalized[i] = normalizeValue(value)
	}
	return normalized
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		// Binary values stay []byte and encode as base64 in JSON.
		if !utf8.Valid(typed) {
			return typed
		}
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	case *big.Int:
		if typed.IsInt64() {
			return typed.Int64()
		}
		return typed.String()
	case interface{ Float64() float64 }:
		return typed.Float64()
	case fmt.Stringer:
		return typed.String()
	default:
		return typed
	}
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
