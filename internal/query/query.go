package query

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrExecutionTimeout = errors.New("query execution timed out")

type Limits struct {
	MaxRows int
	Timeout time.Duration
}

type Request struct {
	SQL    string
	Limits Limits
}

type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

// ExecutionError wraps a runtime failure reported by the data source.
type ExecutionError struct {
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	return "execute query: " + e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

type Runner interface {
	Execute(ctx context.Context, db Beginner, request Request) (Result, error)
}
