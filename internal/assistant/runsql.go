package assistant

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sqlassist/sqlassist/internal/observability"
	"github.com/sqlassist/sqlassist/internal/query"
	"github.com/sqlassist/sqlassist/internal/sqlguard"
)

// RunSQL checks and runs caller-written SQL against a session, skipping
// generation. Like Ask, the partial result comes back with any error.
func (e *Engine) RunSQL(ctx context.Context, owner, sessionID, sqlText string) (QueryResult, error) {
	result := QueryResult{
		RequestID: e.NewID(),
		SQL:       strings.TrimSpace(sqlText),
		Columns:   []string{},
		Results:   []Row{},
		Stage:     StageGenerated,
	}
	fail := func(err error) (QueryResult, error) {
		result.Stage = StageError
		result.Error = err.Error()
		result.Reason = Reason(err)
		e.Logger.InfoContext(ctx, "sql run failed",
			slog.String("request_id", result.RequestID),
			slog.String("session_id", sessionID),
			slog.String("reason", result.Reason),
			slog.Any("error", err),
		)
		return result, err
	}

	sess, release, err := e.Store.Acquire(ctx, owner, sessionID)
	if err != nil {
		return fail(err)
	}
	defer release()

	verdict := sqlguard.Validate(result.SQL, sess.Schema)
	if !verdict.Accepted {
		observability.IncrementRejection(string(verdict.Reason))
		return fail(verdict.Err())
	}
	result.Stage = StageValidated

	executed, err := e.Executor.Execute(ctx, sess.Source.DB, query.Request{SQL: result.SQL, Limits: e.Config.Limits})
	if err != nil {
		return fail(err)
	}
	observability.ObserveExecution(string(sess.Source.Dialect), executed.Duration, executed.Truncated)
	e.Store.Touch(sess)

	result.Columns = executed.Columns
	result.Results = NewRows(executed.Columns, executed.Rows)
	result.RowCount = len(executed.Rows)
	result.Truncated = executed.Truncated
	result.Stage = StageDone
	e.Logger.InfoContext(ctx, "sql run completed",
		slog.String("request_id", result.RequestID),
		slog.String("session_id", sessionID),
		slog.Int("row_count", result.RowCount),
		slog.Bool("truncated", result.Truncated),
	)
	return result, nil
}
