package assistant

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sqlassist/sqlassist/internal/history"
	"github.com/sqlassist/sqlassist/internal/nl2sql"
	"github.com/sqlassist/sqlassist/internal/observability"
	"github.com/sqlassist/sqlassist/internal/prompt"
	"github.com/sqlassist/sqlassist/internal/query"
	"github.com/sqlassist/sqlassist/internal/session"
	"github.com/sqlassist/sqlassist/internal/sqlguard"
)

type AskRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
	// History overrides the previous turn the session remembers.
	History *prompt.PriorTurn `json:"history,omitempty"`
}

// Ask answers one question. On failure the partial result is returned
// together with the error.
func (e *Engine) Ask(ctx context.Context, owner string, req AskRequest) (QueryResult, error) {
	run := &askRun{
		engine:  e,
		started: e.Clock(),
		result: QueryResult{
			RequestID: e.NewID(),
			Question:  strings.TrimSpace(req.Question),
			Columns:   []string{},
			Results:   []Row{},
			Stage:     StageReceived,
		},
		owner:     owner,
		sessionID: req.SessionID,
	}
	e.Logger.DebugContext(ctx, "ask received",
		slog.String("request_id", run.result.RequestID),
		slog.String("session_id", req.SessionID),
	)

	if utf8.RuneCountInString(run.result.Question) < e.Config.MinQuestionRunes {
		return run.fail(ctx, ErrQuestionTooShort)
	}

	sess, release, err := e.Store.Acquire(ctx, owner, req.SessionID)
	if err != nil {
		return run.fail(ctx, err)
	}
	defer release()
	run.session = sess

	return run.answer(ctx, req.History)
}

// RunPreset asks the catalog question presetID against a session.
func (e *Engine) RunPreset(ctx context.Context, owner, sessionID, presetID string) (QueryResult, error) {
	preset, ok := e.Catalog.Lookup(presetID)
	if !ok {
		return QueryResult{Columns: []string{}, Results: []Row{}, Stage: StageError, Error: ErrPresetNotFound.Error()}, ErrPresetNotFound
	}
	return e.Ask(ctx, owner, AskRequest{SessionID: sessionID, Question: preset.Question})
}

type askRun struct {
	engine    *Engine
	owner     string
	sessionID string
	session   *session.Session
	started   time.Time
	result    QueryResult
}

func (r *askRun) advance(ctx context.Context, stage Stage) {
	r.result.Stage = stage
	r.engine.Logger.DebugContext(ctx, "ask stage",
		slog.String("request_id", r.result.RequestID),
		slog.String("session_id", r.sessionID),
		slog.String("stage", string(stage)),
	)
}

func (r *askRun) answer(ctx context.Context, override *prompt.PriorTurn) (QueryResult, error) {
	e := r.engine
	sess := r.session
	r.advance(ctx, StageSchemaReady)

	prior := override
	if prior == nil {
		if turn, ok := sess.LastTurn(); ok {
			prior = &prompt.PriorTurn{Question: turn.Question, SQL: turn.SQL}
		}
	}
	built := prompt.Build(sess.Schema, r.result.Question, prior, e.Config.Prompt)
	r.advance(ctx, StagePrompted)

	candidate, err := e.Generator.Generate(ctx, built)
	if err != nil {
		return r.fail(ctx, err)
	}
	r.result.SQL = candidate.SQL
	r.advance(ctx, StageGenerated)

	verdict := sqlguard.Validate(candidate.SQL, sess.Schema)
	if !verdict.Accepted {
		observability.IncrementRejection(string(verdict.Reason))
		return r.fail(ctx, verdict.Err())
	}
	r.advance(ctx, StageValidated)

	executed, err := e.Executor.Execute(ctx, sess.Source.DB, query.Request{SQL: candidate.SQL, Limits: e.Config.Limits})
	if err != nil {
		return r.fail(ctx, err)
	}
	observability.ObserveExecution(string(sess.Source.Dialect), executed.Duration, executed.Truncated)
	r.result.Columns = executed.Columns
	r.result.Results = NewRows(executed.Columns, executed.Rows)
	r.result.RowCount = len(executed.Rows)
	r.result.Truncated = executed.Truncated
	r.advance(ctx, StageExecuted)

	if e.Summarizer != nil {
		if answer, ok := e.Summarizer.Summarize(ctx, r.result.Question, candidate.SQL, executed.Columns, executed.Rows); ok {
			r.result.Answer = answer
			r.advance(ctx, StageAnswered)
		}
	}
	r.advance(ctx, StageDone)
	r.finish(ctx, nil)
	return r.result, nil
}

func (r *askRun) fail(ctx context.Context, err error) (QueryResult, error) {
	r.result.Stage = StageError
	r.result.Error = err.Error()
	r.result.Reason = Reason(err)
	r.finish(ctx, err)
	return r.result, err
}

func (r *askRun) finish(ctx context.Context, askErr error) {
	e := r.engine
	elapsed := e.Clock().Sub(r.started)
	observability.ObserveAsk(string(r.result.Stage))

	attrs := []any{
		slog.String("request_id", r.result.RequestID),
		slog.String("session_id", r.sessionID),
		slog.String("stage", string(r.result.Stage)),
		slog.Int("row_count", r.result.RowCount),
		slog.Duration("duration", elapsed),
	}
	if askErr != nil {
		e.Logger.InfoContext(ctx, "ask failed", append(attrs, slog.String("reason", r.result.Reason), slog.Any("error", askErr))...)
	} else {
		e.Logger.InfoContext(ctx, "ask completed", attrs...)
	}

	if r.session == nil {
		return
	}
	r.session.Record(session.Turn{
		RequestID: r.result.RequestID,
		Question:  r.result.Question,
		SQL:       r.result.SQL,
		Stage:     string(r.result.Stage),
		RowCount:  r.result.RowCount,
		Error:     r.result.Error,
		At:        r.started,
	})

	entry := history.Entry{
		RequestID: r.result.RequestID,
		SessionID: r.session.ID,
		Owner:     r.owner,
		Question:  r.result.Question,
		SQL:       r.result.SQL,
		Stage:     string(r.result.Stage),
		Reason:    r.result.Reason,
		RowCount:  r.result.RowCount,
		Truncated: r.result.Truncated,
		Duration:  elapsed,
		CreatedAt: r.started,
	}
	if err := e.Log.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.Logger.WarnContext(ctx, "record query history failed",
			slog.String("request_id", r.result.RequestID),
			slog.Any("error", err),
		)
	}
}

// Reason classifies an ask failure into a short stable label.
func Reason(err error) string {
	var (
		rejection  *sqlguard.RejectionError
		generation *nl2sql.GenerationError
		execution  *query.ExecutionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rejection):
		return string(rejection.Reason)
	case errors.Is(err, ErrQuestionTooShort):
		return "question_too_short"
	case errors.Is(err, ErrPresetNotFound):
		return "preset_not_found"
	case errors.Is(err, session.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, session.ErrSessionBusy):
		return "session_busy"
	case errors.As(err, &generation):
		return "generation_failed"
	case errors.Is(err, query.ErrExecutionTimeout):
		return "execution_timeout"
	case errors.As(err, &execution):
		return "execution_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
