package assistant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sqlassist/sqlassist/internal/archive"
	"github.com/sqlassist/sqlassist/internal/export"
	"github.com/sqlassist/sqlassist/internal/history"
	"github.com/sqlassist/sqlassist/internal/observability"
	"github.com/sqlassist/sqlassist/internal/presets"
	"github.com/sqlassist/sqlassist/internal/query"
	"github.com/sqlassist/sqlassist/internal/schema"
	"github.com/sqlassist/sqlassist/internal/session"
	"github.com/sqlassist/sqlassist/internal/source"
	"github.com/sqlassist/sqlassist/internal/sqlguard"
)

type TableSummary struct {
	Name     string          `json:"name"`
	Columns  []schema.Column `json:"columns"`
	RowCount int64           `json:"row_count"`
}

type SessionInfo struct {
	SessionID     string           `json:"session_id"`
	Filename      string           `json:"filename"`
	Kind          source.Kind      `json:"kind"`
	Dialect       schema.Dialect   `json:"dialect"`
	SchemaSummary []TableSummary   `json:"schema_summary"`
	Presets       []presets.Preset `json:"presets"`
	ArchiveKey    string           `json:"archive_key,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// InitSession opens an upload, introspects it and registers a session for
// owner. Anything that makes the upload unreadable is reported as an
// introspection failure.
func (e *Engine) InitSession(ctx context.Context, owner string, upload source.Upload) (SessionInfo, error) {
	src, err := e.Loader.Open(ctx, upload)
	if err != nil {
		if errors.Is(err, source.ErrUnsupportedKind) || errors.Is(err, source.ErrTooLarge) {
			return SessionInfo{}, err
		}
		var introspection *schema.IntrospectionError
		if errors.As(err, &introspection) {
			return SessionInfo{}, err
		}
		return SessionInfo{}, &schema.IntrospectionError{Reason: "unreadable upload", Err: err}
	}

	sess, err := e.Store.Create(ctx, owner, src)
	if err != nil {
		return SessionInfo{}, err
	}

	info := SessionInfo{
		SessionID:     sess.ID,
		Filename:      src.Filename,
		Kind:          src.Kind,
		Dialect:       sess.Schema.Dialect,
		SchemaSummary: summarize(sess.Schema),
		Presets:       e.Catalog.ForSource(src.Filename),
		CreatedAt:     sess.CreatedAt,
	}
	if e.Archiver != nil {
		info.ArchiveKey = e.archiveUpload(ctx, sess)
	}
	return info, nil
}

func (e *Engine) archiveUpload(ctx context.Context, sess *session.Session) string {
	raw, err := sess.Source.OpenRaw()
	if err != nil {
		e.Logger.WarnContext(ctx, "open upload for archive failed", slog.String("session_id", sess.ID), slog.Any("error", err))
		return ""
	}
	defer func() { _ = raw.Close() }()

	stored, err := e.Archiver.Archive(ctx, archive.Upload{
		Owner:     sess.Owner,
		SessionID: sess.ID,
		Filename:  sess.Source.Filename,
		Kind:      string(sess.Source.Kind),
		Size:      sess.Source.Size,
		Body:      raw,
	})
	if err != nil {
		e.Logger.WarnContext(ctx, "archive upload failed", slog.String("session_id", sess.ID), slog.Any("error", err))
		return ""
	}
	return stored.Key
}

func summarize(s schema.Schema) []TableSummary {
	out := make([]TableSummary, 0, len(s.Tables))
	for _, table := range s.Tables {
		out = append(out, TableSummary{Name: table.Name, Columns: table.Columns, RowCount: table.RowCount})
	}
	return out
}

func (e *Engine) ResetSession(ctx context.Context, owner, sessionID string) error {
	return e.Store.Evict(ctx, owner, sessionID)
}

func (e *Engine) Schema(ctx context.Context, owner, sessionID string) (schema.Schema, error) {
	sess, err := e.Store.Get(ctx, owner, sessionID)
	if err != nil {
		return schema.Schema{}, err
	}
	e.Store.Touch(sess)
	return sess.Schema, nil
}

// History lists the turns the session still remembers, oldest first.
func (e *Engine) History(ctx context.Context, owner, sessionID string) ([]session.Turn, error) {
	sess, err := e.Store.Get(ctx, owner, sessionID)
	if err != nil {
		return nil, err
	}
	e.Store.Touch(sess)
	return sess.History(), nil
}

// OwnerHistory reads the durable log, newest first.
func (e *Engine) OwnerHistory(ctx context.Context, owner string, limit int) ([]history.Entry, error) {
	if !e.historyEnabled {
		return nil, ErrHistoryDisabled
	}
	return e.Log.ListByOwner(ctx, owner, limit)
}

// Presets lists the whole catalog, or only the presets suited to the
// session's upload when sessionID is set.
func (e *Engine) Presets(ctx context.Context, owner, sessionID string) ([]presets.Preset, error) {
	if sessionID == "" {
		return e.Catalog.All(), nil
	}
	sess, err := e.Store.Get(ctx, owner, sessionID)
	if err != nil {
		return nil, err
	}
	return e.Catalog.ForSource(sess.Source.Filename), nil
}

// ExportParquet re-checks and runs sqlText against the session and encodes
// the rows as a Parquet file.
func (e *Engine) ExportParquet(ctx context.Context, owner, sessionID, sqlText string) (export.ParquetEncodeResult, error) {
	sess, release, err := e.Store.Acquire(ctx, owner, sessionID)
	if err != nil {
		return export.ParquetEncodeResult{}, err
	}
	defer release()

	verdict := sqlguard.Validate(sqlText, sess.Schema)
	if !verdict.Accepted {
		observability.IncrementRejection(string(verdict.Reason))
		return export.ParquetEncodeResult{}, verdict.Err()
	}
	executed, err := e.Executor.Execute(ctx, sess.Source.DB, query.Request{SQL: sqlText, Limits: e.Config.Limits})
	if err != nil {
		return export.ParquetEncodeResult{}, err
	}
	encoded, err := export.EncodeResultToParquet(executed.Columns, executed.Rows)
	if err != nil {
		return export.ParquetEncodeResult{}, err
	}
	e.Logger.InfoContext(ctx, "result exported",
		slog.String("session_id", sessionID),
		slog.Int64("records", encoded.RecordCount),
		slog.Bool("truncated", executed.Truncated),
	)
	return encoded, nil
}
