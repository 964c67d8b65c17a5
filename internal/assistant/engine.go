// Package assistant answers natural-language questions about an uploaded
// data source by generating, checking and running SQL.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sqlassist/sqlassist/internal/archive"
	"github.com/sqlassist/sqlassist/internal/history"
	"github.com/sqlassist/sqlassist/internal/nl2sql"
	"github.com/sqlassist/sqlassist/internal/presets"
	"github.com/sqlassist/sqlassist/internal/prompt"
	"github.com/sqlassist/sqlassist/internal/query"
	"github.com/sqlassist/sqlassist/internal/session"
	"github.com/sqlassist/sqlassist/internal/source"
)

// DefaultMinQuestionRunes matches the shortest question the service accepts.
const DefaultMinQuestionRunes = 10

var (
	ErrQuestionTooShort = errors.New("question is too short")
	ErrPresetNotFound   = errors.New("preset not found")
	ErrHistoryDisabled  = errors.New("query history is not configured")
)

type Config struct {
	MinQuestionRunes int
	Prompt           prompt.Options
	Limits           query.Limits
	// Backend names the generation backend in health reports.
	Backend           string
	BackendConfigured bool
}

type SourceOpener interface {
	Open(ctx context.Context, upload source.Upload) (*source.Source, error)
}

type SQLGenerator interface {
	Generate(ctx context.Context, p prompt.Prompt) (nl2sql.Candidate, error)
}

type AnswerSummarizer interface {
	Summarize(ctx context.Context, question, sqlText string, columns []string, rows [][]any) (string, bool)
}

type UploadArchiver interface {
	Archive(ctx context.Context, upload archive.Upload) (archive.ObjectInfo, error)
}

// Dependencies wires the engine. Archiver and History are optional.
type Dependencies struct {
	Loader     SourceOpener
	Store      *session.Store
	Generator  SQLGenerator
	Summarizer AnswerSummarizer
	Executor   query.Runner
	Presets    *presets.Catalog
	Archiver   UploadArchiver
	History    history.Log
	Logger     *slog.Logger
}

type Engine struct {
	Config     Config
	Loader     SourceOpener
	Store      *session.Store
	Generator  SQLGenerator
	Summarizer AnswerSummarizer
	Executor   query.Runner
	Catalog    *presets.Catalog
	Archiver   UploadArchiver
	Log        history.Log
	Logger     *slog.Logger
	Clock      func() time.Time
	NewID      func() string

	historyEnabled bool
}

func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	switch {
	case deps.Loader == nil:
		return nil, fmt.Errorf("source loader is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("session store is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("sql generator is required")
	}
	if cfg.MinQuestionRunes <= 0 {
		cfg.MinQuestionRunes = DefaultMinQuestionRunes
	}
	engine := &Engine{
		Config:         cfg,
		Loader:         deps.Loader,
		Store:          deps.Store,
		Generator:      deps.Generator,
		Summarizer:     deps.Summarizer,
		Executor:       deps.Executor,
		Catalog:        deps.Presets,
		Archiver:       deps.Archiver,
		Log:            deps.History,
		Logger:         deps.Logger,
		Clock:          time.Now,
		NewID:          func() string { return ulid.Make().String() },
		historyEnabled: deps.History != nil,
	}
	if engine.Executor == nil {
		engine.Executor = query.NewExecutor(cfg.Limits)
	}
	if engine.Log == nil {
		engine.Log = history.Discard{}
	}
	if engine.Catalog == nil {
		catalog, err := presets.Default()
		if err != nil {
			return nil, err
		}
		engine.Catalog = catalog
	}
	if engine.Logger == nil {
		engine.Logger = slog.Default()
	}
	return engine, nil
}

// Health reports whether questions can currently be answered.
type Health struct {
	OK                bool   `json:"ok"`
	Backend           string `json:"backend"`
	BackendConfigured bool   `json:"backend_configured"`
	StoreOperative    bool   `json:"store_operative"`
	Sessions          int    `json:"sessions"`
	HistoryLog        string `json:"history_log"`
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

func (e *Engine) Health(ctx context.Context) Health {
	health := Health{
		Backend:           e.Config.Backend,
		BackendConfigured: e.Config.BackendConfigured,
		StoreOperative:    e.Store != nil,
		HistoryLog:        "disabled",
	}
	if e.Store != nil {
		health.Sessions = e.Store.Len()
	}
	if e.historyEnabled {
		health.HistoryLog = "ok"
		if checker, ok := e.Log.(healthChecker); ok {
			if err := checker.HealthCheck(ctx); err != nil {
				e.Logger.WarnContext(ctx, "history log health check failed", slog.Any("error", err))
				health.HistoryLog = "unavailable"
			}
		}
	}
	health.OK = health.BackendConfigured && health.StoreOperative
	return health
}
