package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlassist/sqlassist/internal/assistant"
	"github.com/sqlassist/sqlassist/internal/auth"
	"github.com/sqlassist/sqlassist/internal/config"
	"github.com/sqlassist/sqlassist/internal/export"
	"github.com/sqlassist/sqlassist/internal/history"
	"github.com/sqlassist/sqlassist/internal/observability"
	"github.com/sqlassist/sqlassist/internal/presets"
	"github.com/sqlassist/sqlassist/internal/schema"
	"github.com/sqlassist/sqlassist/internal/session"
	"github.com/sqlassist/sqlassist/internal/source"
)

type ReadinessCheck func(ctx context.Context) error

// Assistant is the part of assistant.Engine the HTTP surface uses.
type Assistant interface {
	InitSession(ctx context.Context, owner string, upload source.Upload) (assistant.SessionInfo, error)
	Ask(ctx context.Context, owner string, req assistant.AskRequest) (assistant.QueryResult, error)
	RunPreset(ctx context.Context, owner, sessionID, presetID string) (assistant.QueryResult, error)
	RunSQL(ctx context.Context, owner, sessionID, sqlText string) (assistant.QueryResult, error)
	ResetSession(ctx context.Context, owner, sessionID string) error
	Schema(ctx context.Context, owner, sessionID string) (schema.Schema, error)
	History(ctx context.Context, owner, sessionID string) ([]session.Turn, error)
	OwnerHistory(ctx context.Context, owner string, limit int) ([]history.Entry, error)
	Presets(ctx context.Context, owner, sessionID string) ([]presets.Preset, error)
	ExportParquet(ctx context.Context, owner, sessionID, sqlText string) (export.ParquetEncodeResult, error)
	Health(ctx context.Context) assistant.Health
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Assistant         Assistant
	// MaxUploadBytes bounds the multipart body of POST /v1/sessions.
	MaxUploadBytes int64
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{"status": "ok", "service": cfg.Service.Name}
		if deps.Assistant != nil {
			health := deps.Assistant.Health(r.Context())
			if !health.OK {
				response["status"] = "degraded"
			}
			response["assistant"] = health
		}
		writeJSON(w, http.StatusOK, response)
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := map[string]http.HandlerFunc{
		"POST /v1/sessions":                       func(w http.ResponseWriter, r *http.Request) { handleCreateSession(deps, w, r) },
		"GET /v1/sessions/{id}/schema":            func(w http.ResponseWriter, r *http.Request) { handleGetSchema(deps, w, r) },
		"DELETE /v1/sessions/{id}":                func(w http.ResponseWriter, r *http.Request) { handleResetSession(deps, w, r) },
		"POST /v1/sessions/{id}/ask":              func(w http.ResponseWriter, r *http.Request) { handleAsk(deps, w, r) },
		"POST /v1/sessions/{id}/presets/{preset}": func(w http.ResponseWriter, r *http.Request) { handleRunPreset(deps, w, r) },
		"POST /v1/sessions/{id}/query":            func(w http.ResponseWriter, r *http.Request) { handleRunQuery(deps, w, r) },
		"GET /v1/sessions/{id}/history":           func(w http.ResponseWriter, r *http.Request) { handleSessionHistory(deps, w, r) },
		"POST /v1/sessions/{id}/export":           func(w http.ResponseWriter, r *http.Request) { handleExport(deps, w, r) },
		"GET /v1/presets":                         func(w http.ResponseWriter, r *http.Request) { handleListPresets(deps, w, r) },
		"GET /v1/history":                         func(w http.ResponseWriter, r *http.Request) { handleOwnerHistory(deps, w, r) },
	}

	protected := http.NewServeMux()
	for pattern, handler := range routes {
		protected.HandleFunc(pattern, handler)
	}

	var protectedHandler http.Handler = protected
	switch {
	case !cfg.Auth.Required:
		protectedHandler = auth.OwnerHeaderMiddleware()(protectedHandler)
	case deps.AuthMiddleware == nil:
		if deps.Logger != nil {
			deps.Logger.Error("auth required but auth middleware missing")
		}
		protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
		})
	default:
		protectedHandler = deps.AuthMiddleware(protectedHandler)
	}
	if deps.Assistant == nil {
		protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(r.Context(), w, http.StatusNotImplemented, "ASSISTANT_NOT_CONFIGURED", "assistant is not configured", false, nil)
		})
	}
	for pattern := range routes {
		mux.Handle(pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckBackend fails readiness until a generation backend is configured.
func CheckBackend(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.BackendConfigured() {
			return errors.New("ai backend is not configured")
		}
		return nil
	}
}

func CheckArchiveConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.Archive.Enabled {
			return nil
		}
		if cfg.Archive.Endpoint == "" {
			return errors.New("archive endpoint is not configured")
		}
		if cfg.Archive.Bucket == "" {
			return errors.New("archive bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
