package nl2sql

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sqlassist/sqlassist/internal/observability"
	"github.com/sqlassist/sqlassist/internal/prompt"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultRetryBackoff = 500 * time.Millisecond
	maxAttempts         = 2
)

type Candidate struct {
	SQL      string
	Raw      string
	Backend  string
	Attempts int
}

type Generator struct {
	Backend      Completer
	Timeout      time.Duration
	RetryBackoff time.Duration
	Logger       *slog.Logger
}

func NewGenerator(backend Completer, timeout, backoff time.Duration, logger *slog.Logger) *Generator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if backoff < 0 {
		backoff = DefaultRetryBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{Backend: backend, Timeout: timeout, RetryBackoff: backoff, Logger: logger}
}

// Generate asks the backend for SQL. Transient failures are retried once;
// content rejections are not.
func (g *Generator) Generate(ctx context.Context, p prompt.Prompt) (Candidate, error) {
	if g.Backend == nil {
		return Candidate{}, &GenerationError{Backend: "none", Err: fmt.Errorf("no backend configured")}
	}
	backend := g.Backend.Name()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			observability.IncrementGenerationRetry(backend)
			g.Logger.WarnContext(ctx, "retrying sql generation",
				slog.String("backend", backend),
				slog.Any("error", lastErr),
			)
			if err := sleep(ctx, g.RetryBackoff); err != nil {
				return Candidate{}, &GenerationError{Backend: backend, Attempts: attempt - 1, Err: err}
			}
		}

		raw, err := g.complete(ctx, p, "generate")
		if err == nil {
			sql := ExtractSQL(raw)
			if sql != "" {
				return Candidate{SQL: sql, Raw: raw, Backend: backend, Attempts: attempt}, nil
			}
			err = ErrEmptyResponse
		}
		lastErr = err
		if !isTransient(err) || ctx.Err() != nil {
			return Candidate{}, &GenerationError{Backend: backend, Attempts: attempt, Err: err}
		}
	}
	return Candidate{}, &GenerationError{Backend: backend, Attempts: maxAttempts, Err: lastErr}
}

func (g *Generator) complete(ctx context.Context, p prompt.Prompt, purpose string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()
	start := time.Now()
	raw, err := g.Backend.Complete(attemptCtx, p)
	observability.ObserveGeneration(g.Backend.Name(), purpose, time.Since(start))
	return raw, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExtractSQL pulls the statement out of a model reply: markdown fences, a
// leading "sql" language tag or "SQL:" label are removed.
func ExtractSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if start := strings.Index(trimmed, "```"); start >= 0 {
		body := trimmed[start+3:]
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		trimmed = strings.TrimSpace(body)
		if len(trimmed) >= 3 && strings.EqualFold(trimmed[:3], "sql") {
			rest := trimmed[3:]
			if rest == "" || rest[0] == '\n' || rest[0] == '\r' || rest[0] == ' ' {
				trimmed = strings.TrimSpace(rest)
			}
		}
	}
	if len(trimmed) >= 4 && strings.EqualFold(trimmed[:4], "sql:") {
		trimmed = strings.TrimSpace(trimmed[4:])
	}
	return trimmed
}
