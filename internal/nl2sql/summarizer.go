package nl2sql

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sqlassist/sqlassist/internal/prompt"
)

type Summarizer struct {
	Backend Completer
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewSummarizer(backend Completer, timeout time.Duration, logger *slog.Logger) *Summarizer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{Backend: backend, Timeout: timeout, Logger: logger}
}

// Summarize explains a result in plain language. Any failure yields
// ("", false); the caller still has the rows.
func (s *Summarizer) Summarize(ctx context.Context, question, sqlText string, columns []string, rows [][]any) (string, bool) {
	if s == nil || s.Backend == nil {
		return "", false
	}
	g := Generator{Backend: s.Backend, Timeout: s.Timeout}
	raw, err := g.complete(ctx, prompt.Summary(question, sqlText, columns, rows), "summarize")
	if err != nil {
		s.Logger.WarnContext(ctx, "answer synthesis failed",
			slog.String("backend", s.Backend.Name()),
			slog.Any("error", err),
		)
		return "", false
	}
	answer := strings.TrimSpace(raw)
	if answer == "" {
		return "", false
	}
	return answer, true
}
