package observability

import (
	"context"
	"io"
	"log/slog"
	"unicode/utf8"

	"github.com/sqlassist/sqlassist/internal/config"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// maxLoggedTextRunes caps user-supplied questions and SQL in log lines.
const maxLoggedTextRunes = 256

// NewLogger builds the service logger. Records logged with a request context
// carry its trace id.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	options := &slog.HandlerOptions{Level: cfg.Observability.LogLevel, ReplaceAttr: clipUserText}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, options)
	} else {
		handler = slog.NewTextHandler(writer, options)
	}
	return slog.New(traceHandler{Handler: handler}).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, record slog.Record) error {
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		record.AddAttrs(slog.String("trace_id", traceID))
	}
	return h.Handler.Handle(ctx, record)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{Handler: h.Handler.WithGroup(name)}
}

func clipUserText(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case "question", "sql", "sql_query":
	default:
		return attr
	}
	if attr.Value.Kind() != slog.KindString {
		return attr
	}
	text := attr.Value.String()
	if utf8.RuneCountInString(text) <= maxLoggedTextRunes {
		return attr
	}
	runes := []rune(text)
	return slog.String(attr.Key, string(runes[:maxLoggedTextRunes])+"…")
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
