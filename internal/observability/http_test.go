package observability

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTraceMiddlewarePreservesIncomingTraceID(t *testing.T) {
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := TraceIDFromContext(r.Context()); got != "trace-1" {
			t.Fatalf("trace id in context = %q, want trace-1", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set(traceHeader, "trace-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get(traceHeader); got != "trace-1" {
		t.Fatalf("trace header = %q, want trace-1", got)
	}
}

func TestTraceMiddlewareGeneratesTraceID(t *testing.T) {
	var seen string
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if len(seen) != 26 {
		t.Fatalf("generated trace id %q is not a ulid", seen)
	}
	if rr.Header().Get(traceHeader) != seen {
		t.Fatalf("trace header = %q, want %q", rr.Header().Get(traceHeader), seen)
	}
}

func TestTraceIDContextHelpers(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "abc123")
	if got := TraceIDFromContext(ctx); got != "abc123" {
		t.Fatalf("TraceIDFromContext() = %q", got)
	}
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Fatalf("TraceIDFromContext(empty) = %q", got)
	}
}

func TestLoggingMiddlewareDoesNotPanic(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
}

func TestMetricsMiddlewareLabelsByRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("GET /v1/sessions/{id}/schema", MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "GET /v1/sessions/{id}/schema", "200"))
	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/sessions/abc/schema", nil))
	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/sessions/def/schema", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "GET /v1/sessions/{id}/schema", "200"))

	if after-before != 2 {
		t.Fatalf("requests counted = %v, want 2", after-before)
	}
}

func TestDomainMetrics(t *testing.T) {
	before := testutil.ToFloat64(rejectionsTotal.WithLabelValues("unknown_table"))
	IncrementRejection("unknown_table")
	if got := testutil.ToFloat64(rejectionsTotal.WithLabelValues("unknown_table")) - before; got != 1 {
		t.Fatalf("rejections counted = %v, want 1", got)
	}

	SetActiveSessions(-3)
	if got := testutil.ToFloat64(activeSessions); got != 0 {
		t.Fatalf("active sessions = %v, want 0", got)
	}
	SetActiveSessions(4)
	if got := testutil.ToFloat64(activeSessions); got != 4 {
		t.Fatalf("active sessions = %v, want 4", got)
	}

	truncBefore := testutil.ToFloat64(truncatedResultsTotal)
	ObserveExecution("sqlite", 0, true)
	ObserveExecution("sqlite", 0, false)
	if got := testutil.ToFloat64(truncatedResultsTotal) - truncBefore; got != 1 {
		t.Fatalf("truncated results counted = %v, want 1", got)
	}
}
