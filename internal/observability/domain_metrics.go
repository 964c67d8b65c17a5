package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	asksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_asks_total",
			Help: "Total number of questions handled, by final stage.",
		},
		[]string{"stage"},
	)
	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_sql_rejections_total",
			Help: "Generated statements rejected by the validator, by reason.",
		},
		[]string{"reason"},
	)
	generationLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlassist_generation_latency_seconds",
			Help:    "Language model call latency by backend and purpose.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"backend", "purpose"},
	)
	generationRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_generation_retries_total",
			Help: "Retried language model calls by backend.",
		},
		[]string{"backend"},
	)
	executionLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlassist_execution_latency_seconds",
			Help:    "SQL execution latency by dialect.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"dialect"},
	)
	truncatedResultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlassist_truncated_results_total",
			Help: "Results cut off at the configured row limit.",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlassist_active_sessions",
			Help: "Current number of live sessions.",
		},
	)
	sessionEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_session_evictions_total",
			Help: "Sessions removed from the store, by cause.",
		},
		[]string{"cause"},
	)
)

func init() {
	prometheus.MustRegister(
		asksTotal,
		rejectionsTotal,
		generationLatencySeconds,
		generationRetriesTotal,
		executionLatencySeconds,
		truncatedResultsTotal,
		activeSessions,
		sessionEvictionsTotal,
	)
}

func ObserveAsk(stage string) {
	asksTotal.WithLabelValues(stage).Inc()
}

func IncrementRejection(reason string) {
	rejectionsTotal.WithLabelValues(reason).Inc()
}

func ObserveGeneration(backend, purpose string, elapsed time.Duration) {
	generationLatencySeconds.WithLabelValues(backend, purpose).Observe(elapsed.Seconds())
}

func IncrementGenerationRetry(backend string) {
	generationRetriesTotal.WithLabelValues(backend).Inc()
}

func ObserveExecution(dialect string, elapsed time.Duration, truncated bool) {
	executionLatencySeconds.WithLabelValues(dialect).Observe(elapsed.Seconds())
	if truncated {
		truncatedResultsTotal.Inc()
	}
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	activeSessions.Set(float64(count))
}

func IncrementSessionEviction(cause string) {
	sessionEvictionsTotal.WithLabelValues(cause).Inc()
}
