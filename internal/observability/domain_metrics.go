package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	agentTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_turns_total",
			Help: "Total number of finished turns by outcome and failure reason.",
		},
		[]string{"outcome", "reason"},
	)
	agentTurnAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlagent_turn_attempts",
			Help:    "Synthesis attempts used per turn.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)
	agentTurnDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlagent_turn_duration_seconds",
			Help:    "End to end latency of a turn.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 90},
		},
	)
	validationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_validation_rejections_total",
			Help: "Candidate queries rejected by the validator, by reason.",
		},
		[]string{"reason"},
	)
	validationRewritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlagent_validation_limit_injections_total",
			Help: "Accepted queries that received an injected row limit.",
		},
	)
	executionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlagent_execution_duration_seconds",
			Help:    "Read-only query execution latency by status.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	executionTruncatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlagent_execution_truncated_total",
			Help: "Executions whose result hit the row cap.",
		},
	)
	oracleRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_oracle_requests_total",
			Help: "Language model calls by purpose and status.",
		},
		[]string{"purpose", "status"},
	)
	schemaRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_schema_refresh_total",
			Help: "Schema introspections by status.",
		},
		[]string{"status"},
	)
	schemaTables = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlagent_schema_tables",
			Help: "Tables in the current schema snapshot.",
		},
	)
	archiveTurnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlagent_archive_turns_total",
			Help: "Conversation turns exported to the archive.",
		},
	)
	archiveFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlagent_archive_failures_total",
			Help: "Archive export runs that failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		agentTurnsTotal,
		agentTurnAttempts,
		agentTurnDurationSeconds,
		validationRejectionsTotal,
		validationRewritesTotal,
		executionDurationSeconds,
		executionTruncatedTotal,
		oracleRequestsTotal,
		schemaRefreshTotal,
		schemaTables,
		archiveTurnsTotal,
		archiveFailuresTotal,
	)
}

func ObserveTurn(outcome, reason string, attempts int, elapsed time.Duration) {
	agentTurnsTotal.WithLabelValues(outcome, reason).Inc()
	if attempts > 0 {
		agentTurnAttempts.Observe(float64(attempts))
	}
	agentTurnDurationSeconds.Observe(elapsed.Seconds())
}

func IncrementValidationRejection(reason string) {
	validationRejectionsTotal.WithLabelValues(reason).Inc()
}

func IncrementLimitInjection() {
	validationRewritesTotal.Inc()
}

func ObserveExecution(status string, elapsed time.Duration, truncated bool) {
	executionDurationSeconds.WithLabelValues(status).Observe(elapsed.Seconds())
	if truncated {
		executionTruncatedTotal.Inc()
	}
}

func IncrementOracleRequest(purpose, status string) {
	oracleRequestsTotal.WithLabelValues(purpose, status).Inc()
}

func ObserveSchemaRefresh(status string, tables int) {
	schemaRefreshTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		schemaTables.Set(float64(tables))
	}
}

func ObserveArchiveRun(turns int, err error) {
	if err != nil {
		archiveFailuresTotal.Inc()
	}
	if turns > 0 {
		archiveTurnsTotal.Add(float64(turns))
	}
}
