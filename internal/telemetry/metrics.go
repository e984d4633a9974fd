// Package telemetry provides application-level observability for the agent market.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<AGM_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Ledger invocation counters, latency and committed height
//   - Job lifecycle transitions and escrow gauges
//   - Rate limiter rejections
//   - Audit shipping failures and export publications
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /v1/organizations/:org)
// rather than the raw request URL. Ledger metrics are labelled by operation
// name, never by address.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Ledger metrics, recorded by ledger.Invoke.
//
// LedgerInvocationsTotal carries {operation, result} where result is "ok" or "error".
// A failed invocation leaves no state behind, so the error rate is a direct
// measure of rejected requests (bad state transitions, missing allowance, ...).
//
// Example PromQL queries:
//   - Rejections by operation:  sum by (operation) (rate(ledger_invocations_total{result="error"}[5m]))
//   - Commit rate:              rate(ledger_height[5m])
var (
	LedgerInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_invocations_total",
			Help: "Total number of ledger invocations, by operation and result.",
		},
		[]string{"operation", "result"},
	)

	LedgerInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_invocation_duration_seconds",
			Help:    "Histogram of ledger invocation latencies including persistence, by operation.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	LedgerHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_height",
			Help: "Height of the last committed ledger invocation.",
		},
	)
)

// Job lifecycle metrics.
//
// JobTransitionsTotal is incremented with the state a job entered
// (Created, Funded, Completed).
//
// FundedJobs and StaleFundedJobs are sampled by the escrow monitor job.
// A growing stale count means consumers paid and agents never completed.
var (
	JobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_transitions_total",
			Help: "Total number of job state transitions, by target state.",
		},
		[]string{"state"},
	)

	FundedJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_funded",
			Help: "Number of jobs currently holding escrow.",
		},
	)

	StaleFundedJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_funded_stale",
			Help: "Number of funded jobs older than the configured stale threshold.",
		},
	)

	EscrowLockedTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "escrow_locked_tokens",
			Help: "Total token amount held in job escrow (float approximation).",
		},
	)
)

// RateLimitRejectionsTotal carries {backend} ("memory" or "redis").
var RateLimitRejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ratelimit_rejections_total",
		Help: "Total number of requests rejected by the rate limiter, by backend.",
	},
	[]string{"backend"},
)

// AuditShipFailuresTotal carries {shipper} ("webhook", "file", "kafka").
var AuditShipFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_ship_failures_total",
		Help: "Total number of audit entries a shipper failed to deliver, by shipper.",
	},
	[]string{"shipper"},
)

// ExportPublicationsTotal carries {result}.
var ExportPublicationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "export_publications_total",
		Help: "Total number of deployment export publications, by result.",
	},
	[]string{"result"},
)

// PanicsRecoveredTotal carries {goroutine}, the name given to safego.
var PanicsRecoveredTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "panics_recovered_total",
		Help: "Total number of panics recovered in background work, by goroutine.",
	},
	[]string{"goroutine"},
)

// DBOpenConnections is sampled by StartDBStatsCollector, not per request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

const dbStatsInterval = 30 * time.Second

// StartDBStatsCollector samples the pool every 30 seconds. It stops once the
// database stops answering pings, which is what happens after the pool is
// closed at shutdown.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(dbStatsInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := sampleDBStats(db); err != nil {
				slog.Warn("db stats collector stopping", "error", err)
				return
			}
		}
	}()
}

func sampleDBStats(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return err
	}
	DBOpenConnections.Set(float64(db.Stats().OpenConnections))
	return nil
}
