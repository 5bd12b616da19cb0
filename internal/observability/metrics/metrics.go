package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "meterbridge_"

	resultSuccess  = "success"
	resultError    = "error"
	resultRejected = "rejected"
)

var (
	registerOnce sync.Once

	cyclesTotal    *prometheus.CounterVec
	cycleLatency   *prometheus.HistogramVec
	datesFolded    prometheus.Counter
	invoicesFolded prometheus.Counter

	portalRequests *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec

	pointsPublished *prometheus.CounterVec

	statementExportTotal   *prometheus.CounterVec
	statementExportLatency *prometheus.HistogramVec
)

// Init registers the bridge metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		cyclesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cycles_total",
				Help: "Total reconciliation cycles by result",
			},
			[]string{"result"},
		)
		cycleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "cycle_latency_seconds",
				Help:    "Reconciliation cycle latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		datesFolded = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "dates_folded_total",
				Help: "Total consumption dates folded into the ledger",
			},
		)
		invoicesFolded = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "invoices_folded_total",
				Help: "Total invoices folded into the cost ledger",
			},
		)

		portalRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "portal_requests_total",
				Help: "Total portal API requests by endpoint and result",
			},
			[]string{"endpoint", "result"},
		)
		tokenRefreshes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "token_refresh_total",
				Help: "Total token refresh attempts by result",
			},
			[]string{"result"},
		)

		pointsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "points_published_total",
				Help: "Total statistic points published by series suffix",
			},
			[]string{"series"},
		)

		statementExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "statement_export_total",
				Help: "Total statement export operations by format and result",
			},
			[]string{"format", "result"},
		)
		statementExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "statement_export_latency_seconds",
				Help:    "Statement export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			cyclesTotal,
			cycleLatency,
			datesFolded,
			invoicesFolded,
			portalRequests,
			tokenRefreshes,
			pointsPublished,
			statementExportTotal,
			statementExportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	gauge := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_open_connections",
			Help: "Open connections in the database pool",
		},
		func() float64 { return float64(db.Stats().OpenConnections) },
	)
	if err := prometheus.Register(gauge); err != nil && logger != nil {
		logger.Printf("metrics: db gauge registration failed: %v", err)
	}
}

// ObserveCycle records one reconciliation cycle.
func ObserveCycle(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if cyclesTotal != nil {
		cyclesTotal.WithLabelValues(result).Inc()
	}
	if cycleLatency != nil {
		cycleLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddDatesFolded counts newly folded consumption dates.
func AddDatesFolded(count int) {
	if count <= 0 {
		return
	}
	if datesFolded != nil {
		datesFolded.Add(float64(count))
	}
}

// AddInvoicesFolded counts newly folded invoices.
func AddInvoicesFolded(count int) {
	if count <= 0 {
		return
	}
	if invoicesFolded != nil {
		invoicesFolded.Add(float64(count))
	}
}

// IncPortalRequest counts a portal API request.
func IncPortalRequest(endpoint, result string) {
	if endpoint == "" {
		endpoint = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if portalRequests != nil {
		portalRequests.WithLabelValues(endpoint, result).Inc()
	}
}

// IncTokenRefresh counts a token refresh attempt.
func IncTokenRefresh(result string) {
	if result == "" {
		result = resultSuccess
	}
	if tokenRefreshes != nil {
		tokenRefreshes.WithLabelValues(result).Inc()
	}
}

// AddPointsPublished counts published statistic points for a series suffix.
func AddPointsPublished(series string, count int) {
	if count <= 0 {
		return
	}
	if series == "" {
		series = "unknown"
	}
	if pointsPublished != nil {
		pointsPublished.WithLabelValues(series).Add(float64(count))
	}
}

// ObserveStatementExport records export latency and result.
func ObserveStatementExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if statementExportTotal != nil {
		statementExportTotal.WithLabelValues(format, result).Inc()
	}
	if statementExportLatency != nil {
		statementExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultOK       = resultSuccess
	ResultSuccess  = resultSuccess
	ResultError    = resultError
	ResultRejected = resultRejected
)
