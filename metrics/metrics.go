/*
Package metrics exposes Prometheus instrumentation for the point ledger.

PURPOSE:
  Counters and histograms for the financially interesting events: charges,
  deductions, expirations, idempotent replays, lock timeouts, and sweep
  runs. Scraped at /metrics.

CONVENTIONS:
  Namespace "pointledger"; subsystem matches the owning component. Metrics
  are recorded at the API and scheduler layers so the engine stays free of
  instrumentation concerns.
*/
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pointledger"

// ChargesTotal counts successful charge postings by payment type.
var ChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "charges_total",
	Help:      "Total successful charge postings by payment type.",
}, []string{"payment_type"})

// PointsGranted counts points credited, split by lot source type.
var PointsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "points_granted_total",
	Help:      "Total points credited to lots by source type.",
}, []string{"source_type"})

// PointsDeducted counts points consumed by report generation.
var PointsDeducted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "points_deducted_total",
	Help:      "Total points deducted for report generation.",
})

// PointsExpired counts points forfeited by the expiration sweeper.
var PointsExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "points_expired_total",
	Help:      "Total points forfeited on lot expiration.",
})

// InsufficientBalanceTotal counts deductions rejected for lack of points.
var InsufficientBalanceTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "insufficient_balance_total",
	Help:      "Total deductions rejected because the spendable balance was too low.",
})

// ReplaysTotal counts idempotent replays served from the ledger.
var ReplaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "replays_total",
	Help:      "Total requests answered from an already-committed transaction.",
}, []string{"tx_type"})

// LockTimeoutsTotal counts per-user lock acquisitions that timed out.
var LockTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "lock_timeouts_total",
	Help:      "Total operations rejected because the per-user lock timed out.",
})

// SweepRuns counts sweeper executions by outcome.
var SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "sweeper",
	Name:      "runs_total",
	Help:      "Total expiration sweep runs by outcome.",
}, []string{"outcome"})

// ReconciliationMismatches counts audits that found the ledger and the lot
// remainders disagreeing. Any increment is an incident.
var ReconciliationMismatches = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reconciler",
	Name:      "mismatches_total",
	Help:      "Total reconciliation audits that detected an inconsistency.",
})

// RequestDuration observes HTTP handler latency.
var RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency by route and status code.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
}, []string{"route", "status"})

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
