// Package metrics exposes the engine's Prometheus collectors. They are
// registered with the default registry and served on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counter: matching cycles run to completion
	CyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matchledger_cycles_total",
			Help: "Total number of matching cycles completed",
		},
	)

	// Counter: cycles skipped because the previous one was still running
	CyclesSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matchledger_cycles_skipped_total",
			Help: "Total number of matching cycles skipped because one was already in progress",
		},
	)

	// Histogram: wall time of one matching cycle
	CycleDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matchledger_cycle_duration_seconds",
			Help:    "Time taken by one matching cycle",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
	)

	// Counter: assets skipped for a cycle, by cause
	AssetsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchledger_assets_skipped_total",
			Help: "Total number of times an asset was skipped for a cycle",
		},
		[]string{"asset", "cause"}, // Labels: asset, price_unavailable|price_error
	)

	// Counter: trades executed
	TradesExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchledger_trades_executed_total",
			Help: "Total number of trades executed",
		},
		[]string{"asset", "side"},
	)

	// Counter: quantity traded
	TradedVolumeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchledger_traded_volume_total",
			Help: "Total quantity traded",
		},
		[]string{"asset"},
	)

	// Counter: execution and cancel rejections
	RejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchledger_rejections_total",
			Help: "Total number of rejected execution or cancel attempts",
		},
		[]string{"reason"},
	)

	// Counter: transient failures retried on a later cycle
	TransientErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchledger_transient_errors_total",
			Help: "Total number of transient store or feed failures",
		},
		[]string{"stage"}, // Labels: list|market|cross|sweep|submit|cancel
	)

	// Counter: ledger invariant breaches
	InvariantBreachesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matchledger_invariant_breaches_total",
			Help: "Total number of ledger invariant breaches detected",
		},
	)

	// Gauge: portfolios halted after an invariant breach
	HaltedPortfolios = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matchledger_halted_portfolios",
			Help: "Number of portfolios excluded from matching until resumed",
		},
	)

	// Counter: orders accepted at the submission boundary
	OrdersSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchledger_orders_submitted_total",
			Help: "Total number of orders submitted",
		},
		[]string{"side", "kind", "status"},
	)

	// Counter: HTTP requests served
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchledger_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "route", "status"},
	)

	// Histogram: HTTP request latency
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matchledger_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordCycle records a completed matching cycle.
func RecordCycle(d time.Duration) {
	CyclesTotal.Inc()
	CycleDurationSeconds.Observe(d.Seconds())
}

// RecordCycleSkipped increments the skipped-cycle counter.
func RecordCycleSkipped() {
	CyclesSkippedTotal.Inc()
}

// RecordAssetSkipped increments the skipped-asset counter.
func RecordAssetSkipped(asset, cause string) {
	AssetsSkippedTotal.WithLabelValues(asset, cause).Inc()
}

// RecordTrade records a trade execution.
func RecordTrade(asset, side string, quantity float64) {
	TradesExecutedTotal.WithLabelValues(asset, side).Inc()
	TradedVolumeTotal.WithLabelValues(asset).Add(quantity)
}

// RecordRejection increments the rejection counter.
func RecordRejection(reason string) {
	RejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordTransientError increments the transient error counter.
func RecordTransientError(stage string) {
	TransientErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordInvariantBreach increments the invariant breach counter.
func RecordInvariantBreach() {
	InvariantBreachesTotal.Inc()
}

// SetHaltedPortfolios updates the halted portfolio gauge.
func SetHaltedPortfolios(n int) {
	HaltedPortfolios.Set(float64(n))
}

// RecordOrderSubmitted increments the submitted order counter.
func RecordOrderSubmitted(side, kind, status string) {
	OrdersSubmittedTotal.WithLabelValues(side, kind, status).Inc()
}

// RecordHTTPRequest records one served request. route is the matched
// pattern, not the raw path, to keep label cardinality bounded.
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
