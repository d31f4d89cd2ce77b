// Package metrics provides Prometheus metrics collection for the trading
// engine. It defines and registers all order-lifecycle, risk, advisory,
// signal-evaluation, and market-data metrics exposed via the Prometheus
// /metrics endpoint for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the trading engine.
type Metrics struct {
	// Order lifecycle metrics
	OrdersTotal            prometheus.Counter   // Total number of orders placed
	PnLTotal               prometheus.Gauge     // Current total profit and loss
	ActivePositions        prometheus.Gauge     // Number of active positions (0 or 1)
	OrderTimeouts          prometheus.Counter   // Number of order confirmation timeouts
	OrderRetries           prometheus.Counter   // Number of order placement retries
	OrderExecutionDuration prometheus.Histogram // Duration of order execution attempts

	// Risk controller metrics
	CircuitBreakerTrips prometheus.Counter // Total number of times the circuit breaker tripped

	// Strategy evaluator metrics
	SignalsEvaluated prometheus.Counter   // Total number of evaluator runs
	SignalsRejected  prometheus.Counter   // Total number of evaluator runs that rejected a signal
	ScanDuration     prometheus.Histogram // Duration of a full scan-and-evaluate pass

	// Advisory adapter metrics
	AdvisoryCalls    prometheus.Counter   // Total number of advisory requests made
	AdvisoryFailures prometheus.Counter   // Total number of advisory requests that fell back
	AdvisoryLatency  prometheus.Histogram // Advisory request latency in seconds

	// WebSocket and data metrics
	WSReconnects   prometheus.Counter // Total number of WebSocket reconnections
	TradesReceived prometheus.Counter // Total number of trade messages received
	DepthsReceived prometheus.Counter // Total number of depth messages received

	// Feature calculation metrics
	VWAPCalculations  prometheus.Counter   // Total number of VWAP calculations performed
	FeatureErrors     prometheus.Counter   // Total number of feature calculation errors
	FeatureCalcLatency prometheus.Histogram // Feature calculation duration
	FeatureSampleSize prometheus.Histogram // Distribution of sample counts per feature calculation

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing,
// so isolated metric collection doesn't collide with the global registry).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		OrdersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Total number of orders placed",
		}),
		PnLTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pnl_total",
			Help: "Current total profit and loss",
		}),
		ActivePositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_positions",
			Help: "Number of active positions",
		}),
		OrderTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "order_timeouts_total",
			Help: "Total number of order confirmation timeouts",
		}),
		OrderRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "order_retries_total",
			Help: "Total number of order placement retries",
		}),
		OrderExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "order_execution_duration_seconds",
			Help:    "Duration of order execution attempts in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		CircuitBreakerTrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total number of times the circuit breaker tripped",
		}),
		SignalsEvaluated: factory.NewCounter(prometheus.CounterOpts{
			Name: "signals_evaluated_total",
			Help: "Total number of evaluator runs",
		}),
		SignalsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "signals_rejected_total",
			Help: "Total number of evaluator runs that rejected a signal",
		}),
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scan_duration_seconds",
			Help:    "Duration of a full scan-and-evaluate pass in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		AdvisoryCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "advisory_calls_total",
			Help: "Total number of advisory requests made",
		}),
		AdvisoryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "advisory_failures_total",
			Help: "Total number of advisory requests that fell back to the idle sentinel",
		}),
		AdvisoryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "advisory_latency_seconds",
			Help:    "Advisory request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Total number of WebSocket reconnections",
		}),
		TradesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "trades_received_total",
			Help: "Total number of trade messages received",
		}),
		DepthsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "depths_received_total",
			Help: "Total number of depth messages received",
		}),
		VWAPCalculations: factory.NewCounter(prometheus.CounterOpts{
			Name: "vwap_calculations_total",
			Help: "Total number of VWAP calculations performed",
		}),
		FeatureErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "feature_errors_total",
			Help: "Total number of feature calculation errors",
		}),
		FeatureCalcLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "feature_calc_duration_seconds",
			Help:    "Feature calculation duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		FeatureSampleSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "feature_sample_size",
			Help:    "Distribution of sample counts per feature calculation",
			Buckets: prometheus.LinearBuckets(0, 200, 11),
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}

// OrderTimeoutsInc, OrderRetriesInc, and OrderExecutionDurationObserve
// satisfy bitunix.MetricsInterface, letting the exchange client's order
// tracker report directly into these same order-lifecycle metrics.
func (m *Metrics) OrderTimeoutsInc() {
	m.OrderTimeouts.Inc()
}

func (m *Metrics) OrderRetriesInc() {
	m.OrderRetries.Inc()
}

func (m *Metrics) OrderExecutionDurationObserve(seconds float64) {
	m.OrderExecutionDuration.Observe(seconds)
}

// UpdatePositions updates the active positions metric based on current
// position sizes. It counts the number of non-zero positions across all
// symbols and updates the gauge (the engine holds at most one at a time,
// but the gauge generalizes to whatever it is given).
func (m *Metrics) UpdatePositions(positions map[string]float64) {
	count := 0
	for _, pos := range positions {
		if pos != 0 {
			count++
		}
	}
	m.ActivePositions.Set(float64(count))
}

// GetErrorRate returns the ratio of errors to orders placed, or 0 if no
// orders have been recorded.
func (m *Metrics) GetErrorRate() float64 {
	var totalOps, totalErrors float64

	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return 0
	}

	for _, mf := range metricFamilies {
		switch *mf.Name {
		case "orders_total":
			for _, m := range mf.Metric {
				totalOps = *m.Counter.Value
			}
		case "errors_total":
			for _, m := range mf.Metric {
				totalErrors = *m.Counter.Value
			}
		}
	}

	if totalOps == 0 {
		return 0
	}
	return totalErrors / totalOps
}

// RegisterMetrics registers all metrics with the default Prometheus
// registry. Deprecated: New()/NewWithRegistry() already register on
// construction; this exists for callers that built a Metrics another way.
func (m *Metrics) RegisterMetrics() {
	prometheus.MustRegister(m.OrdersTotal)
	prometheus.MustRegister(m.PnLTotal)
	prometheus.MustRegister(m.ActivePositions)
	prometheus.MustRegister(m.OrderTimeouts)
	prometheus.MustRegister(m.OrderRetries)
	prometheus.MustRegister(m.OrderExecutionDuration)
	prometheus.MustRegister(m.CircuitBreakerTrips)
	prometheus.MustRegister(m.SignalsEvaluated)
	prometheus.MustRegister(m.SignalsRejected)
	prometheus.MustRegister(m.ScanDuration)
	prometheus.MustRegister(m.AdvisoryCalls)
	prometheus.MustRegister(m.AdvisoryFailures)
	prometheus.MustRegister(m.AdvisoryLatency)
	prometheus.MustRegister(m.WSReconnects)
	prometheus.MustRegister(m.TradesReceived)
	prometheus.MustRegister(m.DepthsReceived)
	prometheus.MustRegister(m.VWAPCalculations)
	prometheus.MustRegister(m.FeatureErrors)
	prometheus.MustRegister(m.FeatureCalcLatency)
	prometheus.MustRegister(m.FeatureSampleSize)
	prometheus.MustRegister(m.ErrorsTotal)
}
