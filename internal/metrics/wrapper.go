package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Interfaces for metrics to avoid circular imports between metrics and
// its callers (features, lifecycle, strategy).
type MetricsCounter interface {
	Inc()
}

type MetricsGauge interface {
	Set(float64)
	Add(float64)
}

type MetricsHistogram interface {
	Observe(float64)
}

type Counter = MetricsCounter
type Gauge = MetricsGauge
type Histogram = MetricsHistogram

// MetricsWrapper adapts *Metrics to the small interfaces other packages
// depend on structurally (features.MetricsTracker in particular), so
// those packages never need to import prometheus directly.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) OrdersTotal() MetricsCounter {
	return &CounterWrapper{w.m.OrdersTotal}
}

func (w *MetricsWrapper) PnLTotal() MetricsGauge {
	return &GaugeWrapper{w.m.PnLTotal}
}

func (w *MetricsWrapper) ScanDuration() MetricsHistogram {
	return &HistogramWrapper{w.m.ScanDuration}
}

func (w *MetricsWrapper) AdvisoryLatencyObserve(seconds float64) {
	w.m.AdvisoryLatency.Observe(seconds)
}

func (w *MetricsWrapper) AdvisoryCallsInc() {
	w.m.AdvisoryCalls.Inc()
}

func (w *MetricsWrapper) AdvisoryFailuresInc() {
	w.m.AdvisoryFailures.Inc()
}

func (w *MetricsWrapper) CircuitBreakerTripsInc() {
	w.m.CircuitBreakerTrips.Inc()
}

func (w *MetricsWrapper) SignalsEvaluatedInc() {
	w.m.SignalsEvaluated.Inc()
}

func (w *MetricsWrapper) SignalsRejectedInc() {
	w.m.SignalsRejected.Inc()
}

func (w *MetricsWrapper) UpdatePositions(positions map[string]float64) {
	w.m.UpdatePositions(positions)
}

// FeatureErrorsInc, FeatureCalcDuration, and FeatureSampleCount satisfy
// features.MetricsTracker structurally, letting strategy.Evaluator pass a
// *MetricsWrapper straight into VWAP.AddWithMetrics/CalcWithMetrics and
// features.DepthImbWithMetrics without features importing this package.
func (w *MetricsWrapper) FeatureErrorsInc() {
	w.m.FeatureErrors.Inc()
}

func (w *MetricsWrapper) FeatureCalcDuration(d time.Duration) {
	w.m.FeatureCalcLatency.Observe(d.Seconds())
}

func (w *MetricsWrapper) FeatureSampleCount(count int) {
	w.m.FeatureSampleSize.Observe(float64(count))
	w.m.VWAPCalculations.Inc()
}

type CounterWrapper struct {
	c prometheus.Counter
}

func (cw *CounterWrapper) Inc() {
	cw.c.Inc()
}

type GaugeWrapper struct {
	g prometheus.Gauge
}

func (gw *GaugeWrapper) Set(v float64) {
	gw.g.Set(v)
}

func (gw *GaugeWrapper) Add(v float64) {
	gw.g.Add(v)
}

type HistogramWrapper struct {
	h prometheus.Histogram
}

func (hw *HistogramWrapper) Observe(v float64) {
	hw.h.Observe(v)
}
