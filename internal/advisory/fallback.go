package advisory

import (
	"math"
	"sync"

	"perpengine/internal/state"
)

// localHeuristic scores a MarketSnapshot without calling out to the
// remote advisory, used when no advisory endpoint is configured. The
// scoring shape (weighted tanh combination
// of normalized signals, squashed through a sigmoid, zeroed below a
// threshold) mirrors the bot's own rule-based confirmation rather than
// a learned model.
type localHeuristic struct {
	mu        sync.RWMutex
	lastScore map[string]float64
	threshold float64
}

func newLocalHeuristic(threshold float64) *localHeuristic {
	return &localHeuristic{
		lastScore: make(map[string]float64),
		threshold: threshold,
	}
}

const (
	emaWeight = 0.4
	rsiWeight = 0.3
	adxWeight = 0.3
)

// score combines EMA deviation, RSI distance from neutral, and ADX
// strength into a single directional confidence in [-1, 1].
func (h *localHeuristic) score(snap MarketSnapshot) float64 {
	emaDist := 0.0
	if snap.EMA60 != 0 {
		emaDist = (snap.EMA20 - snap.EMA60) / snap.EMA60
	}
	emaScore := math.Tanh(emaDist * 20)

	rsiDist := (snap.RSI14 - 50) / 50
	rsiScore := math.Tanh(rsiDist)

	adxAvg := (snap.ADX15m + snap.ADX1h + snap.ADX4h) / 3
	adxScore := math.Tanh(adxAvg / 50)

	combined := emaWeight*emaScore + rsiWeight*rsiScore + adxWeight*adxScore
	if math.Abs(combined) < h.threshold {
		combined = 0
	}
	return combined
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Predict produces a local Analysis in place of the remote advisory.
func (h *localHeuristic) Predict(snap MarketSnapshot) Analysis {
	raw := h.score(snap)

	h.mu.Lock()
	h.lastScore[snap.Symbol] = raw
	h.mu.Unlock()

	confidence := sigmoid(raw*4) * 100
	direction := state.Direction("IDLE")
	switch {
	case raw > 0:
		direction = state.DirectionLong
	case raw < 0:
		direction = state.DirectionShort
	}

	risk := RiskMedium
	switch {
	case math.Abs(raw) > 0.6:
		risk = RiskLow
	case math.Abs(raw) < 0.2:
		risk = RiskHigh
	}

	return Analysis{
		Direction:  direction,
		Confidence: confidence,
		Score:      math.Abs(raw) * 100,
		RiskLevel:  risk,
		Reasoning:  "local heuristic: no advisory endpoint configured",
		TechnicalData: map[string]float64{
			"ema20": snap.EMA20, "ema60": snap.EMA60, "rsi14": snap.RSI14,
			"adx15m": snap.ADX15m, "adx1h": snap.ADX1h, "adx4h": snap.ADX4h,
		},
	}
}

// LastScore returns the most recent raw score computed for symbol, for
// diagnostics/metrics only.
func (h *localHeuristic) LastScore(symbol string) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.lastScore[symbol]
	return v, ok
}
