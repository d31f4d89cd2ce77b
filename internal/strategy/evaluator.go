package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"

	"perpengine/internal/advisory"
	"perpengine/internal/features"
	"perpengine/internal/indicators"
	"perpengine/internal/state"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	candleLookback = 96
	adxPeriod      = 14
)

// CandleSource fetches closed OHLCV history, oldest-first.
type CandleSource interface {
	RecentCandles(symbol, timeframe string, limit int) ([]indicators.Candle, error)
}

// PriceSource is the last-traded-price cache the evaluator reads from.
type PriceSource interface {
	CachedPrice(symbol string) (float64, bool)
}

// Advisor is the advisory adapter contract the evaluator consults when
// aiConfig.useForEntry is set.
type Advisor interface {
	Analyze(ctx context.Context, snap advisory.MarketSnapshot) advisory.Analysis
}

// Evaluator runs spec.md's multi-timeframe strategy evaluation: it
// computes indicators once per symbol per cycle, applies the ADX,
// directional, and entry gates in order, optionally consults the
// advisory adapter, and caches the last technical snapshot per symbol
// so the lifecycle monitor can read ADX15m without recomputing it.
type Evaluator struct {
	candles CandleSource
	prices  PriceSource
	advisor Advisor

	mu       sync.Mutex
	lastSnap map[string]IndicatorSnapshot
	vwap     map[string]*features.VWAP
	tick     map[string]*features.TickImb
	lastBid  map[string]float64
	lastAsk  map[string]float64
}

// NewEvaluator builds an Evaluator. advisor may be nil iff no symbol's
// config ever enables aiConfig.useForEntry.
func NewEvaluator(candles CandleSource, prices PriceSource, advisor Advisor) *Evaluator {
	return &Evaluator{
		candles:  candles,
		prices:   prices,
		advisor:  advisor,
		lastSnap: make(map[string]IndicatorSnapshot),
		vwap:     make(map[string]*features.VWAP),
		tick:     make(map[string]*features.TickImb),
		lastBid:  make(map[string]float64),
		lastAsk:  make(map[string]float64),
	}
}

// LastIndicators returns the most recently computed snapshot for
// symbol, if any evaluation has run since startup.
func (e *Evaluator) LastIndicators(symbol string) (IndicatorSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, ok := e.lastSnap[symbol]
	return snap, ok
}

// RecomputeIndicators15m refreshes only the 15m-timeframe indicators
// for symbol - EMA20/30/60, RSI14, ATR14, and ADX15m - without
// touching the 1h/4h ADX gate values, which only change on the next
// full Evaluate. Used by the position monitor to keep ADX15m and RSI
// current while a position is held, per the 5-minute/1%-price-move
// recompute rule.
func (e *Evaluator) RecomputeIndicators15m(symbol string) (IndicatorSnapshot, error) {
	price, ok := e.prices.CachedPrice(symbol)
	if !ok || price <= 0 {
		return IndicatorSnapshot{}, fmt.Errorf("strategy: no cached price for %s", symbol)
	}
	c15m, err := e.candles.RecentCandles(symbol, "15m", candleLookback)
	if err != nil || len(c15m) < candleLookback {
		return IndicatorSnapshot{}, fmt.Errorf("strategy: insufficient 15m candles for %s", symbol)
	}

	e.mu.Lock()
	snap := e.lastSnap[symbol]
	snap.Price = price
	snap.EMA20 = indicators.EMACandles(c15m, 20)
	snap.EMA30 = indicators.EMACandles(c15m, 30)
	snap.EMA60 = indicators.EMACandles(c15m, 60)
	snap.RSI14 = indicators.RSICandles(c15m, 14)
	snap.ATR14 = indicators.ATRCandles(c15m, 14)
	snap.ADX15m = indicators.ADX(c15m, adxPeriod)
	e.lastSnap[symbol] = snap
	e.mu.Unlock()

	return snap, nil
}

// RecordTrade feeds a trade print into symbol's auxiliary VWAP window.
// Non-gating: it only enriches the Aux diagnostics on future signals.
func (e *Evaluator) RecordTrade(symbol string, price, volume float64) {
	e.mu.Lock()
	v, ok := e.vwap[symbol]
	if !ok {
		v = features.NewVWAP(defaultVWAPWindow, defaultVWAPSamples)
		e.vwap[symbol] = v
	}
	e.mu.Unlock()
	v.Add(price, volume)
}

// RecordTick feeds a trade-direction sign (+1 buy, -1 sell) into
// symbol's auxiliary tick-imbalance ratio.
func (e *Evaluator) RecordTick(symbol string, sign int8) {
	e.mu.Lock()
	t, ok := e.tick[symbol]
	if !ok {
		t = features.NewTickImb(defaultTickWindow)
		e.tick[symbol] = t
	}
	e.mu.Unlock()
	t.Add(sign)
}

// RecordDepth feeds the best bid/ask into symbol's auxiliary
// order-book-imbalance diagnostic.
func (e *Evaluator) RecordDepth(symbol string, bidQty, askQty float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastBid[symbol] = bidQty
	e.lastAsk[symbol] = askQty
}

// Evaluate runs the full gate chain for symbol under cfg and returns
// exactly one of (Signal, nil) or (nil, Rejection).
func (e *Evaluator) Evaluate(ctx context.Context, symbol string, cfg state.Config) (*Signal, *Rejection) {
	price, ok := e.prices.CachedPrice(symbol)
	if !ok || price <= 0 {
		return nil, &Rejection{Symbol: symbol, Reason: ReasonNoPrice}
	}

	c15m, err15 := e.candles.RecentCandles(symbol, "15m", candleLookback)
	c1h, err1h := e.candles.RecentCandles(symbol, "1h", candleLookback)
	c4h, err4h := e.candles.RecentCandles(symbol, "4h", candleLookback)
	if err15 != nil || err1h != nil || err4h != nil ||
		len(c15m) < candleLookback || len(c1h) < candleLookback || len(c4h) < candleLookback {
		return nil, &Rejection{
			Symbol: symbol, Reason: ReasonInsufficientData,
			Detail: fmt.Sprintf("15m=%d 1h=%d 4h=%d", len(c15m), len(c1h), len(c4h)),
		}
	}

	snap := IndicatorSnapshot{
		Price:  price,
		EMA20:  indicators.EMACandles(c15m, 20),
		EMA30:  indicators.EMACandles(c15m, 30),
		EMA60:  indicators.EMACandles(c15m, 60),
		RSI14:  indicators.RSICandles(c15m, 14),
		ATR14:  indicators.ATRCandles(c15m, 14),
		ADX15m: indicators.ADX(c15m, adxPeriod),
		ADX1h:  indicators.ADX(c1h, adxPeriod),
		ADX4h:  indicators.ADX(c4h, adxPeriod),
	}
	e.mu.Lock()
	e.lastSnap[symbol] = snap
	e.mu.Unlock()

	adxCfg := cfg.IndicatorsConfig.ADX
	pass1h := snap.ADX1h >= adxCfg.Threshold1h
	pass4h := snap.ADX4h >= adxCfg.Threshold4h
	if !pass1h && !pass4h {
		return nil, &Rejection{
			Symbol: symbol, Reason: ReasonADXGate,
			Detail: fmt.Sprintf("adx1h=%.2f adx4h=%.2f thresholds=%.2f/%.2f", snap.ADX1h, snap.ADX4h, adxCfg.Threshold1h, adxCfg.Threshold4h),
		}
	}

	var direction state.Direction
	switch {
	case snap.EMA20 > snap.EMA60 && price > snap.EMA20:
		direction = state.DirectionLong
	case snap.EMA20 < snap.EMA60 && price < snap.EMA20:
		direction = state.DirectionShort
	default:
		return nil, &Rejection{Symbol: symbol, Reason: ReasonDirectionNeutral}
	}
	log.Debug().Str("symbol", symbol).Bool("adx1h", pass1h).Bool("adx4h", pass4h).
		Str("direction", string(direction)).Msg("strategy: directional gate passed")

	thresholds := cfg.IndicatorsConfig.Long
	if direction == state.DirectionShort {
		thresholds = cfg.IndicatorsConfig.Short
	}

	devEMA20 := relativeDeviation(price, snap.EMA20)
	devEMA30 := relativeDeviation(price, snap.EMA30)
	if devEMA20 > thresholds.EMADeviationThreshold && devEMA30 > thresholds.EMADeviationThreshold {
		return nil, &Rejection{
			Symbol: symbol, Reason: ReasonEMADeviation,
			Detail: fmt.Sprintf("dev20=%.4f dev30=%.4f threshold=%.4f", devEMA20, devEMA30, thresholds.EMADeviationThreshold),
		}
	}

	if snap.RSI14 < thresholds.RSIMin || snap.RSI14 > thresholds.RSIMax {
		return nil, &Rejection{
			Symbol: symbol, Reason: ReasonRSIOutOfRange,
			Detail: fmt.Sprintf("rsi=%.2f range=[%.2f,%.2f]", snap.RSI14, thresholds.RSIMin, thresholds.RSIMax),
		}
	}

	last := c15m[len(c15m)-1]
	if !candleConfirms(last, direction, thresholds.CandleShadowThreshold) {
		return nil, &Rejection{Symbol: symbol, Reason: ReasonCandleNotConfirmed}
	}

	if thresholds.RequireVolumeConfirm {
		volEMA := indicators.EMA(volumes(c15m), thresholds.VolumeEMAPeriod)
		if last.Volume < volEMA*thresholds.VolumeEMAMultiplier {
			return nil, &Rejection{
				Symbol: symbol, Reason: ReasonVolumeNotConfirmed,
				Detail: fmt.Sprintf("volume=%.4f required=%.4f", last.Volume, volEMA*thresholds.VolumeEMAMultiplier),
			}
		}
	}

	sig := &Signal{
		Symbol:     symbol,
		Direction:  direction,
		Price:      decimal.NewFromFloat(price),
		Indicators: snap,
		Aux:        e.auxSignals(symbol),
		Reason:     "technical gates passed",
	}

	if cfg.AIConfig.Enabled && cfg.AIConfig.UseForEntry {
		if e.advisor == nil {
			return nil, &Rejection{Symbol: symbol, Reason: ReasonAdvisoryDisagrees, Detail: "advisory enabled but no adapter wired"}
		}
		analysis := e.advisor.Analyze(ctx, advisory.MarketSnapshot{
			Symbol: symbol, Price: price,
			EMA20: snap.EMA20, EMA30: snap.EMA30, EMA60: snap.EMA60,
			RSI14: snap.RSI14, ATR14: snap.ATR14,
			ADX15m: snap.ADX15m, ADX1h: snap.ADX1h, ADX4h: snap.ADX4h,
			Direction: direction,
		})
		adjusted := adjustAnalysis(analysis, snap)

		if adjusted.Direction != direction {
			return nil, &Rejection{
				Symbol: symbol, Reason: ReasonAdvisoryDisagrees,
				Detail: fmt.Sprintf("advisory=%s technical=%s", adjusted.Direction, direction),
			}
		}
		if adjusted.Confidence < cfg.AIConfig.MinConfidence {
			return nil, &Rejection{
				Symbol: symbol, Reason: ReasonAdvisoryLowConfidence,
				Detail: fmt.Sprintf("confidence=%.1f required=%.1f", adjusted.Confidence, cfg.AIConfig.MinConfidence),
			}
		}
		maxRisk := advisory.RiskLevel(cfg.AIConfig.MaxRiskLevel)
		if adjusted.RiskLevel.Rank() > maxRisk.Rank() {
			return nil, &Rejection{
				Symbol: symbol, Reason: ReasonAdvisoryHighRisk,
				Detail: fmt.Sprintf("riskLevel=%s max=%s", adjusted.RiskLevel, maxRisk),
			}
		}
		sig.Advisory = &adjusted
		sig.Reason = "technical and advisory gates passed"
	}

	return sig, nil
}

func relativeDeviation(price, ema float64) float64 {
	if ema == 0 {
		return math.MaxFloat64
	}
	return math.Abs(price-ema) / ema
}

func candleConfirms(c indicators.Candle, dir state.Direction, shadowThreshold float64) bool {
	rng := c.High - c.Low
	if rng <= 0 {
		return false
	}
	body := c.Close - c.Open
	if dir == state.DirectionLong {
		if body > 0 {
			return true
		}
		lowerShadow := math.Min(c.Open, c.Close) - c.Low
		return lowerShadow/rng >= shadowThreshold
	}
	if body < 0 {
		return true
	}
	upperShadow := c.High - math.Max(c.Open, c.Close)
	return upperShadow/rng >= shadowThreshold
}

func volumes(c []indicators.Candle) []float64 {
	out := make([]float64, len(c))
	for i, k := range c {
		out[i] = k.Volume
	}
	return out
}

// adjustAnalysis dampens the advisory's raw confidence/score by a
// technical-agreement factor in [0,1] derived from ADX strength, so a
// confident-sounding advisory call carries less weight when the
// technical trend itself is weak. Pure and deterministic.
func adjustAnalysis(a advisory.Analysis, snap IndicatorSnapshot) advisory.Analysis {
	factor := technicalAgreementFactor(snap)
	a.Confidence *= factor
	a.Score *= factor
	return a
}

func technicalAgreementFactor(snap IndicatorSnapshot) float64 {
	avgADX := (snap.ADX1h + snap.ADX4h) / 2
	factor := avgADX / 50
	if factor > 1 {
		factor = 1
	}
	if factor < 0 {
		factor = 0
	}
	return factor
}

func (e *Evaluator) auxSignals(symbol string) AuxSignals {
	e.mu.Lock()
	v, hasV := e.vwap[symbol]
	t, hasT := e.tick[symbol]
	bid, bidOK := e.lastBid[symbol]
	ask, askOK := e.lastAsk[symbol]
	e.mu.Unlock()

	var aux AuxSignals
	if hasV {
		value, std := v.Calc()
		aux.VWAP, aux.VWAPStdDev, aux.HasVWAP = value, std, true
	}
	if hasT {
		aux.TickImbalance = t.Ratio()
	}
	if bidOK && askOK {
		aux.DepthImbalance = features.DepthImb(bid, ask)
		aux.HasOrderBookAux = true
	}
	return aux
}
