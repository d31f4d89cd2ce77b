package strategy

import (
	"context"
	"testing"

	"perpengine/internal/indicators"
	"perpengine/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCandles serves a fixed candle slice per (symbol, timeframe) pair
// regardless of the requested limit, sized to the lookback the
// evaluator needs.
type fakeCandles struct {
	byTimeframe map[string][]indicators.Candle
}

func (f *fakeCandles) RecentCandles(symbol, timeframe string, limit int) ([]indicators.Candle, error) {
	return f.byTimeframe[timeframe], nil
}

type fakePrice struct {
	price float64
	ok    bool
}

func (f fakePrice) CachedPrice(symbol string) (float64, bool) { return f.price, f.ok }

// trendCandles builds a monotonic trend: each bar's open is the prior
// close, advancing by step every bar, producing a strong, one-sided
// ADX. A positive step trends up, negative trends down.
func trendCandles(n int, start, step float64) []indicators.Candle {
	out := make([]indicators.Candle, n)
	open := start
	for i := 0; i < n; i++ {
		close := open + step
		high, low := open, close
		if close > high {
			high = close
		}
		if open < low {
			low = open
		}
		out[i] = indicators.Candle{
			OpenTime: int64(i) * 60000,
			Open:     open,
			High:     high + 0.01,
			Low:      low - 0.01,
			Close:    close,
			Volume:   100,
		}
		open = close
	}
	return out
}

// choppyCandles alternates up/down moves of equal size so +DM and -DM
// cancel out, keeping ADX near zero.
func choppyCandles(n int, start, amplitude float64) []indicators.Candle {
	out := make([]indicators.Candle, n)
	price := start
	for i := 0; i < n; i++ {
		step := amplitude
		if i%2 == 1 {
			step = -amplitude
		}
		close := price + step
		high, low := price, close
		if close > high {
			high = close
		}
		if price < low {
			low = price
		}
		out[i] = indicators.Candle{
			OpenTime: int64(i) * 60000,
			Open:     price,
			High:     high + 0.01,
			Low:      low - 0.01,
			Close:    close,
			Volume:   100,
		}
		price = close
	}
	return out
}

func permissiveConfig() state.Config {
	cfg := state.DefaultConfig()
	cfg.AIConfig.Enabled = false
	cfg.IndicatorsConfig.ADX = state.TimeframeADXConfig{Threshold15m: 15, Threshold1h: 15, Threshold4h: 15}
	cfg.IndicatorsConfig.Long.EMADeviationThreshold = 1.0
	cfg.IndicatorsConfig.Long.RSIMin = 0
	cfg.IndicatorsConfig.Long.RSIMax = 100
	cfg.IndicatorsConfig.Short.EMADeviationThreshold = 1.0
	cfg.IndicatorsConfig.Short.RSIMin = 0
	cfg.IndicatorsConfig.Short.RSIMax = 100
	return cfg
}

func TestEvaluateLongSignalOnUptrend(t *testing.T) {
	up := trendCandles(100, 100, 1)
	candles := &fakeCandles{byTimeframe: map[string][]indicators.Candle{
		"15m": up, "1h": up, "4h": up,
	}}
	lastClose := up[len(up)-1].Close
	prices := fakePrice{price: lastClose + 0.5, ok: true}

	ev := NewEvaluator(candles, prices, nil)
	sig, rej := ev.Evaluate(context.Background(), "BTC/USDT", permissiveConfig())
	require.Nil(t, rej)
	require.NotNil(t, sig)
	assert.Equal(t, state.DirectionLong, sig.Direction)
}

func TestEvaluateNoPriceRejects(t *testing.T) {
	candles := &fakeCandles{byTimeframe: map[string][]indicators.Candle{}}
	ev := NewEvaluator(candles, fakePrice{ok: false}, nil)
	sig, rej := ev.Evaluate(context.Background(), "BTC/USDT", permissiveConfig())
	assert.Nil(t, sig)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonNoPrice, rej.Reason)
}

func TestEvaluateInsufficientDataRejects(t *testing.T) {
	short := trendCandles(10, 100, 1)
	candles := &fakeCandles{byTimeframe: map[string][]indicators.Candle{
		"15m": short, "1h": short, "4h": short,
	}}
	ev := NewEvaluator(candles, fakePrice{price: 110, ok: true}, nil)
	sig, rej := ev.Evaluate(context.Background(), "BTC/USDT", permissiveConfig())
	assert.Nil(t, sig)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonInsufficientData, rej.Reason)
}

// Mirrors the spec's "short rejected by ADX" scenario: the 15m series
// trends down (so the directional filter alone would pick SHORT) but
// both 1h and 4h are choppy, so neither clears the ADX gate.
func TestEvaluateShortRejectedByADXGate(t *testing.T) {
	down15m := trendCandles(100, 200, -1)
	choppy1h := choppyCandles(100, 200, 0.5)
	choppy4h := choppyCandles(100, 200, 0.5)
	candles := &fakeCandles{byTimeframe: map[string][]indicators.Candle{
		"15m": down15m, "1h": choppy1h, "4h": choppy4h,
	}}
	lastClose := down15m[len(down15m)-1].Close
	prices := fakePrice{price: lastClose - 0.5, ok: true}

	cfg := permissiveConfig()
	ev := NewEvaluator(candles, prices, nil)
	sig, rej := ev.Evaluate(context.Background(), "BTC/USDT", cfg)
	assert.Nil(t, sig)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonADXGate, rej.Reason)
}

// P6: gate purity. Evaluate is a pure function of its inputs - calling
// it repeatedly with unchanged candles/price/config must not drift.
func TestEvaluateIsPureAcrossRepeatedCalls(t *testing.T) {
	up := trendCandles(100, 100, 1)
	candles := &fakeCandles{byTimeframe: map[string][]indicators.Candle{
		"15m": up, "1h": up, "4h": up,
	}}
	lastClose := up[len(up)-1].Close
	prices := fakePrice{price: lastClose + 0.5, ok: true}
	cfg := permissiveConfig()

	ev := NewEvaluator(candles, prices, nil)
	first, rej1 := ev.Evaluate(context.Background(), "BTC/USDT", cfg)
	second, rej2 := ev.Evaluate(context.Background(), "BTC/USDT", cfg)

	require.Nil(t, rej1)
	require.Nil(t, rej2)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.Direction, second.Direction)
	assert.True(t, first.Price.Equal(second.Price))
	assert.Equal(t, first.Indicators, second.Indicators)
}

func TestLastIndicatorsCachedAfterEvaluate(t *testing.T) {
	up := trendCandles(100, 100, 1)
	candles := &fakeCandles{byTimeframe: map[string][]indicators.Candle{
		"15m": up, "1h": up, "4h": up,
	}}
	lastClose := up[len(up)-1].Close
	prices := fakePrice{price: lastClose + 0.5, ok: true}

	ev := NewEvaluator(candles, prices, nil)
	_, ok := ev.LastIndicators("BTC/USDT")
	assert.False(t, ok)

	ev.Evaluate(context.Background(), "BTC/USDT", permissiveConfig())
	snap, ok := ev.LastIndicators("BTC/USDT")
	require.True(t, ok)
	assert.Greater(t, snap.ADX1h, 0.0)
}
