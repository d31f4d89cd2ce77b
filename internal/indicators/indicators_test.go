package indicators

import (
	"math"
	"testing"
)

func TestEMAFallsBackToAverageWhenShort(t *testing.T) {
	prices := []float64{1, 2, 3}
	got := EMA(prices, 20)
	want := average(prices)
	if got != want {
		t.Errorf("EMA short series = %v, want %v", got, want)
	}
}

func TestEMATracksRisingPrices(t *testing.T) {
	prices := make([]float64, 40)
	for i := range prices {
		prices[i] = float64(i)
	}
	got := EMA(prices, 20)
	if got < prices[len(prices)-1]-20 || got > prices[len(prices)-1] {
		t.Errorf("EMA(%v, 20) = %v, expected it to track near the tail", prices, got)
	}
}

func TestRSINeutralWithoutEnoughHistory(t *testing.T) {
	if got := RSI([]float64{1, 2}, 14); got != 50 {
		t.Errorf("RSI with short history = %v, want 50", got)
	}
}

func TestRSIAllGainsIsHundred(t *testing.T) {
	prices := make([]float64, 20)
	for i := range prices {
		prices[i] = float64(i + 1)
	}
	if got := RSI(prices, 14); got != 100 {
		t.Errorf("RSI all-gains = %v, want 100", got)
	}
}

func TestATRZeroOnFlatCandles(t *testing.T) {
	candles := make([]Candle, 20)
	for i := range candles {
		candles[i] = Candle{High: 100, Low: 100, Close: 100}
	}
	if got := ATRCandles(candles, 14); got != 0 {
		t.Errorf("ATR on flat candles = %v, want 0", got)
	}
}

func TestATRPositiveOnVolatileCandles(t *testing.T) {
	candles := make([]Candle, 20)
	prev := 100.0
	for i := range candles {
		high := prev + 5
		low := prev - 5
		candles[i] = Candle{High: high, Low: low, Close: prev}
		prev += 1
	}
	if got := ATRCandles(candles, 14); got <= 0 {
		t.Errorf("ATR on volatile candles = %v, want > 0", got)
	}
}

func TestADXInsufficientHistoryReturnsZero(t *testing.T) {
	candles := make([]Candle, 10)
	if got := ADX(candles, 14); got != 0 {
		t.Errorf("ADX with insufficient history = %v, want 0", got)
	}
}

func TestADXTrendingMarketExceedsRangingMarket(t *testing.T) {
	trending := make([]Candle, 60)
	price := 100.0
	for i := range trending {
		price += 1.0
		trending[i] = Candle{High: price + 0.5, Low: price - 0.5, Close: price}
	}

	ranging := make([]Candle, 60)
	price = 100.0
	for i := range ranging {
		delta := 1.0
		if i%2 == 0 {
			delta = -1.0
		}
		price += delta
		ranging[i] = Candle{High: price + 0.5, Low: price - 0.5, Close: price}
	}

	trendADX := ADX(trending, 14)
	rangeADX := ADX(ranging, 14)

	if trendADX <= rangeADX {
		t.Errorf("expected trending ADX (%v) > ranging ADX (%v)", trendADX, rangeADX)
	}
	if math.IsNaN(trendADX) || math.IsNaN(rangeADX) {
		t.Fatalf("ADX produced NaN: trend=%v range=%v", trendADX, rangeADX)
	}
}
