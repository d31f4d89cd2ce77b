package pricefeed

import (
	"time"

	"perpengine/internal/exchange/bitunix"
	"perpengine/internal/indicators"

	"github.com/rs/zerolog/log"
)

// KlineSource is the REST history fetch the CandleFeed falls back to
// on a cold or stale cache. *bitunix.Client satisfies it directly.
type KlineSource interface {
	GetKlines(symbol string, interval bitunix.KlineInterval, startTime, endTime int64, limit int) ([]bitunix.Kline, error)
}

// CandleFeed is the strategy evaluator's CandleSource: it serves
// candles from the BoltDB-backed CandleStore, refreshing from the
// exchange's REST kline endpoint whenever the cache can't cover the
// requested lookback or has gone stale.
type CandleFeed struct {
	store    *CandleStore
	exchange KlineSource
	maxAge   time.Duration
}

// NewCandleFeed builds a CandleFeed. maxAge bounds how long a cached
// bucket is trusted before it is refreshed from the exchange even if
// it already has enough bars (default 2 minutes if <= 0).
func NewCandleFeed(store *CandleStore, exchange KlineSource, maxAge time.Duration) *CandleFeed {
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	return &CandleFeed{store: store, exchange: exchange, maxAge: maxAge}
}

// RecentCandles implements strategy.CandleSource.
func (f *CandleFeed) RecentCandles(symbol, timeframe string, limit int) ([]indicators.Candle, error) {
	cached, err := f.store.RecentCandles(symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}

	if len(cached) >= limit && f.fresh(cached) {
		return cached, nil
	}

	fetched, err := f.refresh(symbol, timeframe, limit)
	if err != nil {
		if len(cached) > 0 {
			log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", timeframe).
				Msg("pricefeed: refresh failed, serving stale cache")
			return cached, nil
		}
		return nil, err
	}
	return fetched, nil
}

func (f *CandleFeed) fresh(candles []indicators.Candle) bool {
	if len(candles) == 0 {
		return false
	}
	last := candles[len(candles)-1]
	age := time.Since(time.UnixMilli(last.CloseTime))
	return age <= f.maxAge
}

func (f *CandleFeed) refresh(symbol, timeframe string, limit int) ([]indicators.Candle, error) {
	interval := bitunix.KlineInterval(timeframe)
	klines, err := f.exchange.GetKlines(symbol, interval, 0, 0, limit)
	if err != nil {
		return nil, err
	}

	candles := make([]indicators.Candle, len(klines))
	for i, k := range klines {
		candles[i] = indicators.Candle{
			OpenTime:  k.OpenTime,
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
			CloseTime: k.CloseTime,
		}
	}
	if err := f.store.PutCandles(symbol, timeframe, candles); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", timeframe).
			Msg("pricefeed: cache refreshed candles failed")
	}
	return candles, nil
}
