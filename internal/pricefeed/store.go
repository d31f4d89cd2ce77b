// Package pricefeed caches OHLCV candles per (symbol, timeframe) in
// BoltDB and tracks each symbol's last traded price from the
// WebSocket stream, so the strategy evaluator never blocks a scan
// cycle on a REST history fetch.
package pricefeed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"perpengine/internal/indicators"

	"go.etcd.io/bbolt"
)

// CandleStore persists recent candles for fast multi-timeframe reads.
type CandleStore struct {
	db *bbolt.DB
}

// OpenCandleStore opens (or creates) the candle cache under dataPath.
func OpenCandleStore(dataPath string) (*CandleStore, error) {
	dbPath := filepath.Join(dataPath, "candles.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("pricefeed: open candle db: %w", err)
	}

	return &CandleStore{db: db}, nil
}

// Close closes the underlying database.
func (s *CandleStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func bucketName(symbol, timeframe string) []byte {
	return []byte(symbol + ":" + timeframe)
}

// PutCandle upserts a candle keyed by its open time, so a re-fetched
// in-progress candle just overwrites its own row.
func (s *CandleStore) PutCandle(symbol, timeframe string, c indicators.Candle) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(symbol, timeframe))
		if err != nil {
			return fmt.Errorf("pricefeed: create bucket: %w", err)
		}
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("pricefeed: marshal candle: %w", err)
		}
		return b.Put(candleKey(c.OpenTime), data)
	})
}

// PutCandles upserts a batch of candles in one transaction.
func (s *CandleStore) PutCandles(symbol, timeframe string, candles []indicators.Candle) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(symbol, timeframe))
		if err != nil {
			return fmt.Errorf("pricefeed: create bucket: %w", err)
		}
		for _, c := range candles {
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("pricefeed: marshal candle: %w", err)
			}
			if err := b.Put(candleKey(c.OpenTime), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecentCandles returns up to limit of the most recent candles for
// (symbol, timeframe), oldest first.
func (s *CandleStore) RecentCandles(symbol, timeframe string, limit int) ([]indicators.Candle, error) {
	var out []indicators.Candle

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(symbol, timeframe))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var candle indicators.Candle
			if err := json.Unmarshal(v, &candle); err != nil {
				continue
			}
			out = append(out, candle)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// reverse to oldest-first, since we walked the cursor backwards
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CandlesInRange returns candles for (symbol, timeframe) with open
// time in [start, end], oldest first.
func (s *CandleStore) CandlesInRange(symbol, timeframe string, start, end int64) ([]indicators.Candle, error) {
	var out []indicators.Candle

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(symbol, timeframe))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		startKey := candleKey(start)
		endKey := candleKey(end)
		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			var candle indicators.Candle
			if err := json.Unmarshal(v, &candle); err != nil {
				continue
			}
			out = append(out, candle)
		}
		return nil
	})
	return out, err
}

func candleKey(openTime int64) []byte {
	return []byte(fmt.Sprintf("%020d", openTime))
}
