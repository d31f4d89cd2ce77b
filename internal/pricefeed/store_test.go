package pricefeed

import (
	"testing"

	"perpengine/internal/indicators"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndRecentCandles(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenCandleStore(dir)
	require.NoError(t, err)
	defer s.Close()

	for i := int64(0); i < 5; i++ {
		c := indicators.Candle{OpenTime: i * 60000, Close: float64(100 + i)}
		require.NoError(t, s.PutCandle("BTC/USDT", "15m", c))
	}

	recent, err := s.RecentCandles("BTC/USDT", "15m", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	// oldest-first ordering
	assert.Equal(t, float64(102), recent[0].Close)
	assert.Equal(t, float64(104), recent[2].Close)
}

func TestPutCandleUpsertsByOpenTime(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenCandleStore(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutCandle("ETH/USDT", "1h", indicators.Candle{OpenTime: 1000, Close: 10}))
	require.NoError(t, s.PutCandle("ETH/USDT", "1h", indicators.Candle{OpenTime: 1000, Close: 20}))

	recent, err := s.RecentCandles("ETH/USDT", "1h", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, float64(20), recent[0].Close)
}

func TestCandlesInRange(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenCandleStore(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutCandles("BTC/USDT", "4h", []indicators.Candle{
		{OpenTime: 0, Close: 1},
		{OpenTime: 100, Close: 2},
		{OpenTime: 200, Close: 3},
	}))

	rows, err := s.CandlesInRange("BTC/USDT", "4h", 50, 200)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, float64(2), rows[0].Close)
	assert.Equal(t, float64(3), rows[1].Close)
}

func TestRecentCandlesEmptyBucket(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenCandleStore(dir)
	require.NoError(t, err)
	defer s.Close()

	rows, err := s.RecentCandles("UNKNOWN/USDT", "15m", 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
