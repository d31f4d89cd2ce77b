package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"perpengine/internal/exchange/bitunix"
	"perpengine/internal/indicators"
	"perpengine/internal/lifecycle"
	"perpengine/internal/scheduler"
	"perpengine/internal/state"
	"perpengine/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeExchange struct {
	balance     bitunix.Balance
	lot         float64
	minNotional float64
}

func (f *fakeExchange) PlaceOrder(o bitunix.OrderReq) (string, error) { return "order-1", nil }
func (f *fakeExchange) StopMarketOrder(symbol, side string, qty, stopPrice float64) (string, error) {
	return "stop-1", nil
}
func (f *fakeExchange) CancelOrder(symbol, orderID string) error { return nil }
func (f *fakeExchange) CancelAllOrders(symbol string) error      { return nil }
func (f *fakeExchange) ChangeLeverage(symbol string, leverage int) error { return nil }
func (f *fakeExchange) ChangeMarginMode(symbol, mode string) error       { return nil }
func (f *fakeExchange) SetPositionMode(mode bitunix.PositionMode) error  { return nil }
func (f *fakeExchange) FetchPositions() ([]bitunix.ExchangePosition, error) {
	return nil, nil
}
func (f *fakeExchange) FetchBalance() (bitunix.Balance, error) { return f.balance, nil }
func (f *fakeExchange) LotPrecision(symbol string) float64    { return f.lot }
func (f *fakeExchange) MinNotional(symbol string) float64     { return f.minNotional }

type fakePrices struct{ prices map[string]float64 }

func (f *fakePrices) CachedPrice(symbol string) (float64, bool) {
	p, ok := f.prices[symbol]
	return p, ok
}

type emptyCandles struct{}

func (emptyCandles) RecentCandles(symbol, timeframe string, limit int) ([]indicators.Candle, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, *state.Store) {
	t.Helper()
	store, err := state.Open(t.TempDir(), "UTC")
	require.NoError(t, err)

	ex := &fakeExchange{balance: bitunix.Balance{Available: 10000}, lot: 0.001, minNotional: 5}
	prices := &fakePrices{prices: map[string]float64{"BTC/USDT": 50000}}

	ev := strategy.NewEvaluator(emptyCandles{}, prices, nil)
	lc := lifecycle.NewManager(ex, prices, ev, store)
	sched, err := scheduler.New(store, lc, ev, prices, nil)
	require.NoError(t, err)

	logs := NewLogRingBuffer(50)
	srv := NewServer(store, sched, ex, logs, ":0")
	return srv, store
}

func TestHandleStatusReturnsStateConfigAndLogs(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/bot/status", nil)
	rec := httptest.NewRecorder()
	srv.handleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, data, "state")
	require.Contains(t, data, "config")
	require.Contains(t, data, "logs")
	require.Contains(t, data, "balances")
}

func TestHandleStartIsIdempotentAndClearsCircuitBreaker(t *testing.T) {
	srv, store := newTestServer(t)

	require.NoError(t, store.UpdateState(func(s *state.State) {
		s.CircuitBreaker.IsTriggered = true
		s.Status = state.StatusHalted
		s.IsRunning = false
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/bot/start", nil)
		rec := httptest.NewRecorder()
		srv.handleStart(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	st := store.State()
	require.False(t, st.CircuitBreaker.IsTriggered)
	require.Equal(t, state.StatusMonitoring, st.Status)
	require.True(t, srv.scheduler.IsRunning())

	srv.scheduler.Stop()
}

func TestHandleStopIsIdempotent(t *testing.T) {
	srv, store := newTestServer(t)

	startReq := httptest.NewRequest(http.MethodPost, "/bot/start", nil)
	srv.handleStart(httptest.NewRecorder(), startReq)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/bot/stop", nil)
		rec := httptest.NewRecorder()
		srv.handleStop(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	require.False(t, store.State().IsRunning)
	require.False(t, srv.scheduler.IsRunning())
}

func TestHandlePatchConfigDeepMergesAndPersists(t *testing.T) {
	srv, store := newTestServer(t)

	patch := map[string]interface{}{
		"leverage": 15,
		"riskConfig": map[string]interface{}{
			"dailyTradeLimit": 25,
		},
	}
	body, err := json.Marshal(patch)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPatch, "/bot/config", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handlePatchConfig(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)

	effective := store.Config()
	require.Equal(t, 15, effective.Leverage)
	require.Equal(t, 25, effective.RiskConfig.DailyTradeLimit)
	require.Equal(t, 3, effective.RiskConfig.CircuitBreaker.ConsecutiveLossesThreshold)
}

func TestHandlePatchConfigRejectsInvalidMerge(t *testing.T) {
	srv, _ := newTestServer(t)

	patch := map[string]interface{}{"leverage": 0}
	body, _ := json.Marshal(patch)

	req := httptest.NewRequest(http.MethodPatch, "/bot/config", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handlePatchConfig(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Success)
}

func TestHandleHistoryReturnsNewestFirstWithAggregates(t *testing.T) {
	srv, store := newTestServer(t)

	row1 := state.TradeHistoryRow{Symbol: "BTC/USDT", CloseTime: 1000, PnL: decimal.Zero}
	row2 := state.TradeHistoryRow{Symbol: "BTC/USDT", CloseTime: 2000, PnL: decimal.Zero}
	require.NoError(t, store.AppendHistory(row1, nil))
	require.NoError(t, store.AppendHistory(row2, nil))

	req := httptest.NewRequest(http.MethodGet, "/bot/history?page=1&pageSize=10", nil)
	rec := httptest.NewRecorder()
	srv.handleHistory(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	require.Equal(t, float64(2), data["total"])
	rows := data["rows"].([]interface{})
	require.Len(t, rows, 2)
	first := rows[0].(map[string]interface{})
	require.Equal(t, float64(2000), first["closeTime"])
}
