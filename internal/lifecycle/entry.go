package lifecycle

import (
	"fmt"
	"time"

	"perpengine/internal/advisory"
	"perpengine/internal/exchange/bitunix"
	"perpengine/internal/state"
	"perpengine/internal/strategy"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// OpenPosition runs the entry algorithm for a gated signal: compute
// the stop, leverage, and size; set leverage/margin mode; place the
// entry order; confirm the fill (compensating on failure); place the
// protective stop; compute take-profit targets; and persist the new
// position. It returns an error only when no position was opened -
// every error path leaves state unchanged (or compensated back to
// unchanged).
func (m *Manager) OpenPosition(sig *strategy.Signal, cfg state.Config) error {
	if existing := m.store.State().CurrentPosition; existing != nil {
		return fmt.Errorf("lifecycle: position already open for %s", existing.Symbol)
	}

	if err := m.store.UpdateState(func(s *state.State) {
		s.Status = state.StatusOpening
	}); err != nil {
		return fmt.Errorf("lifecycle: transition to opening: %w", err)
	}

	price, _ := sig.Price.Float64()
	stop := stopLoss(price, sig.Indicators.ATR14, sig.Direction, cfg)

	riskLevel := advisoryRiskLevel(sig)
	leverage := selectLeverage(price, stop, riskLevel, cfg)

	balance, err := m.exchange.FetchBalance()
	if err != nil {
		m.revertToMonitoring(sig.Symbol, "fetch balance failed")
		return fmt.Errorf("lifecycle: fetch balance: %w", err)
	}
	equity := decimal.NewFromFloat(balance.Available)
	lotSize := m.exchange.LotPrecision(sig.Symbol)
	minNotional := m.exchange.MinNotional(sig.Symbol)

	qty, _, ok := sizePosition(equity, price, stop, lotSize, minNotional, cfg)
	if !ok {
		m.revertToMonitoring(sig.Symbol, "sized position below exchange minimum notional")
		return fmt.Errorf("lifecycle: sized position for %s below exchange minimum notional", sig.Symbol)
	}

	if err := m.exchange.ChangeLeverage(sig.Symbol, leverage); err != nil {
		m.revertToMonitoring(sig.Symbol, "change leverage failed")
		return fmt.Errorf("lifecycle: change leverage: %w", err)
	}
	if err := m.exchange.ChangeMarginMode(sig.Symbol, "CROSS"); err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("lifecycle: change margin mode failed, continuing with existing mode")
	}
	if err := m.exchange.SetPositionMode(bitunix.PositionModeOneWay); err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("lifecycle: set one-way position mode failed, continuing with existing mode")
	}

	orderID, err := m.exchange.PlaceOrder(bitunix.OrderReq{
		Symbol:    sig.Symbol,
		Side:      sideFor(sig.Direction),
		TradeSide: "OPEN",
		Qty:       qty.String(),
		OrderType: "MARKET",
	})
	if err != nil {
		m.revertToMonitoring(sig.Symbol, "place entry order failed")
		return fmt.Errorf("lifecycle: place entry order: %w", err)
	}

	filledQty := m.confirmFilled(sig.Symbol)
	if filledQty.IsZero() {
		m.compensateUnconfirmedEntry(sig.Symbol, orderID)
		m.revertToMonitoring(sig.Symbol, "entry order not confirmed within retry window")
		return fmt.Errorf("lifecycle: entry order %s not confirmed within retry window, compensated", orderID)
	}

	stopOrderID, err := m.exchange.StopMarketOrder(sig.Symbol, closeSideFor(sig.Direction), filledQty.InexactFloat64(), stop)
	if err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("lifecycle: initial stop-loss placement failed, position open without exchange-side stop")
	}

	tp1, tp2 := takeProfitLevels(price, stop, sig.Direction, cfg.RiskConfig.TakeProfit)

	pos := &state.Position{
		Symbol:          sig.Symbol,
		Direction:       sig.Direction,
		EntryPrice:      sig.Price,
		Quantity:        filledQty,
		Leverage:        leverage,
		StopLoss:        decimal.NewFromFloat(stop),
		InitialStopLoss: decimal.NewFromFloat(stop),
		TakeProfit1:     decimal.NewFromFloat(tp1),
		TakeProfit2:     decimal.NewFromFloat(tp2),
		OpenTime:        time.Now().UnixMilli(),
		OrderID:         orderID,
		StopLossOrderID: stopOrderID,
	}

	m.lastIndicatorTime[sig.Symbol] = time.Now()
	m.lastIndicatorPrice[sig.Symbol] = price
	m.adx15mPrev[sig.Symbol] = sig.Indicators.ADX15m
	m.adx15mNow[sig.Symbol] = sig.Indicators.ADX15m

	nowMs := time.Now().UnixMilli()
	if err := m.store.UpdateState(func(s *state.State) {
		s.Status = state.StatusPosition
		s.CurrentPosition = pos
		s.TodayTrades++
		s.LastTradeTime = nowMs
	}); err != nil {
		return fmt.Errorf("lifecycle: persist opened position: %w", err)
	}

	log.Info().Str("symbol", sig.Symbol).Str("direction", string(sig.Direction)).
		Str("qty", filledQty.String()).Int("leverage", leverage).Float64("stop", stop).
		Float64("tp1", tp1).Float64("tp2", tp2).Msg("lifecycle: position opened")
	return nil
}

// revertToMonitoring reverts an in-flight OPENING transition back to
// MONITORING, per spec invariant 2: a transition into OPENING that
// does not produce a confirmed Position must revert, never leave the
// engine stuck in OPENING with no position and no path forward.
func (m *Manager) revertToMonitoring(symbol, reason string) {
	if err := m.store.UpdateState(func(s *state.State) {
		s.Status = state.StatusMonitoring
	}); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("lifecycle: revert to monitoring after failed entry also failed")
	}
	log.Warn().Str("symbol", symbol).Str("reason", reason).Msg("lifecycle: entry aborted, reverted to monitoring")
}

// compensateUnconfirmedEntry is invoked when an entry order cannot be
// confirmed filled: cancel whatever is left resting on the book so an
// unconfirmed entry never silently turns into a live position later.
func (m *Manager) compensateUnconfirmedEntry(symbol, orderID string) {
	if orderID != "" {
		if err := m.exchange.CancelOrder(symbol, orderID); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Str("orderId", orderID).Msg("lifecycle: compensating cancel of unconfirmed entry failed")
		}
	}
	if err := m.exchange.CancelAllOrders(symbol); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("lifecycle: compensating cancel-all failed")
	}
}

func advisoryRiskLevel(sig *strategy.Signal) advisory.RiskLevel {
	if sig.Advisory == nil {
		return advisory.RiskMedium
	}
	return sig.Advisory.RiskLevel
}
