package lifecycle

import (
	"fmt"
	"time"

	"perpengine/internal/exchange/bitunix"
	"perpengine/internal/money"
	"perpengine/internal/risk"
	"perpengine/internal/state"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ClosePosition runs the exit algorithm for the current position:
// cancel resting stop/take-profit orders, place and confirm a closing
// market order, compute realized PnL, append the history row, and
// update the circuit breaker's consecutive-loss counter.
func (m *Manager) ClosePosition(reason state.CloseReason, exitPrice float64) error {
	pos := m.store.State().CurrentPosition
	if pos == nil {
		return fmt.Errorf("lifecycle: no open position to close")
	}

	if err := m.store.UpdateState(func(s *state.State) {
		s.Status = state.StatusClosing
	}); err != nil {
		return fmt.Errorf("lifecycle: transition to closing: %w", err)
	}

	if err := m.exchange.CancelAllOrders(pos.Symbol); err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("lifecycle: cancel resting orders before close failed")
	}

	qty := pos.Quantity
	orderID, err := m.exchange.PlaceOrder(bitunix.OrderReq{
		Symbol:    pos.Symbol,
		Side:      closeSideFor(pos.Direction),
		TradeSide: "CLOSE",
		Qty:       qty.String(),
		OrderType: "MARKET",
	})
	if err != nil {
		m.revertToPosition(pos.Symbol, "place close order failed")
		return fmt.Errorf("lifecycle: place close order: %w", err)
	}
	if closed := m.confirmClosed(pos.Symbol); !closed {
		log.Warn().Str("symbol", pos.Symbol).Str("orderId", orderID).
			Msg("lifecycle: close order confirmation inconclusive, recording exit at last-known price anyway")
	}

	return m.finalizeClose(pos, decimal.NewFromFloat(exitPrice), reason)
}

// revertToPosition reverts an in-flight CLOSING transition back to
// POSITION when the close order itself could not be placed - the
// position is still open and unchanged, so the engine resumes
// monitoring it rather than getting stuck in CLOSING.
func (m *Manager) revertToPosition(symbol, reason string) {
	if err := m.store.UpdateState(func(s *state.State) {
		if s.CurrentPosition != nil && s.CurrentPosition.Symbol == symbol {
			s.Status = state.StatusPosition
		}
	}); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("lifecycle: revert to position after failed close also failed")
	}
	log.Warn().Str("symbol", symbol).Str("reason", reason).Msg("lifecycle: close aborted, reverted to position")
}

// CompensatedClose handles the case where the position must be closed
// but the lifecycle manager cannot trust its own bookkeeping - an
// out-of-band stop fill, or an unconfirmed entry that may or may not
// have actually opened. It reconciles against the exchange's reported
// positions before deciding what (if anything) remains to close.
func (m *Manager) CompensatedClose(reason state.CloseReason) error {
	pos := m.store.State().CurrentPosition
	if pos == nil {
		return nil
	}

	if err := m.store.UpdateState(func(s *state.State) {
		s.Status = state.StatusClosing
	}); err != nil {
		return fmt.Errorf("lifecycle: transition to closing: %w", err)
	}

	if err := m.exchange.CancelAllOrders(pos.Symbol); err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("lifecycle: compensated-close cancel-all failed")
	}

	exchangePositions, err := m.exchange.FetchPositions()
	if err != nil {
		m.revertToPosition(pos.Symbol, "compensated close: fetch positions failed")
		return fmt.Errorf("lifecycle: compensated close: fetch positions: %w", err)
	}

	var remaining *bitunix.ExchangePosition
	for i := range exchangePositions {
		if exchangePositions[i].Symbol == pos.Symbol {
			remaining = &exchangePositions[i]
			break
		}
	}

	if remaining == nil || remaining.Quantity == 0 {
		price, _ := m.prices.CachedPrice(pos.Symbol)
		if price <= 0 {
			price = pos.StopLoss.InexactFloat64()
		}
		return m.finalizeClose(pos, decimal.NewFromFloat(price), reason)
	}

	orderID, err := m.exchange.PlaceOrder(bitunix.OrderReq{
		Symbol:    pos.Symbol,
		Side:      closeSideFor(pos.Direction),
		TradeSide: "CLOSE",
		Qty:       decimal.NewFromFloat(remaining.Quantity).String(),
		OrderType: "MARKET",
	})
	if err != nil {
		m.revertToPosition(pos.Symbol, "compensated close: place close order failed")
		return fmt.Errorf("lifecycle: compensated close: place close order: %w", err)
	}
	m.confirmClosed(pos.Symbol)

	price, _ := m.prices.CachedPrice(pos.Symbol)
	if price <= 0 {
		price = remaining.EntryPrice
	}
	return m.finalizeClose(pos, decimal.NewFromFloat(price), reason)
}

func (m *Manager) finalizeClose(pos *state.Position, exitPrice decimal.Decimal, reason state.CloseReason) error {
	pnl := exitPrice.Sub(pos.EntryPrice).Mul(decimal.NewFromFloat(pos.Direction.Sign())).Mul(pos.Quantity)
	entryNotional := pos.EntryPrice.Mul(pos.Quantity)
	pnlPct := money.PnLPercent(pnl, entryNotional, pos.Leverage)

	row := state.TradeHistoryRow{
		Symbol:        pos.Symbol,
		Direction:     pos.Direction,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     exitPrice,
		Quantity:      pos.Quantity,
		Leverage:      pos.Leverage,
		PnL:           pnl,
		PnLPercentage: pnlPct,
		OpenTime:      pos.OpenTime,
		CloseTime:     time.Now().UnixMilli(),
		Reason:        reason,
	}

	delete(m.lastIndicatorTime, pos.Symbol)
	delete(m.lastIndicatorPrice, pos.Symbol)
	delete(m.adx15mPrev, pos.Symbol)
	delete(m.adx15mNow, pos.Symbol)

	err := m.store.AppendHistory(row, func(s *state.State) {
		s.Status = state.StatusMonitoring
		s.CurrentPosition = nil
		s.DailyPnL = s.DailyPnL.Add(pnl)
		s.CurrentPrice = exitPrice
		s.CurrentPnL = decimal.Zero
		s.CurrentPnLPercentage = decimal.Zero

		if pnl.IsPositive() {
			s.CircuitBreaker.ConsecutiveLosses = 0
		} else {
			s.CircuitBreaker.ConsecutiveLosses++
		}
		s.CircuitBreaker.DailyLoss = s.DailyPnL

		cfg := m.store.Config()
		result := risk.CheckCircuitBreaker(s.DailyPnL, s.CircuitBreaker.ConsecutiveLosses, entryNotional, cfg.RiskConfig)
		if result.Tripped {
			s.CircuitBreaker.IsTriggered = true
			s.CircuitBreaker.Reason = result.Reason
			s.CircuitBreaker.Timestamp = time.Now().UnixMilli()
			s.AllowNewTrades = false
			s.Status = state.StatusHalted
		}
	})
	if err != nil {
		return fmt.Errorf("lifecycle: persist closed position: %w", err)
	}

	log.Info().Str("symbol", pos.Symbol).Str("reason", string(reason)).
		Str("pnl", pnl.String()).Msg("lifecycle: position closed")
	return nil
}
