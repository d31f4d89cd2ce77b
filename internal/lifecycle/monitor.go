package lifecycle

import (
	"math"
	"time"

	"perpengine/internal/money"
	"perpengine/internal/state"
	"perpengine/internal/strategy"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	indicatorRecomputeInterval   = 5 * time.Minute
	indicatorRecomputePriceDelta = 0.01
)

// MonitorPosition runs the monitor algorithm once for the currently
// open position, if any, in order: a consistency check against the
// exchange's own reported positions (catching an out-of-band
// liquidation the manager's bookkeeping never saw), a live PnL
// snapshot, an indicator refresh, TP1/TP2/exhaustion, the trailing
// stop, and the position timeout. It is a no-op when there is no open
// position or no fresh price.
func (m *Manager) MonitorPosition(cfg state.Config, snap strategy.IndicatorSnapshot) error {
	pos := m.store.State().CurrentPosition
	if pos == nil {
		return nil
	}

	missing, err := m.positionMissingFromExchange(pos.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("lifecycle: consistency check fetch positions failed")
	} else if missing {
		return m.CompensatedClose(state.ReasonStopHitObserved)
	}

	price, ok := m.prices.CachedPrice(pos.Symbol)
	if !ok || price <= 0 {
		return nil
	}
	priceDec := decimal.NewFromFloat(price)

	pnl := priceDec.Sub(pos.EntryPrice).Mul(decimal.NewFromFloat(pos.Direction.Sign())).Mul(pos.Quantity)
	entryNotional := pos.EntryPrice.Mul(pos.Quantity)
	pnlPct := money.PnLPercent(pnl, entryNotional, pos.Leverage)
	if err := m.store.UpdateState(func(s *state.State) {
		s.CurrentPrice = priceDec
		s.CurrentPnL = pnl
		s.CurrentPnLPercentage = pnlPct
	}); err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("lifecycle: persist live PnL snapshot failed")
	}

	snap = m.refreshIndicators15m(pos.Symbol, price, snap)
	adxPrev, adxNow := m.adx15mPrev[pos.Symbol], m.adx15mNow[pos.Symbol]

	if tp1Hit(pos, price) {
		if exhaustionOrTP2Hit(pos, snap, cfg.RiskConfig.TakeProfit, adxPrev, adxNow) {
			return m.ClosePosition(state.ReasonTP2, price)
		}
		if tp2Hit(pos, price) {
			return m.ClosePosition(state.ReasonTP2, price)
		}
		return m.ClosePosition(state.ReasonTP1, price)
	}

	m.updateTrailingStop(cfg, pos, price, snap.ATR14)

	openedAt := time.UnixMilli(pos.OpenTime)
	if cfg.PositionTimeoutHours > 0 && time.Since(openedAt) > time.Duration(cfg.PositionTimeoutHours*float64(time.Hour)) && adxNow < adxPrev {
		return m.ClosePosition(state.ReasonTimeout, price)
	}

	return nil
}

// positionMissingFromExchange queries the exchange's own position list
// for symbol and reports whether no non-zero entry is present there -
// the monitor's mandatory per-tick consistency check (an out-of-band
// stop fill or liquidation the manager's own bookkeeping never saw).
func (m *Manager) positionMissingFromExchange(symbol string) (bool, error) {
	positions, err := m.exchange.FetchPositions()
	if err != nil {
		return false, err
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Quantity != 0 {
			return false, nil
		}
	}
	return true, nil
}

// refreshIndicators15m recomputes ADX15m/RSI14/ATR14 for symbol when
// either at least indicatorRecomputeInterval has elapsed since the
// last recompute, or price has moved more than
// indicatorRecomputePriceDelta since then. It shifts the prior ADX15m
// reading into adx15mPrev before recording the new one, so the
// timeout and TP2 weakening gates always compare consecutive
// snapshots rather than the stale entry-time value. Falls back to the
// snapshot it was given when no indicator source is wired or the
// recompute fails.
func (m *Manager) refreshIndicators15m(symbol string, price float64, snap strategy.IndicatorSnapshot) strategy.IndicatorSnapshot {
	if m.indicators == nil {
		return snap
	}

	lastTime, haveTime := m.lastIndicatorTime[symbol]
	lastPrice := m.lastIndicatorPrice[symbol]
	due := !haveTime || time.Since(lastTime) >= indicatorRecomputeInterval
	if !due && lastPrice > 0 && math.Abs(price-lastPrice)/lastPrice > indicatorRecomputePriceDelta {
		due = true
	}
	if !due {
		return snap
	}

	fresh, err := m.indicators.RecomputeIndicators15m(symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("lifecycle: recompute 15m indicators failed")
		return snap
	}

	m.adx15mPrev[symbol] = m.adx15mNow[symbol]
	m.adx15mNow[symbol] = fresh.ADX15m
	m.lastIndicatorTime[symbol] = time.Now()
	m.lastIndicatorPrice[symbol] = price

	snap.ADX15m = fresh.ADX15m
	snap.RSI14 = fresh.RSI14
	snap.ATR14 = fresh.ATR14
	return snap
}

func tp1Hit(pos *state.Position, price float64) bool {
	tp1 := pos.TakeProfit1.InexactFloat64()
	if pos.Direction == state.DirectionLong {
		return price >= tp1
	}
	return price <= tp1
}

func tp2Hit(pos *state.Position, price float64) bool {
	tp2 := pos.TakeProfit2.InexactFloat64()
	if pos.Direction == state.DirectionLong {
		return price >= tp2
	}
	return price <= tp2
}

// exhaustionOrTP2Hit reports whether, having already cleared TP1, the
// position should be closed early on a trend-exhaustion signal - RSI
// deep in the extreme zone against reversal, or ADX15m having fallen
// off materially since the last recompute - rather than waiting for
// the full TP2 distance.
func exhaustionOrTP2Hit(pos *state.Position, snap strategy.IndicatorSnapshot, cfg state.TakeProfitConfig, adxPrev, adxNow float64) bool {
	rsiExtreme := false
	if pos.Direction == state.DirectionLong {
		rsiExtreme = snap.RSI14 >= cfg.RSIExtreme.Long
	} else {
		rsiExtreme = snap.RSI14 <= cfg.RSIExtreme.Short
	}

	adxWeakened := adxPrev-adxNow >= cfg.ADXDecreaseThresh
	return rsiExtreme || adxWeakened
}

// updateTrailingStop tightens the stop once price has moved favorably
// past the activation ratio of the initial risk, replacing the resting
// stop order. It only ever moves the stop in the favorable direction
// (P2: stop monotonicity).
func (m *Manager) updateTrailingStop(cfg state.Config, pos *state.Position, price, atr14 float64) {
	if !cfg.TrailingStop.Enabled {
		return
	}
	initialRisk := pos.InitialRisk().Div(pos.Quantity).InexactFloat64()
	if initialRisk <= 0 {
		return
	}
	entry := pos.EntryPrice.InexactFloat64()
	favorableMove := (price - entry) * pos.Direction.Sign()
	if favorableMove < cfg.TrailingStop.ActivationRatio*initialRisk {
		return
	}

	distance := cfg.TrailingStop.TrailingDistanceATRMult * atr14
	if distance <= 0 {
		return
	}
	newStop := price - pos.Direction.Sign()*distance

	currentStop := pos.StopLoss.InexactFloat64()
	improved := (pos.Direction == state.DirectionLong && newStop > currentStop) ||
		(pos.Direction == state.DirectionShort && newStop < currentStop)
	if !improved {
		return
	}

	if pos.StopLossOrderID != "" {
		if err := m.exchange.CancelOrder(pos.Symbol, pos.StopLossOrderID); err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("lifecycle: cancel old trailing stop order failed")
		}
	}
	qty := pos.Quantity.InexactFloat64()
	newOrderID, err := m.exchange.StopMarketOrder(pos.Symbol, closeSideFor(pos.Direction), qty, newStop)
	if err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("lifecycle: replace trailing stop order failed")
		return
	}

	now := time.Now().UnixMilli()
	if err := m.store.UpdateState(func(s *state.State) {
		if s.CurrentPosition == nil || s.CurrentPosition.Symbol != pos.Symbol {
			return
		}
		s.CurrentPosition.StopLoss = decimal.NewFromFloat(newStop)
		s.CurrentPosition.StopLossOrderID = newOrderID
		s.CurrentPosition.LastStopLossUpdate = now
	}); err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("lifecycle: persist trailing stop update failed")
	}
}
