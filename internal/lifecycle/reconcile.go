package lifecycle

import (
	"fmt"
	"math"
	"time"

	"perpengine/internal/exchange/bitunix"
	"perpengine/internal/state"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ReconcileOnStartup compares the persisted position against what the
// exchange actually reports and resolves any mismatch before the
// scheduler starts ticking. It covers the two restart cases spec.md
// names: the local state believes a position is open that the
// exchange has already closed (out-of-band fill while the process was
// down), and the reverse - a position open on the exchange that the
// local state never recorded, which is adopted rather than left to
// drift from the engine's risk accounting.
func (m *Manager) ReconcileOnStartup() error {
	pos := m.store.State().CurrentPosition

	exchangePositions, err := m.exchange.FetchPositions()
	if err != nil {
		return fmt.Errorf("lifecycle: reconcile on startup: fetch positions: %w", err)
	}

	if pos != nil {
		matched := false
		for _, ep := range exchangePositions {
			if ep.Symbol == pos.Symbol && ep.Quantity != 0 {
				matched = true
				break
			}
		}
		if !matched {
			log.Warn().Str("symbol", pos.Symbol).
				Msg("lifecycle: reconcile startup - local position has no matching exchange position, closing locally")
			return m.CompensatedClose(state.ReasonCompensatedUnknown)
		}
		return nil
	}

	for _, ep := range exchangePositions {
		if ep.Quantity == 0 {
			continue
		}
		log.Warn().Str("symbol", ep.Symbol).Float64("qty", ep.Quantity).
			Msg("lifecycle: reconcile startup - exchange position with no local record, adopting")
		if err := m.adoptExchangePosition(ep); err != nil {
			log.Warn().Err(err).Str("symbol", ep.Symbol).Msg("lifecycle: adopt exchange position failed")
		}
		return nil
	}

	return nil
}

func (m *Manager) adoptExchangePosition(ep bitunix.ExchangePosition) error {
	dir := state.DirectionLong
	if ep.Side == "SELL" {
		dir = state.DirectionShort
	}

	entry := decimal.NewFromFloat(ep.EntryPrice)
	qty := decimal.NewFromFloat(math.Abs(ep.Quantity))

	return m.store.UpdateState(func(s *state.State) {
		s.CurrentPosition = &state.Position{
			Symbol:     ep.Symbol,
			Direction:  dir,
			EntryPrice: entry,
			Quantity:   qty,
			Leverage:   ep.Leverage,
			OpenTime:   time.Now().UnixMilli(),
			// Adopted positions take the entry price as their stop and
			// no stop order is placed; the monitor has no step that
			// recomputes it from ATR, so only a trailing-stop update
			// can move it.
			StopLoss: entry,
		}
		s.Status = state.StatusPosition
	})
}
