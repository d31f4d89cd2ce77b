package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	confirmRetries = 3
	confirmDelay   = 500 * time.Millisecond
)

// confirmFilled polls FetchPositions up to confirmRetries times, pausing
// confirmDelay between attempts, until a non-zero position appears for
// symbol. It returns the exchange-reported filled quantity - never the
// submitted qty, since the exchange may partially fill or round to lot
// precision. A zero return means the entry never landed within the
// retry window and must be compensated. A FetchPositions error just
// consumes a retry; a transient lookup failure isn't grounds to abandon
// an order that may have already filled.
func (m *Manager) confirmFilled(symbol string) decimal.Decimal {
	for attempt := 0; attempt < confirmRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(confirmDelay)
		}
		positions, err := m.exchange.FetchPositions()
		if err != nil {
			continue
		}
		for _, p := range positions {
			if p.Symbol == symbol && p.Quantity != 0 {
				return decimal.NewFromFloat(p.Quantity)
			}
		}
	}
	return decimal.Zero
}

// confirmClosed polls FetchPositions until no non-zero position remains
// for symbol, the exit-side mirror of confirmFilled.
func (m *Manager) confirmClosed(symbol string) bool {
	for attempt := 0; attempt < confirmRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(confirmDelay)
		}
		positions, err := m.exchange.FetchPositions()
		if err != nil {
			continue
		}
		closed := true
		for _, p := range positions {
			if p.Symbol == symbol && p.Quantity != 0 {
				closed = false
				break
			}
		}
		if closed {
			return true
		}
	}
	return false
}
