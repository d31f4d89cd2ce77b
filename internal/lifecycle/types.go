// Package lifecycle implements the order lifecycle manager: sizing,
// leverage selection, entry with post-trade confirmation, stop and
// take-profit placement, trailing-stop maintenance, exit, and
// compensated close when the exchange and persisted state disagree.
package lifecycle

import (
	"time"

	"perpengine/internal/exchange/bitunix"
	"perpengine/internal/state"
	"perpengine/internal/strategy"
)

// Exchange is the subset of the exchange adapter the lifecycle manager
// drives. *bitunix.Client satisfies it directly.
type Exchange interface {
	PlaceOrder(o bitunix.OrderReq) (string, error)
	StopMarketOrder(symbol, side string, qty, stopPrice float64) (string, error)
	CancelOrder(symbol, orderID string) error
	CancelAllOrders(symbol string) error
	ChangeLeverage(symbol string, leverage int) error
	ChangeMarginMode(symbol, mode string) error
	SetPositionMode(mode bitunix.PositionMode) error
	FetchPositions() ([]bitunix.ExchangePosition, error)
	FetchBalance() (bitunix.Balance, error)
	LotPrecision(symbol string) float64
	MinNotional(symbol string) float64
}

// PriceSource is the last-traded-price cache the manager reads from
// when monitoring an open position.
type PriceSource interface {
	CachedPrice(symbol string) (float64, bool)
}

// IndicatorSource lets the monitor refresh 15m indicators mid-hold
// instead of relying solely on the stale snapshot from the scan that
// opened the position. May be nil, in which case the monitor keeps
// using whatever snapshot it was handed.
type IndicatorSource interface {
	RecomputeIndicators15m(symbol string) (strategy.IndicatorSnapshot, error)
}

// sideFor returns the order side that opens a position in dir.
func sideFor(dir state.Direction) string {
	if dir == state.DirectionShort {
		return "SELL"
	}
	return "BUY"
}

// closeSideFor returns the order side that closes a position in dir.
func closeSideFor(dir state.Direction) string {
	if dir == state.DirectionShort {
		return "BUY"
	}
	return "SELL"
}

// Manager owns the order lifecycle for the single position the engine
// is allowed to hold at a time (spec invariant: at most one open
// position). It is driven by the scheduler, which serializes all
// calls - Manager itself does not run a goroutine.
type Manager struct {
	exchange   Exchange
	prices     PriceSource
	indicators IndicatorSource
	store      *state.Store

	lastIndicatorTime  map[string]time.Time
	lastIndicatorPrice map[string]float64
	adx15mPrev         map[string]float64
	adx15mNow          map[string]float64
}

// NewManager builds a Manager against the given exchange adapter,
// price cache, indicator source, and state store. indicators may be
// nil, in which case the monitor never refreshes ADX15m/RSI mid-hold.
func NewManager(exchange Exchange, prices PriceSource, indicators IndicatorSource, store *state.Store) *Manager {
	return &Manager{
		exchange:           exchange,
		prices:             prices,
		indicators:         indicators,
		store:              store,
		lastIndicatorTime:  make(map[string]time.Time),
		lastIndicatorPrice: make(map[string]float64),
		adx15mPrev:         make(map[string]float64),
		adx15mNow:          make(map[string]float64),
	}
}
