// Package strategy implements the multi-timeframe evaluator: indicator
// computation, the ADX/directional/entry gates, optional advisory
// integration, and the signal/rejection construction that feeds the
// order lifecycle manager.
package strategy

import (
	"github.com/shopspring/decimal"

	"perpengine/internal/advisory"
	"perpengine/internal/state"
)

// RejectionReason names why a symbol produced no signal this cycle.
type RejectionReason string

const (
	ReasonNoPrice            RejectionReason = "NO_PRICE"
	ReasonInsufficientData   RejectionReason = "INSUFFICIENT_DATA"
	ReasonADXGate            RejectionReason = "ADX_GATE"
	ReasonDirectionNeutral   RejectionReason = "DIRECTION_NEUTRAL"
	ReasonEMADeviation       RejectionReason = "EMA_DEVIATION"
	ReasonRSIOutOfRange      RejectionReason = "RSI_OUT_OF_RANGE"
	ReasonCandleNotConfirmed RejectionReason = "CANDLE_NOT_CONFIRMED"
	ReasonVolumeNotConfirmed RejectionReason = "VOLUME_NOT_CONFIRMED"
	ReasonAdvisoryDisagrees  RejectionReason = "ADVISORY_DISAGREES"
	ReasonAdvisoryLowConfidence RejectionReason = "ADVISORY_LOW_CONFIDENCE"
	ReasonAdvisoryHighRisk   RejectionReason = "ADVISORY_HIGH_RISK"
)

// Rejection explains why Evaluate declined to signal for a symbol.
type Rejection struct {
	Symbol string
	Reason RejectionReason
	Detail string
}

// IndicatorSnapshot is the full multi-timeframe technical picture
// behind a Signal or Rejection, also cached per-symbol so the position
// monitor can read the last-evaluated ADX15m for its weakening check.
type IndicatorSnapshot struct {
	Price  float64
	EMA20  float64
	EMA30  float64
	EMA60  float64
	RSI14  float64
	ATR14  float64
	ADX15m float64
	ADX1h  float64
	ADX4h  float64
}

// AuxSignals are non-gating diagnostics attached to a Signal for
// downstream observability; they never affect whether a Signal fires.
type AuxSignals struct {
	VWAP            float64
	VWAPStdDev      float64
	DepthImbalance  float64
	TickImbalance   float64
	HasVWAP         bool
	HasOrderBookAux bool
}

// Signal is a gated, direction-committed trade opportunity ready for
// the order lifecycle manager to size and open.
type Signal struct {
	Symbol     string
	Direction  state.Direction
	Price      decimal.Decimal
	Indicators IndicatorSnapshot
	Aux        AuxSignals
	Advisory   *advisory.Analysis
	Reason     string
}
