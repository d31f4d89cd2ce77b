package lifecycle

import (
	"math"

	"perpengine/internal/advisory"
	"perpengine/internal/money"
	"perpengine/internal/state"

	"github.com/shopspring/decimal"
)

// leverageSafetyFactor derates the stop-distance-implied safe leverage
// so a stop fill slippage of a few ticks still lands inside the
// liquidation buffer.
const leverageSafetyFactor = 0.8

// stopLoss computes the direction-aware stop price from ATR, clamped
// to the configured maximum stop distance as a percentage of price.
func stopLoss(price, atr14 float64, dir state.Direction, cfg state.Config) float64 {
	distance := cfg.StopLossATRMultiplier * atr14
	maxDistance := price * cfg.MaxStopLossPercentage / 100
	if distance > maxDistance {
		distance = maxDistance
	}
	if distance <= 0 {
		distance = maxDistance
	}
	return price - dir.Sign()*distance
}

// riskMultiplierFor maps an advisory risk level to the configured
// leverage multiplier, defaulting to the medium multiplier when there
// is no advisory opinion (AI disabled or not consulted).
func riskMultiplierFor(level advisory.RiskLevel, mult state.RiskMultiplier) float64 {
	switch level {
	case advisory.RiskLow:
		return mult.Low
	case advisory.RiskHigh:
		return mult.High
	default:
		return mult.Medium
	}
}

// selectLeverage picks the final integer leverage: the configured
// base leverage, confidence-weighted by the advisory risk level when
// dynamic leverage is enabled, then clamped both to the configured
// [min,max] band and to what the stop distance can safely absorb.
func selectLeverage(price, stopPrice float64, riskLevel advisory.RiskLevel, cfg state.Config) int {
	dl := cfg.DynamicLeverage
	target := cfg.Leverage
	if dl.Enabled {
		mult := riskMultiplierFor(riskLevel, dl.RiskMultiplier)
		target = int(math.Round(float64(dl.Base) * mult))
		if target < dl.Min {
			target = dl.Min
		}
		if target > dl.Max {
			target = dl.Max
		}
	}

	stopDistancePct := math.Abs(price-stopPrice) / price
	safe := target
	if stopDistancePct > 0 {
		safe = int(math.Floor(leverageSafetyFactor / stopDistancePct))
	}
	if safe < 1 {
		safe = 1
	}
	final := target
	if safe < final {
		final = safe
	}
	if dl.Max > 0 && final > dl.Max {
		final = dl.Max
	}
	if final < 1 {
		final = 1
	}
	return final
}

// sizePosition computes the risk-based order quantity: the account
// equity fraction risked on this trade divided by the stop distance,
// rounded down to the exchange's lot size. ok is false when the
// resulting notional falls below the exchange's minimum.
func sizePosition(equity decimal.Decimal, price, stopPrice float64, lotSize, minNotional float64, cfg state.Config) (qty decimal.Decimal, notional decimal.Decimal, ok bool) {
	stopDistance := math.Abs(price - stopPrice)
	if stopDistance <= 0 {
		return decimal.Zero, decimal.Zero, false
	}

	riskAmount := money.PercentOf(equity, cfg.MaxRiskPercentage/100)
	rawQty := riskAmount.Div(decimal.NewFromFloat(stopDistance))
	qty = money.RoundStep(rawQty, decimal.NewFromFloat(lotSize))
	notional = qty.Mul(decimal.NewFromFloat(price))

	if !qty.IsPositive() || notional.LessThan(decimal.NewFromFloat(minNotional)) {
		return qty, notional, false
	}
	return qty, notional, true
}

// takeProfitLevels computes TP1/TP2 at the configured RR multiples of
// the initial per-unit risk (|entry-stopLoss|).
func takeProfitLevels(entry, stop float64, dir state.Direction, cfg state.TakeProfitConfig) (tp1, tp2 float64) {
	risk := math.Abs(entry - stop)
	sign := dir.Sign()
	return entry + sign*risk*cfg.TP1RR, entry + sign*risk*cfg.TP2RR
}
