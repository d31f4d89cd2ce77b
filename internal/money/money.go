// Package money provides fixed-precision decimal helpers shared by the
// risk controller and order lifecycle manager. Persisted monetary,
// price, and quantity fields are decimal.Decimal; cached prices,
// indicators, and the lifecycle's stop/leverage/take-profit arithmetic
// work in float64.
package money

import (
	"github.com/shopspring/decimal"
)

// RoundStep rounds qty down to the nearest multiple of step (a lot-size
// or tick-size constraint), never rounding up through a position limit.
func RoundStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// Clamp bounds v to [min, max].
func Clamp(v, min, max decimal.Decimal) decimal.Decimal {
	if v.LessThan(min) {
		return min
	}
	if v.GreaterThan(max) {
		return max
	}
	return v
}

// PercentOf returns pct (e.g. 0.02 for 2%) of base.
func PercentOf(base decimal.Decimal, pct float64) decimal.Decimal {
	return base.Mul(decimal.NewFromFloat(pct))
}

// PnLPercent returns pnl/(entry*qty)*100*leverage, the margin-relative
// percentage return on a leveraged position - not the raw price-move
// percentage. entryNotional is entry*qty (unleveraged). Zero if
// entryNotional is zero.
func PnLPercent(pnl, entryNotional decimal.Decimal, leverage int) decimal.Decimal {
	if entryNotional.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(entryNotional).Mul(decimal.NewFromInt(100)).Mul(decimal.NewFromInt(int64(leverage)))
}
