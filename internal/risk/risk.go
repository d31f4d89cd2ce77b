// Package risk implements the circuit-breaker predicates and
// daily-reset procedure. Everything here is a pure function of
// state.State/state.Config; persistence is the caller's job.
package risk

import (
	"time"

	"perpengine/internal/state"

	"github.com/shopspring/decimal"
)

// BreakerResult is the outcome of evaluating the circuit breaker.
type BreakerResult struct {
	Tripped bool
	Reason  string
}

// CheckCircuitBreaker trips on daily-loss percentage or loss-streak count.
func CheckCircuitBreaker(dailyPnL decimal.Decimal, consecutiveLosses int, equity decimal.Decimal, cfg state.RiskConfig) BreakerResult {
	if dailyPnL.IsNegative() && !equity.IsZero() {
		lossPct := dailyPnL.Abs().Div(equity).Mul(decimal.NewFromInt(100))
		if lossPct.GreaterThanOrEqual(decimal.NewFromFloat(cfg.CircuitBreaker.DailyLossThresholdPct)) {
			return BreakerResult{Tripped: true, Reason: "daily loss threshold exceeded"}
		}
	}
	if consecutiveLosses >= cfg.CircuitBreaker.ConsecutiveLossesThreshold {
		return BreakerResult{Tripped: true, Reason: "consecutive loss threshold exceeded"}
	}
	return BreakerResult{}
}

// ShouldForceLiquidate is true during [forceLiquidateTime, end-of-hour)
// local time.
func ShouldForceLiquidate(now time.Time, loc *time.Location, cfg state.ForceLiquidateTime) bool {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), cfg.Hour, cfg.Minute, 0, 0, loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), cfg.Hour, 59, 59, int(time.Second-time.Nanosecond), loc)
	return !local.Before(start) && !local.After(end)
}

// ShouldResetDailyState is true once per local calendar day.
func ShouldResetDailyState(lastResetDate string, now time.Time, loc *time.Location) bool {
	return now.In(loc).Format("2006-01-02") != lastResetDate
}

// CheckDailyTradeLimit reports whether another trade may be opened today.
func CheckDailyTradeLimit(todayTrades int, cfg state.RiskConfig) bool {
	return todayTrades < cfg.DailyTradeLimit
}

// CooldownElapsed reports whether tradeCooldownInterval has passed since
// lastTradeTime (both in Unix milliseconds).
func CooldownElapsed(lastTradeTimeMs int64, cooldownSeconds int, nowMs int64) bool {
	if lastTradeTimeMs == 0 {
		return true
	}
	return nowMs-lastTradeTimeMs >= int64(cooldownSeconds)*1000
}

// DailyReset zeroes the daily counters and clears the circuit breaker.
// It is idempotent: calling it twice on the same local day after the
// first call already set lastResetDate is a no-op (P4), because the
// caller only invokes it when ShouldResetDailyState is true.
//
// wasHaltedByDailyLimits distinguishes a risk-controller halt from an
// operator-requested stop: only a tripped breaker or a day that hit
// the trade cap resumes running on its own. An operator who called
// POST /bot/stop after a single well-behaved trade stays stopped.
func DailyReset(s *state.State, now time.Time, loc *time.Location, cfg state.RiskConfig) {
	wasHaltedByDailyLimits := !s.IsRunning && (s.CircuitBreaker.IsTriggered || !CheckDailyTradeLimit(s.TodayTrades, cfg))

	s.TodayTrades = 0
	s.DailyPnL = decimal.Zero
	s.CircuitBreaker = state.CircuitBreakerState{DailyLoss: decimal.Zero}
	s.LastResetDate = now.In(loc).Format("2006-01-02")
	s.AllowNewTrades = true

	if wasHaltedByDailyLimits {
		s.IsRunning = true
		s.Status = state.StatusMonitoring
	}
}

// AllowNewTrades recomputes the allowNewTrades latch (invariant 5).
func AllowNewTrades(todayTrades int, cooldownElapsed bool, breakerTripped bool, cfg state.RiskConfig) bool {
	if breakerTripped {
		return false
	}
	if !CheckDailyTradeLimit(todayTrades, cfg) {
		return false
	}
	return cooldownElapsed
}
