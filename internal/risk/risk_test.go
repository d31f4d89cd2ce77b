package risk

import (
	"testing"
	"time"

	"perpengine/internal/state"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCheckCircuitBreakerDailyLoss(t *testing.T) {
	cfg := state.RiskConfig{CircuitBreaker: state.CircuitBreakerConfig{DailyLossThresholdPct: 5, ConsecutiveLossesThreshold: 3}}

	r := CheckCircuitBreaker(decimal.NewFromInt(-60), 0, decimal.NewFromInt(1000), cfg)
	assert.True(t, r.Tripped)

	r = CheckCircuitBreaker(decimal.NewFromInt(-10), 0, decimal.NewFromInt(1000), cfg)
	assert.False(t, r.Tripped)
}

func TestCheckCircuitBreakerConsecutiveLosses(t *testing.T) {
	cfg := state.RiskConfig{CircuitBreaker: state.CircuitBreakerConfig{DailyLossThresholdPct: 5, ConsecutiveLossesThreshold: 3}}

	r := CheckCircuitBreaker(decimal.Zero, 3, decimal.NewFromInt(1000), cfg)
	assert.True(t, r.Tripped)

	r = CheckCircuitBreaker(decimal.Zero, 2, decimal.NewFromInt(1000), cfg)
	assert.False(t, r.Tripped)
}

func TestShouldForceLiquidateWindow(t *testing.T) {
	loc := time.UTC
	cfg := state.ForceLiquidateTime{Hour: 23, Minute: 45}

	inWindow := time.Date(2026, 7, 31, 23, 50, 0, 0, loc)
	assert.True(t, ShouldForceLiquidate(inWindow, loc, cfg))

	outOfWindow := time.Date(2026, 7, 31, 12, 0, 0, 0, loc)
	assert.False(t, ShouldForceLiquidate(outOfWindow, loc, cfg))
}

func TestCooldownElapsed(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 10, 0, time.UTC).UnixMilli()
	last := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC).UnixMilli()

	assert.False(t, CooldownElapsed(last, 30, now))
	assert.True(t, CooldownElapsed(last, 5, now))
	assert.True(t, CooldownElapsed(0, 300, now))
}

func TestDailyResetIsIdempotentOnSameDay(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 31, 1, 0, 0, 0, loc)

	cfg := state.RiskConfig{DailyTradeLimit: 5}

	s := &state.State{
		TodayTrades:    3,
		DailyPnL:       decimal.NewFromInt(-50),
		LastResetDate:  "2026-07-30",
		IsRunning:      false,
		CircuitBreaker: state.CircuitBreakerState{IsTriggered: true, Reason: "daily loss"},
	}

	assert.True(t, ShouldResetDailyState(s.LastResetDate, now, loc))
	DailyReset(s, now, loc, cfg)

	assert.Equal(t, 0, s.TodayTrades)
	assert.True(t, s.DailyPnL.IsZero())
	assert.False(t, s.CircuitBreaker.IsTriggered)
	assert.Equal(t, "2026-07-31", s.LastResetDate)
	assert.True(t, s.IsRunning)

	// Second call on the same day is a no-op per P4: caller should not
	// invoke DailyReset again because ShouldResetDailyState is now false.
	assert.False(t, ShouldResetDailyState(s.LastResetDate, now, loc))
}

func TestDailyResetStaysStoppedAfterOperatorStopUnderTradeCap(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 31, 1, 0, 0, 0, loc)
	cfg := state.RiskConfig{DailyTradeLimit: 5}

	s := &state.State{
		TodayTrades:   1,
		LastResetDate: "2026-07-30",
		IsRunning:     false,
	}

	DailyReset(s, now, loc, cfg)

	assert.False(t, s.IsRunning, "operator-requested stop under the trade cap must not be resumed by the daily reset")
}

func TestAllowNewTradesLatch(t *testing.T) {
	cfg := state.RiskConfig{DailyTradeLimit: 5}

	assert.True(t, AllowNewTrades(2, true, false, cfg))
	assert.False(t, AllowNewTrades(5, true, false, cfg))
	assert.False(t, AllowNewTrades(2, false, false, cfg))
	assert.False(t, AllowNewTrades(2, true, true, cfg))
}
