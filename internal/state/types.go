// Package state defines the engine's persisted data model (Config,
// State, Position, TradeHistory) and a crash-safe JSON store for it,
// per the three-file layout (config.json, state.json, history.json).
package state

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the scheduler/lifecycle phase.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusMonitoring Status = "MONITORING"
	StatusOpening    Status = "OPENING"
	StatusPosition   Status = "POSITION"
	StatusClosing    Status = "CLOSING"
	StatusHalted     Status = "HALTED"
)

func (s Status) valid() bool {
	switch s {
	case StatusIdle, StatusMonitoring, StatusOpening, StatusPosition, StatusClosing, StatusHalted:
		return true
	}
	return false
}

// Direction is a position/signal side.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// CloseReason is the closed vocabulary for why a position was closed.
type CloseReason string

const (
	ReasonTP1                 CloseReason = "TP1"
	ReasonTP2                 CloseReason = "TP2"
	ReasonTrailingStopHit     CloseReason = "trailing-stop-hit"
	ReasonStopHitObserved     CloseReason = "stop-hit-observed"
	ReasonTimeout             CloseReason = "timeout"
	ReasonForcedClose         CloseReason = "forced-close"
	ReasonCompensatedUnknown  CloseReason = "compensated-close-unknown"
	ReasonOperatorClose       CloseReason = "operator-close"
)

// RiskMultiplier maps an advisory risk level to a leverage multiplier.
type RiskMultiplier struct {
	Low    float64 `json:"low"`
	Medium float64 `json:"medium"`
	High   float64 `json:"high"`
}

// DynamicLeverage configures confidence-weighted leverage selection.
type DynamicLeverage struct {
	Enabled        bool           `json:"enabled"`
	Min            int            `json:"min"`
	Max            int            `json:"max"`
	Base           int            `json:"base"`
	RiskMultiplier RiskMultiplier `json:"riskMultiplier"`
}

// CircuitBreakerConfig holds the daily-loss and loss-streak thresholds.
type CircuitBreakerConfig struct {
	DailyLossThresholdPct      float64 `json:"dailyLossThresholdPct"`
	ConsecutiveLossesThreshold int     `json:"consecutiveLossesThreshold"`
}

// ForceLiquidateTime is a local-time-of-day the forced-close window begins at.
type ForceLiquidateTime struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// RSIExtreme holds the RSI exhaustion thresholds used by the TP2 check.
type RSIExtreme struct {
	Long  float64 `json:"long"`
	Short float64 `json:"short"`
}

// TakeProfitConfig holds RR targets and the TP2 exhaustion checks.
type TakeProfitConfig struct {
	TP1RR              float64    `json:"tp1RR"`
	TP2RR              float64    `json:"tp2RR"`
	RSIExtreme         RSIExtreme `json:"rsiExtreme"`
	ADXDecreaseThresh  float64    `json:"adxDecreaseThreshold"`
}

// RiskConfig groups the circuit-breaker/forced-liquidate/take-profit policy.
type RiskConfig struct {
	CircuitBreaker      CircuitBreakerConfig `json:"circuitBreaker"`
	ForceLiquidateTime  ForceLiquidateTime   `json:"forceLiquidateTime"`
	TakeProfit          TakeProfitConfig     `json:"takeProfit"`
	DailyTradeLimit     int                  `json:"dailyTradeLimit"`
}

// AIConfig gates whether and how the advisory adapter is consulted.
type AIConfig struct {
	Enabled             bool    `json:"enabled"`
	MinConfidence       float64 `json:"minConfidence"`
	MaxRiskLevel        string  `json:"maxRiskLevel"`
	UseForEntry         bool    `json:"useForEntry"`
	UseForExit          bool    `json:"useForExit"`
	CacheDurationMinutes int    `json:"cacheDurationMinutes"`
}

// TrailingStopConfig configures ATR-based trailing-stop behavior.
type TrailingStopConfig struct {
	Enabled                 bool    `json:"enabled"`
	ActivationRatio         float64 `json:"activationRatio"`
	TrailingDistanceATRMult float64 `json:"trailingDistanceATRMult"`
	UpdateIntervalSeconds   int     `json:"updateIntervalSeconds"`
}

// TimeframeADXConfig holds the per-timeframe ADX thresholds. The
// evaluator's ADX gate reads Threshold1h and Threshold4h only.
type TimeframeADXConfig struct {
	Threshold15m float64 `json:"threshold15m"`
	Threshold1h  float64 `json:"threshold1h"`
	Threshold4h  float64 `json:"threshold4h"`
}

// EntryThresholds holds the direction-specific entry-gate parameters.
type EntryThresholds struct {
	EMADeviationThreshold  float64 `json:"emaDeviationThreshold"`
	RSIMin                 float64 `json:"rsiMin"`
	RSIMax                 float64 `json:"rsiMax"`
	CandleShadowThreshold  float64 `json:"candleShadowThreshold"`
	RequireVolumeConfirm   bool    `json:"requireVolumeConfirmation"`
	VolumeEMAPeriod        int     `json:"volumeEMAPeriod"`
	VolumeEMAMultiplier    float64 `json:"volumeEMAMultiplier"`
}

// IndicatorsConfig groups the ADX gate thresholds and entry thresholds.
type IndicatorsConfig struct {
	ADX   TimeframeADXConfig `json:"adx"`
	Long  EntryThresholds    `json:"long"`
	Short EntryThresholds    `json:"short"`
}

// Config is the persisted, operator-patchable trading configuration.
type Config struct {
	Symbols []string `json:"symbols"`

	Leverage        int             `json:"leverage"`
	DynamicLeverage DynamicLeverage `json:"dynamicLeverage"`

	MaxRiskPercentage      float64 `json:"maxRiskPercentage"`
	StopLossATRMultiplier  float64 `json:"stopLossATRMultiplier"`
	MaxStopLossPercentage  float64 `json:"maxStopLossPercentage"`
	PositionTimeoutHours   float64 `json:"positionTimeoutHours"`

	ScanIntervalSeconds         int `json:"scanIntervalSeconds"`
	PositionScanIntervalSeconds int `json:"positionScanIntervalSeconds"`
	TradeCooldownIntervalSeconds int `json:"tradeCooldownIntervalSeconds"`

	RiskConfig       RiskConfig       `json:"riskConfig"`
	AIConfig         AIConfig         `json:"aiConfig"`
	TrailingStop     TrailingStopConfig `json:"trailingStop"`
	IndicatorsConfig IndicatorsConfig `json:"indicatorsConfig"`

	Timezone string `json:"timezone"`
}

// DefaultConfig returns the engine's first-boot defaults.
func DefaultConfig() Config {
	return Config{
		Symbols: []string{"BTC/USDT"},
		Leverage: 10,
		DynamicLeverage: DynamicLeverage{
			Enabled: true, Min: 3, Max: 20, Base: 10,
			RiskMultiplier: RiskMultiplier{Low: 1.2, Medium: 1.0, High: 0.6},
		},
		MaxRiskPercentage:     1.0,
		StopLossATRMultiplier: 1.5,
		MaxStopLossPercentage: 2.0,
		PositionTimeoutHours:  24,

		ScanIntervalSeconds:          30,
		PositionScanIntervalSeconds:  5,
		TradeCooldownIntervalSeconds: 300,

		RiskConfig: RiskConfig{
			CircuitBreaker: CircuitBreakerConfig{DailyLossThresholdPct: 5, ConsecutiveLossesThreshold: 3},
			ForceLiquidateTime: ForceLiquidateTime{Hour: 23, Minute: 45},
			TakeProfit: TakeProfitConfig{
				TP1RR: 1, TP2RR: 2,
				RSIExtreme:        RSIExtreme{Long: 75, Short: 25},
				ADXDecreaseThresh: 10,
			},
			DailyTradeLimit: 10,
		},
		AIConfig: AIConfig{
			Enabled: false, MinConfidence: 60, MaxRiskLevel: "MEDIUM",
			UseForEntry: true, UseForExit: false, CacheDurationMinutes: 10,
		},
		TrailingStop: TrailingStopConfig{
			Enabled: true, ActivationRatio: 1.0, TrailingDistanceATRMult: 1.5, UpdateIntervalSeconds: 30,
		},
		IndicatorsConfig: IndicatorsConfig{
			ADX: TimeframeADXConfig{Threshold15m: 20, Threshold1h: 25, Threshold4h: 25},
			Long: EntryThresholds{
				EMADeviationThreshold: 0.003, RSIMin: 40, RSIMax: 65,
				CandleShadowThreshold: 0.3, VolumeEMAPeriod: 20, VolumeEMAMultiplier: 1.5,
			},
			Short: EntryThresholds{
				EMADeviationThreshold: 0.003, RSIMin: 35, RSIMax: 60,
				CandleShadowThreshold: 0.3, VolumeEMAPeriod: 20, VolumeEMAMultiplier: 1.5,
			},
		},
		Timezone: "UTC",
	}
}

// Validate enforces the basic structural invariants on a Config.
func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol is required")
	}
	if c.Leverage < 1 || c.Leverage > 125 {
		return fmt.Errorf("config: leverage must be between 1 and 125")
	}
	if c.MaxRiskPercentage <= 0 || c.MaxRiskPercentage > 100 {
		return fmt.Errorf("config: maxRiskPercentage must be between 0 and 100")
	}
	if c.RiskConfig.DailyTradeLimit < 1 {
		return fmt.Errorf("config: dailyTradeLimit must be at least 1")
	}
	if c.Timezone == "" {
		return fmt.Errorf("config: timezone is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// StopOrderSnapshot is a descriptive snapshot of the live stop order.
type StopOrderSnapshot struct {
	Side      string          `json:"side"`
	Type      string          `json:"type"`
	Qty       decimal.Decimal `json:"qty"`
	StopPrice decimal.Decimal `json:"stopPrice"`
	Status    string          `json:"status"`
	Timestamp int64           `json:"timestamp"`
}

// Position is the currently-open position, owned by State.
type Position struct {
	Symbol    string          `json:"symbol"`
	Direction Direction       `json:"direction"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Quantity  decimal.Decimal `json:"quantity"`
	Leverage  int             `json:"leverage"`

	StopLoss        decimal.Decimal `json:"stopLoss"`
	InitialStopLoss decimal.Decimal `json:"initialStopLoss"`
	TakeProfit1     decimal.Decimal `json:"takeProfit1"`
	TakeProfit2     decimal.Decimal `json:"takeProfit2"`

	OpenTime        int64             `json:"openTime"`
	OrderID         string            `json:"orderId"`
	StopLossOrderID string            `json:"stopLossOrderId"`
	StopOrder       StopOrderSnapshot `json:"stopOrder"`

	LastStopLossUpdate int64 `json:"lastStopLossUpdate"`
}

// InitialRisk returns |entry - initialStopLoss| * quantity.
func (p Position) InitialRisk() decimal.Decimal {
	return p.EntryPrice.Sub(p.InitialStopLoss).Abs().Mul(p.Quantity)
}

// CircuitBreakerState is the latch tripped by the risk controller.
type CircuitBreakerState struct {
	IsTriggered       bool    `json:"isTriggered"`
	Reason            string  `json:"reason"`
	Timestamp         int64   `json:"timestamp"`
	DailyLoss         decimal.Decimal `json:"dailyLoss"`
	ConsecutiveLosses int     `json:"consecutiveLosses"`
}

// State is the single persisted runtime record.
type State struct {
	Status         Status `json:"status"`
	IsRunning      bool   `json:"isRunning"`
	AllowNewTrades bool   `json:"allowNewTrades"`

	CurrentPosition *Position `json:"currentPosition"`

	CircuitBreaker CircuitBreakerState `json:"circuitBreaker"`

	TodayTrades   int             `json:"todayTrades"`
	DailyPnL      decimal.Decimal `json:"dailyPnL"`
	LastResetDate string          `json:"lastResetDate"`
	LastTradeTime int64           `json:"lastTradeTime"`

	CurrentPrice         decimal.Decimal `json:"currentPrice"`
	CurrentPnL           decimal.Decimal `json:"currentPnL"`
	CurrentPnLPercentage decimal.Decimal `json:"currentPnLPercentage"`

	TotalTrades int             `json:"totalTrades"`
	TotalPnL    decimal.Decimal `json:"totalPnL"`
	WinRate     decimal.Decimal `json:"winRate"`

	Dirty bool `json:"dirty"`
}

// DefaultState returns the engine's first-boot state, using today in tz.
func DefaultState(now time.Time, tz *time.Location) State {
	return State{
		Status:         StatusIdle,
		IsRunning:      false,
		AllowNewTrades: true,
		LastResetDate:  now.In(tz).Format("2006-01-02"),
		DailyPnL:       decimal.Zero,
		TotalPnL:       decimal.Zero,
		WinRate:        decimal.Zero,
	}
}

// Validate enforces invariant 1: currentPosition != nil exactly while a
// position is held or being torn down (POSITION, CLOSING) - never while
// it is still being built (OPENING, before the post-entry confirmation
// that produces it) or once it is gone.
func (s State) Validate() error {
	if !s.Status.valid() {
		return fmt.Errorf("state: invalid status %q", s.Status)
	}
	hasPos := s.CurrentPosition != nil
	requiresPos := s.Status == StatusPosition || s.Status == StatusClosing
	if requiresPos != hasPos {
		return fmt.Errorf("state: status=%s must match currentPosition!=nil (has=%v)", s.Status, hasPos)
	}
	return nil
}

// TradeHistoryRow is one append-only closed-trade record.
type TradeHistoryRow struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	ExitPrice     decimal.Decimal `json:"exitPrice"`
	Quantity      decimal.Decimal `json:"quantity"`
	Leverage      int             `json:"leverage"`
	PnL           decimal.Decimal `json:"pnl"`
	PnLPercentage decimal.Decimal `json:"pnlPercentage"`
	OpenTime      int64           `json:"openTime"`
	CloseTime     int64           `json:"closeTime"`
	Reason        CloseReason     `json:"reason"`
}

// Aggregates is the set of values recomputed from history on boot.
type Aggregates struct {
	TotalTrades int
	TotalPnL    decimal.Decimal
	WinRate     decimal.Decimal
}

// ComputeAggregates is a pure function of the history rows (invariant 6).
func ComputeAggregates(rows []TradeHistoryRow) Aggregates {
	agg := Aggregates{TotalPnL: decimal.Zero, WinRate: decimal.Zero}
	if len(rows) == 0 {
		return agg
	}
	wins := 0
	for _, r := range rows {
		agg.TotalTrades++
		agg.TotalPnL = agg.TotalPnL.Add(r.PnL)
		if r.PnL.IsPositive() {
			wins++
		}
	}
	agg.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(agg.TotalTrades)))
	return agg
}
