// Package scheduler implements the engine's single-threaded cooperative
// tick loop: it alternates between monitoring an open position and
// scanning for a new opportunity, running the daily reset, circuit
// breaker, and forced-liquidation checks ahead of both, per tick.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"perpengine/internal/lifecycle"
	"perpengine/internal/metrics"
	"perpengine/internal/risk"
	"perpengine/internal/state"
	"perpengine/internal/strategy"

	"github.com/rs/zerolog/log"
)

// PriceSource is the last-traded-price cache the scheduler reads from
// when it needs a price outside the monitor/evaluator paths (the
// forced-liquidation close).
type PriceSource interface {
	CachedPrice(symbol string) (float64, bool)
}

// Scheduler drives the engine's tick loop. Exactly one tick runs at a
// time (the isScanning latch); config patches and start/stop requests
// from the HTTP surface take effect only at tick boundaries.
type Scheduler struct {
	store      *state.Store
	lifecycle  *lifecycle.Manager
	evaluator  *strategy.Evaluator
	prices     PriceSource
	metrics    *metrics.MetricsWrapper
	loc        *time.Location

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	isScanning int32
}

// New builds a Scheduler. metrics may be nil (scan-duration/signal
// counters are simply skipped).
func New(store *state.Store, lc *lifecycle.Manager, evaluator *strategy.Evaluator, prices PriceSource, mw *metrics.MetricsWrapper) (*Scheduler, error) {
	cfg := store.Config()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		store:     store,
		lifecycle: lc,
		evaluator: evaluator,
		prices:    prices,
		metrics:   mw,
		loc:       loc,
	}, nil
}

// Start begins the tick loop. Idempotent: calling it while already
// running is a no-op. It resets the circuit breaker's halt only if the
// breaker itself has not tripped (clearing a stale HALTED from a prior
// stop/start cycle, never one the risk controller is still enforcing).
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	if err := s.store.UpdateState(func(st *state.State) {
		st.IsRunning = true
		if !st.CircuitBreaker.IsTriggered && st.CurrentPosition == nil && st.Status != state.StatusPosition {
			st.Status = state.StatusMonitoring
		}
	}); err != nil {
		log.Warn().Err(err).Msg("scheduler: persist start failed")
	}

	go s.loop(s.stopCh, s.done)
}

// Stop halts the tick loop, waiting for any in-flight tick to finish
// before returning. It does not close open positions. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	close(stopCh)
	<-done

	if err := s.store.UpdateState(func(st *state.State) {
		st.IsRunning = false
	}); err != nil {
		log.Warn().Err(err).Msg("scheduler: persist stop failed")
	}
}

// IsRunning reports whether the tick loop is currently started.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(stopCh, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stopCh:
			return
		case <-time.After(s.nextInterval()):
		}
		select {
		case <-stopCh:
			return
		default:
			s.tick()
		}
	}
}

// nextInterval re-reads config/state on every firing so an applied
// config patch or a just-opened position changes cadence starting
// with the very next wait, never mid-tick.
func (s *Scheduler) nextInterval() time.Duration {
	cfg := s.store.Config()
	st := s.store.State()
	if st.CurrentPosition != nil {
		return time.Duration(cfg.PositionScanIntervalSeconds) * time.Second
	}
	return time.Duration(cfg.ScanIntervalSeconds) * time.Second
}

// tick runs the ordered check-and-act sequence for a single firing. A
// firing that arrives while the previous tick is still running (the
// adapter was slow) is dropped rather than queued.
func (s *Scheduler) tick() {
	if !atomic.CompareAndSwapInt32(&s.isScanning, 0, 1) {
		log.Warn().Msg("scheduler: tick skipped, previous tick still running")
		return
	}
	defer atomic.StoreInt32(&s.isScanning, 0)

	start := time.Now()
	if s.metrics != nil {
		defer func() {
			s.metrics.ScanDuration().Observe(time.Since(start).Seconds())
		}()
	}

	now := time.Now()
	cfg := s.store.Config()
	st := s.store.State()

	if risk.ShouldResetDailyState(st.LastResetDate, now, s.loc) {
		if err := s.store.UpdateState(func(st2 *state.State) {
			risk.DailyReset(st2, now, s.loc, cfg.RiskConfig)
		}); err != nil {
			log.Warn().Err(err).Msg("scheduler: daily reset persist failed")
			return
		}
		st = s.store.State()
	}

	if st.CircuitBreaker.IsTriggered {
		if err := s.store.UpdateState(func(st2 *state.State) {
			st2.Status = state.StatusHalted
			st2.IsRunning = false
		}); err != nil {
			log.Warn().Err(err).Msg("scheduler: persist halted status failed")
		}
		return
	}

	if st.CurrentPosition != nil && risk.ShouldForceLiquidate(now, s.loc, cfg.RiskConfig.ForceLiquidateTime) {
		price, ok := s.prices.CachedPrice(st.CurrentPosition.Symbol)
		if !ok || price <= 0 {
			price = st.CurrentPosition.EntryPrice.InexactFloat64()
		}
		if err := s.lifecycle.ClosePosition(state.ReasonForcedClose, price); err != nil {
			log.Warn().Err(err).Str("symbol", st.CurrentPosition.Symbol).Msg("scheduler: forced close failed")
		}
		return
	}

	if st.CurrentPosition != nil {
		s.monitor(cfg, st)
		return
	}

	if st.AllowNewTrades && risk.CooldownElapsed(st.LastTradeTime, cfg.TradeCooldownIntervalSeconds, now.UnixMilli()) {
		s.scan(cfg)
		return
	}

	log.Debug().Bool("allowNewTrades", st.AllowNewTrades).Msg("scheduler: skipped, cooldown active or trading disallowed")
}

func (s *Scheduler) monitor(cfg state.Config, st state.State) {
	snap, ok := s.evaluator.LastIndicators(st.CurrentPosition.Symbol)
	if !ok {
		snap = strategy.IndicatorSnapshot{}
	}
	if err := s.lifecycle.MonitorPosition(cfg, snap); err != nil {
		log.Warn().Err(err).Str("symbol", st.CurrentPosition.Symbol).Msg("scheduler: monitor tick failed")
	}
}

func (s *Scheduler) scan(cfg state.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, symbol := range cfg.Symbols {
		if s.store.State().CurrentPosition != nil {
			return
		}
		sig, rej := s.evaluator.Evaluate(ctx, symbol, cfg)
		if rej != nil {
			if s.metrics != nil {
				s.metrics.SignalsRejectedInc()
			}
			log.Debug().Str("symbol", symbol).Str("reason", string(rej.Reason)).Str("detail", rej.Detail).
				Msg("scheduler: scan rejected symbol")
			continue
		}
		if s.metrics != nil {
			s.metrics.SignalsEvaluatedInc()
		}
		if err := s.lifecycle.OpenPosition(sig, cfg); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("scheduler: open position failed")
			continue
		}
		if s.metrics != nil {
			s.metrics.OrdersTotal().Inc()
		}
		return
	}
}
