package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	configFileName  = "config.json"
	stateFileName   = "state.json"
	historyFileName = "history.json"
)

// Store is the single serialization point for Config, State, and
// TradeHistory. Every mutation goes through a typed setter here, which
// validates invariants before persisting.
type Store struct {
	dir string
	mu  sync.RWMutex

	config  Config
	runtime State
	history []TradeHistoryRow
}

// Open loads (or initializes) the three persisted files under dir.
// Reads are tolerant: malformed JSON falls back to defaults and logs;
// history corruption never prevents boot.
func Open(dir string, tz string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create data dir: %w", err)
	}

	s := &Store{dir: dir}

	cfg := DefaultConfig()
	if tz != "" {
		cfg.Timezone = tz
	}
	if err := loadJSON(filepath.Join(dir, configFileName), &cfg); err != nil {
		log.Warn().Err(err).Msg("state: config.json unreadable, using defaults")
		cfg = DefaultConfig()
	}
	s.config = cfg

	loc, err := time.LoadLocation(s.config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("state: invalid timezone %q: %w", s.config.Timezone, err)
	}

	st := DefaultState(time.Now(), loc)
	if err := loadJSON(filepath.Join(dir, stateFileName), &st); err != nil {
		log.Warn().Err(err).Msg("state: state.json unreadable, using defaults")
		st = DefaultState(time.Now(), loc)
	}

	var rows []TradeHistoryRow
	if err := loadJSON(filepath.Join(dir, historyFileName), &rows); err != nil {
		log.Warn().Err(err).Msg("state: history.json unreadable, starting empty")
		rows = nil
	}
	s.history = rows

	agg := ComputeAggregates(rows)
	st.TotalTrades = agg.TotalTrades
	st.TotalPnL = agg.TotalPnL
	st.WinRate = agg.WinRate
	s.runtime = st

	if err := s.config.Validate(); err != nil {
		return nil, fmt.Errorf("state: default config invalid: %w", err)
	}

	return s, nil
}

// Config returns a copy of the current configuration.
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// State returns a copy of the current runtime state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runtime
}

// History returns history rows newest-first, paginated.
func (s *Store) History(page, pageSize int) ([]TradeHistoryRow, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := make([]TradeHistoryRow, len(s.history))
	copy(sorted, s.history)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CloseTime > sorted[j].CloseTime })

	total := len(sorted)
	if pageSize <= 0 {
		pageSize = 50
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return sorted[start:end], total
}

// UpdateConfig applies a mutation function, validates, and persists.
func (s *Store) UpdateConfig(mutate func(*Config)) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.config
	mutate(&next)
	if err := next.Validate(); err != nil {
		return s.config, err
	}
	if err := writeJSON(filepath.Join(s.dir, configFileName), next); err != nil {
		return s.config, err
	}
	s.config = next
	return s.config, nil
}

// UpdateState applies a mutation function, validates, and persists.
func (s *Store) UpdateState(mutate func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.runtime
	mutate(&next)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("state: rejected mutation: %w", err)
	}
	if err := writeJSON(filepath.Join(s.dir, stateFileName), next); err != nil {
		next.Dirty = true
		s.runtime = next
		return err
	}
	next.Dirty = false
	s.runtime = next
	return nil
}

// AppendHistory appends a new row (invariant 6: append-only, unique id)
// and persists both history and the state carrying the refreshed
// aggregates in the same critical section.
func (s *Store) AppendHistory(row TradeHistoryRow, mutateState func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	rows := append(append([]TradeHistoryRow(nil), s.history...), row)

	if err := writeJSON(filepath.Join(s.dir, historyFileName), rows); err != nil {
		return err
	}
	s.history = rows

	agg := ComputeAggregates(rows)
	next := s.runtime
	next.TotalTrades = agg.TotalTrades
	next.TotalPnL = agg.TotalPnL
	next.WinRate = agg.WinRate
	if mutateState != nil {
		mutateState(&next)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("state: rejected mutation after history append: %w", err)
	}
	if err := writeJSON(filepath.Join(s.dir, stateFileName), next); err != nil {
		next.Dirty = true
		s.runtime = next
		return err
	}
	next.Dirty = false
	s.runtime = next
	return nil
}

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// writeJSON writes v to path atomically: write to a temp file in the
// same directory, then rename over the destination. Rename within one
// filesystem is atomic on POSIX, which is what makes config.json/
// state.json/history.json crash-safe without a database.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("state: create temp file for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: write temp file for %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: sync temp file for %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: close temp file for %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: rename temp file for %s: %w", filepath.Base(path), err)
	}
	return nil
}
