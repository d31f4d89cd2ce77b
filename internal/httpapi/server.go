// Package httpapi exposes the engine's operator control/reporting
// surface: status, start, stop, config patch, and paginated trade
// history, all as plain JSON request/response endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"perpengine/internal/exchange/bitunix"
	"perpengine/internal/risk"
	"perpengine/internal/scheduler"
	"perpengine/internal/state"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// BalanceSource is the optional account-balance lookup for GET
// /bot/status. A nil BalanceSource degrades the response to an empty
// balances field rather than failing the request.
type BalanceSource interface {
	FetchBalance() (bitunix.Balance, error)
}

// Response is the envelope every handler returns. Non-success never
// throws at the transport layer - it is always a 200 with
// success=false and a message.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Server is the engine's HTTP control surface.
type Server struct {
	store     *state.Store
	scheduler *scheduler.Scheduler
	balances  BalanceSource
	logs      *LogRingBuffer

	httpServer *http.Server
}

// NewServer builds a Server bound to addr (e.g. ":8080"). balances may
// be nil; logs may be nil (an empty logs[] is then always returned).
func NewServer(store *state.Store, sched *scheduler.Scheduler, balances BalanceSource, logs *LogRingBuffer, addr string) *Server {
	s := &Server{store: store, scheduler: sched, balances: balances, logs: logs}

	router := mux.NewRouter()
	router.HandleFunc("/bot/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/bot/start", s.handleStart).Methods(http.MethodPost)
	router.HandleFunc("/bot/stop", s.handleStop).Methods(http.MethodPost)
	router.HandleFunc("/bot/config", s.handlePatchConfig).Methods(http.MethodPatch)
	router.HandleFunc("/bot/history", s.handleHistory).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in the background. Errors other than a clean
// shutdown are logged, matching the engine's never-exit-on-a-handler-
// error policy (spec.md §6.4: only unrecoverable startup errors exit).
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("httpapi: server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts the server down, waiting up to 10s for
// in-flight requests to finish.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func writeJSONResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("httpapi: encode response failed")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.store.State()
	cfg := s.store.Config()

	var logLines []string
	if s.logs != nil {
		logLines = s.logs.Recent(50)
	} else {
		logLines = []string{}
	}

	data := map[string]interface{}{
		"state":  st,
		"config": cfg,
		"logs":   logLines,
	}
	if s.balances != nil {
		if bal, err := s.balances.FetchBalance(); err == nil {
			data["balances"] = bal
		} else {
			log.Warn().Err(err).Msg("httpapi: fetch balance for status failed, omitting")
		}
	}

	writeJSONResponse(w, http.StatusOK, Response{Success: true, Data: data})
}

// handleStart initializes the engine if not initialized, clears the
// circuit breaker, and starts the scheduler. Idempotent.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.store.UpdateState(func(st *state.State) {
		st.CircuitBreaker = state.CircuitBreakerState{}
		st.AllowNewTrades = true
		if st.CurrentPosition == nil {
			st.Status = state.StatusMonitoring
		}
	}); err != nil {
		writeJSONResponse(w, http.StatusOK, Response{Success: false, Message: err.Error()})
		return
	}

	s.scheduler.Start()
	writeJSONResponse(w, http.StatusOK, Response{Success: true, Data: s.store.State()})
}

// handleStop stops the scheduler without closing any open position.
// Idempotent.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Stop()
	writeJSONResponse(w, http.StatusOK, Response{Success: true, Data: s.store.State()})
}

// handlePatchConfig deep-merges the request body into the persisted
// config, re-evaluates allowNewTrades, persists, and returns the full
// effective config.
func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSONResponse(w, http.StatusOK, Response{Success: false, Message: "invalid JSON body: " + err.Error()})
		return
	}

	current := s.store.Config()
	currentJSON, err := json.Marshal(current)
	if err != nil {
		writeJSONResponse(w, http.StatusOK, Response{Success: false, Message: err.Error()})
		return
	}
	var currentMap map[string]interface{}
	if err := json.Unmarshal(currentJSON, &currentMap); err != nil {
		writeJSONResponse(w, http.StatusOK, Response{Success: false, Message: err.Error()})
		return
	}

	merged := deepMerge(currentMap, patch)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		writeJSONResponse(w, http.StatusOK, Response{Success: false, Message: err.Error()})
		return
	}

	var newCfg state.Config
	if err := json.Unmarshal(mergedJSON, &newCfg); err != nil {
		writeJSONResponse(w, http.StatusOK, Response{Success: false, Message: "merged config did not decode: " + err.Error()})
		return
	}
	if err := newCfg.Validate(); err != nil {
		writeJSONResponse(w, http.StatusOK, Response{Success: false, Message: err.Error()})
		return
	}

	effective, err := s.store.UpdateConfig(func(c *state.Config) { *c = newCfg })
	if err != nil {
		writeJSONResponse(w, http.StatusOK, Response{Success: false, Message: err.Error()})
		return
	}

	st := s.store.State()
	cooldownElapsed := risk.CooldownElapsed(st.LastTradeTime, effective.TradeCooldownIntervalSeconds, time.Now().UnixMilli())
	if err := s.store.UpdateState(func(st2 *state.State) {
		st2.AllowNewTrades = risk.AllowNewTrades(st2.TodayTrades, cooldownElapsed, st2.CircuitBreaker.IsTriggered, effective.RiskConfig)
	}); err != nil {
		log.Warn().Err(err).Msg("httpapi: re-evaluate allowNewTrades after config patch failed")
	}

	writeJSONResponse(w, http.StatusOK, Response{Success: true, Data: effective})
}

// handleHistory returns a page of closed trades, newest first, with
// aggregate stats computed over the full history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 20)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	rows, total := s.store.History(page, pageSize)
	st := s.store.State()

	data := map[string]interface{}{
		"rows":        rows,
		"page":        page,
		"pageSize":    pageSize,
		"total":       total,
		"totalTrades": st.TotalTrades,
		"totalPnL":    st.TotalPnL,
		"winRate":     st.WinRate,
	}
	writeJSONResponse(w, http.StatusOK, Response{Success: true, Data: data})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// deepMerge merges patch into base, recursing into nested objects and
// replacing (never merging) arrays and scalars. base is not mutated.
func deepMerge(base, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		bv, exists := out[k]
		if exists {
			bvMap, bOK := bv.(map[string]interface{})
			pvMap, pOK := pv.(map[string]interface{})
			if bOK && pOK {
				out[k] = deepMerge(bvMap, pvMap)
				continue
			}
		}
		out[k] = pv
	}
	return out
}
