package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"perpengine/internal/advisory"
	"perpengine/internal/cfg"
	"perpengine/internal/common"
	"perpengine/internal/exchange/bitunix"
	"perpengine/internal/httpapi"
	"perpengine/internal/lifecycle"
	"perpengine/internal/metrics"
	"perpengine/internal/pricefeed"
	"perpengine/internal/scheduler"
	"perpengine/internal/state"
	"perpengine/internal/strategy"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	settings, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logs := httpapi.NewLogRingBuffer(50)
	log.Logger = log.Output(zerolog.MultiLevelWriter(os.Stderr, logs))

	store, err := state.Open(settings.DataPath, common.DefaultTimezone)
	if err != nil {
		log.Fatal().Err(err).Msg("state store unwritable, cannot start")
	}
	if len(settings.Symbols) > 0 {
		if _, err := store.UpdateConfig(func(c *state.Config) {
			c.Symbols = settings.Symbols
		}); err != nil {
			log.Warn().Err(err).Msg("main: apply configured symbols failed, keeping persisted config")
		}
	}

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	exchangeClient := bitunix.NewRESTWithOrderTrackingAndMetrics(
		settings.Key, settings.Secret, settings.BaseURL, settings.RESTTimeout,
		30*time.Second, 2*time.Second, 3, m,
	)

	candleStore, err := pricefeed.OpenCandleStore(settings.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("candle cache unwritable, cannot start")
	}
	defer candleStore.Close()
	candleFeed := pricefeed.NewCandleFeed(candleStore, exchangeClient, 2*time.Minute)

	priceFeed := pricefeed.NewFeed(settings.WsURL)
	priceFeed.Connect(ctx, settings.Symbols, settings.Ping)
	defer priceFeed.Disconnect()

	advisoryClient := advisory.New(settings.AdvisoryBaseURL, settings.AdvisoryAPIKey, 5*time.Second, 10*time.Minute)

	evaluator := strategy.NewEvaluator(candleFeed, priceFeed, advisoryClient)
	lc := lifecycle.NewManager(exchangeClient, priceFeed, evaluator, store)

	if err := lc.ReconcileOnStartup(); err != nil {
		log.Warn().Err(err).Msg("main: startup reconciliation failed, continuing with persisted state")
	}

	sched, err := scheduler.New(store, lc, evaluator, priceFeed, mw)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler init failed")
	}

	addr := fmt.Sprintf(":%d", settings.HTTPPort)
	server := httpapi.NewServer(store, sched, exchangeClient, logs, addr)
	server.Start()
	defer server.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", settings.MetricsPort),
			Handler: mux,
		}
		go func() {
			<-ctx.Done()
			metricsServer.Shutdown(context.Background())
		}()
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	if store.State().IsRunning {
		sched.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context cancelled")
	}

	log.Info().Msg("shutting down gracefully")
	sched.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
