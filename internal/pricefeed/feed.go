package pricefeed

import (
	"context"
	"sync"
	"time"

	"perpengine/internal/exchange/bitunix"

	"github.com/rs/zerolog/log"
)

// Feed is the PriceStreamAdapter: a WebSocket-fed last-price cache.
// It never blocks a caller on network I/O - CachedPrice always reads
// from memory, and Connect runs the stream in the background.
type Feed struct {
	ws *bitunix.WS

	mu     sync.RWMutex
	prices map[string]priceSample

	cancel context.CancelFunc
}

type priceSample struct {
	price float64
	at    time.Time
}

// NewFeed builds a Feed against the given WebSocket URL.
func NewFeed(wsURL string) *Feed {
	return &Feed{
		ws:     bitunix.NewWS(wsURL),
		prices: make(map[string]priceSample),
	}
}

// Connect subscribes to symbols and updates the last-price cache from
// both trade prints and depth mid-price until ctx is canceled.
func (f *Feed) Connect(ctx context.Context, symbols []string, ping time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	trades := make(chan bitunix.Trade, 1000)
	depths := make(chan bitunix.Depth, 1000)
	errs := make(chan error, 1000)

	go func() {
		if err := f.ws.Stream(ctx, symbols, trades, depths, errs, ping); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("pricefeed: stream terminated")
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-trades:
				f.set(t.Symbol, t.Price)
			case d := <-depths:
				f.set(d.Symbol, d.LastPrice)
			case err := <-errs:
				log.Debug().Err(err).Msg("pricefeed: stream error")
			}
		}
	}()
}

// Disconnect stops the background stream.
func (f *Feed) Disconnect() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Feed) set(symbol string, price float64) {
	if symbol == "" || price <= 0 {
		return
	}
	f.mu.Lock()
	f.prices[symbol] = priceSample{price: price, at: time.Now()}
	f.mu.Unlock()
}

// CachedPrice returns the last known price for symbol and whether any
// price has been observed yet.
func (f *Feed) CachedPrice(symbol string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sample, ok := f.prices[symbol]
	return sample.price, ok
}

// Stale reports whether symbol's last price is older than maxAge,
// used to decide whether a scan cycle should skip a symbol rather than
// act on outdated data.
func (f *Feed) Stale(symbol string, maxAge time.Duration) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sample, ok := f.prices[symbol]
	if !ok {
		return true
	}
	return time.Since(sample.at) > maxAge
}
