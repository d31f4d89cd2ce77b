package advisory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Client is the AdvisoryAdapter: a rate-limited HTTP client to a
// remote scoring endpoint, backed by a per-(symbol, time-bucket) cache
// and a local heuristic used when no endpoint is configured. Analyze
// never returns an error - a failed, timed-out, or malformed remote
// call degrades to the IDLE sentinel, because an unavailable advisory
// must never stop a scan cycle.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	baseURL string

	cacheDuration time.Duration
	mu            sync.Mutex
	cache         map[string]cacheEntry

	fallback *localHeuristic
}

type cacheEntry struct {
	analysis  Analysis
	expiresAt time.Time
}

// New builds a Client. baseURL == "" disables the remote call entirely
// and every Analyze goes through the local heuristic.
func New(baseURL, apiKey string, timeout time.Duration, cacheDuration time.Duration) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		http.SetHeader("Authorization", "Bearer "+apiKey)
	}
	if cacheDuration <= 0 {
		cacheDuration = 10 * time.Minute
	}
	return &Client{
		http:          http,
		limiter:       rate.NewLimiter(rate.Every(time.Second), 2),
		baseURL:       baseURL,
		cacheDuration: cacheDuration,
		cache:         make(map[string]cacheEntry),
		fallback:      newLocalHeuristic(0.1),
	}
}

// Analyze returns a cached, freshly-fetched, or fallback Analysis for
// snap. It never errors.
func (c *Client) Analyze(ctx context.Context, snap MarketSnapshot) Analysis {
	now := time.Now()

	if c.baseURL == "" {
		return c.fallback.Predict(snap)
	}

	key := c.cacheKey(snap.Symbol, now)
	if cached, ok := c.cached(key, now); ok {
		return cached
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return IdleSentinel()
	}

	analysis, malformed, err := c.fetch(ctx, snap)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("advisory: remote call failed, returning idle sentinel")
		return IdleSentinel()
	case malformed:
		log.Warn().Str("symbol", snap.Symbol).Msg("advisory: malformed response, returning idle sentinel")
		return IdleSentinel()
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{analysis: analysis, expiresAt: now.Add(c.cacheDuration)}
	c.mu.Unlock()
	return analysis
}

func (c *Client) cacheKey(symbol string, now time.Time) string {
	bucket := now.Unix() / int64(c.cacheDuration.Seconds())
	return fmt.Sprintf("%s:%d", symbol, bucket)
}

func (c *Client) cached(key string, now time.Time) (Analysis, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || now.After(entry.expiresAt) {
		return Analysis{}, false
	}
	return entry.analysis, true
}

type analyzeRequest struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	EMA20     float64 `json:"ema20"`
	EMA30     float64 `json:"ema30"`
	EMA60     float64 `json:"ema60"`
	RSI14     float64 `json:"rsi14"`
	ATR14     float64 `json:"atr14"`
	ADX15m    float64 `json:"adx15m"`
	ADX1h     float64 `json:"adx1h"`
	ADX4h     float64 `json:"adx4h"`
	Direction string  `json:"direction"`
}

// fetch posts snap to /v1/analyze and decodes the response. malformed
// is true when the response parses but carries a direction/riskLevel
// outside the closed vocabulary - in that case the caller should not
// trust any of it.
func (c *Client) fetch(ctx context.Context, snap MarketSnapshot) (analysis Analysis, malformed bool, err error) {
	var body Analysis
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(analyzeRequest{
			Symbol: snap.Symbol, Price: snap.Price,
			EMA20: snap.EMA20, EMA30: snap.EMA30, EMA60: snap.EMA60,
			RSI14: snap.RSI14, ATR14: snap.ATR14,
			ADX15m: snap.ADX15m, ADX1h: snap.ADX1h, ADX4h: snap.ADX4h,
			Direction: string(snap.Direction),
		}).
		SetResult(&body).
		Post("/v1/analyze")
	if err != nil {
		return Analysis{}, false, fmt.Errorf("advisory: request: %w", err)
	}
	if resp.IsError() {
		return Analysis{}, false, fmt.Errorf("advisory: remote returned %s", resp.Status())
	}

	switch body.Direction {
	case "LONG", "SHORT", "IDLE":
	default:
		return Analysis{}, true, nil
	}
	switch body.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return Analysis{}, true, nil
	}
	if body.Confidence < 0 || body.Confidence > 100 {
		return Analysis{}, true, nil
	}
	return body, false, nil
}
