package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"binance-signal-engine/internal/clock"
	"binance-signal-engine/internal/logging"
)

const (
	// FuturesBaseURL is the USD-M futures REST endpoint
	FuturesBaseURL = "https://fapi.binance.com"

	defaultRequestTimeout = 10 * time.Second
)

// RetryPolicy bounds the gateway's exponential backoff
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultRetryPolicy retries RateLimited and Transient errors three times in total, 1s base, 30s cap
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialInterval: time.Second, MaxInterval: 30 * time.Second, MaxAttempts: 3}
}

// Config holds the REST client settings
type Config struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	Timeout   time.Duration
}

// Client is the rate-limited REST gateway for perpetual futures market data
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *RateLimiter
	retry      RetryPolicy
	clock      clock.Clock
	logger     *logging.Logger
	obs        Observer
}

// Option customizes a Client
type Option func(*Client)

// WithRetryPolicy overrides the default retry policy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithObserver attaches request telemetry
func WithObserver(obs Observer) Option {
	return func(c *Client) {
		if obs != nil {
			c.obs = obs
		}
	}
}

// NewClient creates a futures market data client sharing limiter with every other caller
func NewClient(cfg Config, limiter *RateLimiter, clk clock.Clock, logger *logging.Logger, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = FuturesBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		retry:      DefaultRetryPolicy(),
		clock:      clk,
		logger:     logger.WithComponent("binance"),
		obs:        noopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Klines retrieves candlestick data, oldest first
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(resp, &rawKlines); err != nil {
		return nil, &APIError{Kind: ErrTransient, Endpoint: "/fapi/v1/klines", Msg: "error parsing klines: " + err.Error()}
	}

	klines := make([]Kline, 0, len(rawKlines))
	for _, raw := range rawKlines {
		if len(raw) < 11 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:                 parseInt(raw[0]),
			Open:                     parseFloat(raw[1]),
			High:                     parseFloat(raw[2]),
			Low:                      parseFloat(raw[3]),
			Close:                    parseFloat(raw[4]),
			Volume:                   parseFloat(raw[5]),
			CloseTime:                parseInt(raw[6]),
			QuoteAssetVolume:         parseFloat(raw[7]),
			NumberOfTrades:           int(parseInt(raw[8])),
			TakerBuyBaseAssetVolume:  parseFloat(raw[9]),
			TakerBuyQuoteAssetVolume: parseFloat(raw[10]),
		})
	}
	sort.Slice(klines, func(i, j int) bool { return klines[i].OpenTime < klines[j].OpenTime })

	return klines, nil
}

// Ticker retrieves 24 hour statistics for a symbol
func (c *Client) Ticker(ctx context.Context, symbol string) (*Ticker24hr, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/ticker/24hr", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching 24hr ticker: %w", err)
	}

	var ticker Ticker24hr
	if err := json.Unmarshal(resp, &ticker); err != nil {
		return nil, &APIError{Kind: ErrTransient, Endpoint: "/fapi/v1/ticker/24hr", Msg: "error parsing 24hr ticker: " + err.Error()}
	}
	return &ticker, nil
}

// AllTickers retrieves 24 hour statistics for every symbol
func (c *Client) AllTickers(ctx context.Context) ([]Ticker24hr, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/ticker/24hr", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching 24hr tickers: %w", err)
	}

	var tickers []Ticker24hr
	if err := json.Unmarshal(resp, &tickers); err != nil {
		return nil, &APIError{Kind: ErrTransient, Endpoint: "/fapi/v1/ticker/24hr", Msg: "error parsing 24hr tickers: " + err.Error()}
	}
	return tickers, nil
}

// ExchangeInfo retrieves contract metadata
func (c *Client) ExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}

	var info ExchangeInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, &APIError{Kind: ErrTransient, Endpoint: "/fapi/v1/exchangeInfo", Msg: "error parsing exchange info: " + err.Error()}
	}
	return &info, nil
}

// TopPairs returns the n tradable USDT perpetuals with the highest 24h quote volume
func (c *Client) TopPairs(ctx context.Context, n int) ([]string, error) {
	info, err := c.ExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}
	tickers, err := c.AllTickers(ctx)
	if err != nil {
		return nil, err
	}
	return RankByQuoteVolume(info, tickers, n), nil
}

// RankByQuoteVolume keeps tradable symbols and orders them by quote volume, descending
func RankByQuoteVolume(info *ExchangeInfo, tickers []Ticker24hr, n int) []string {
	tradable := make(map[string]bool, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Tradable() {
			tradable[s.Symbol] = true
		}
	}

	ranked := make([]Ticker24hr, 0, len(tickers))
	for _, t := range tickers {
		if tradable[t.Symbol] {
			ranked = append(ranked, t)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].QuoteVolume == ranked[j].QuoteVolume {
			return ranked[i].Symbol < ranked[j].Symbol
		}
		return ranked[i].QuoteVolume > ranked[j].QuoteVolume
	})

	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	symbols := make([]string, len(ranked))
	for i, t := range ranked {
		symbols[i] = t.Symbol
	}
	return symbols
}

// publicGet issues an unsigned GET through the rate limiter, retrying
// RateLimited and Transient failures with exponential backoff.
func (c *Client) publicGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	reqURL := c.baseURL + endpoint
	if len(values) > 0 {
		reqURL += "?" + values.Encode()
	}
	weight := endpointWeight(endpoint, params)
	log := logging.BinanceAPIContext(c.logger, endpoint, params)

	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		body, err := c.doGet(ctx, endpoint, reqURL, weight)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	notify := func(err error, delay time.Duration) {
		log.Warn("Public GET failed, retrying", "attempt", attempt, "max_attempts", c.retry.MaxAttempts, "error", err, "delay", delay)
	}

	return backoff.RetryNotifyWithData(operation, c.backoffPolicy(ctx), notify)
}

func (c *Client) backoffPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialInterval
	bo.MaxInterval = c.retry.MaxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0
	bo.Reset()

	retries := c.retry.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)
}

func (c *Client) doGet(ctx context.Context, endpoint, reqURL string, weight int) ([]byte, error) {
	if err := c.limiter.Wait(ctx, endpoint, weight); err != nil {
		c.obs.ObserveRequest(endpoint, "throttled", 0)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &APIError{Kind: ErrFatal, Endpoint: endpoint, Msg: err.Error()}
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.obs.ObserveRequest(endpoint, "network_error", c.clock.Now().Sub(start))
		return nil, &APIError{Kind: ErrTransient, Endpoint: endpoint, Msg: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.obs.ObserveRequest(endpoint, "network_error", c.clock.Now().Sub(start))
		return nil, &APIError{Kind: ErrTransient, Endpoint: endpoint, Msg: err.Error()}
	}

	if usedWeight := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); usedWeight != "" {
		if w, err := strconv.Atoi(usedWeight); err == nil {
			c.limiter.UpdateFromHeaders(w)
		}
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := classifyResponse(endpoint, resp.StatusCode, body)
		if errors.Is(apiErr, ErrRateLimited) {
			c.limiter.RecordRateLimitError(ParseBanUntilFromError(apiErr.Msg, c.clock.Now()))
		}
		c.obs.ObserveRequest(endpoint, outcomeLabel(apiErr), c.clock.Now().Sub(start))
		return nil, apiErr
	}

	c.limiter.RecordSuccess()
	c.obs.ObserveRequest(endpoint, "ok", c.clock.Now().Sub(start))
	return body, nil
}

func outcomeLabel(err *APIError) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "fatal"
	}
}

func parseFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	}
	return 0
}

func parseInt(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		i, _ := strconv.ParseInt(t, 10, 64)
		return i
	}
	return 0
}
