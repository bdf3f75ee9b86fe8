package binance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"binance-signal-engine/internal/clock"
)

// CacheTTLs configures CachedClient
type CacheTTLs struct {
	Ticker       time.Duration
	ExchangeInfo time.Duration
}

// DefaultCacheTTLs keeps tickers for 5s and contract metadata for an hour.
// Klines are kept until the forming bar closes, at most one bar period.
func DefaultCacheTTLs() CacheTTLs {
	return CacheTTLs{Ticker: 5 * time.Second, ExchangeInfo: time.Hour}
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// CacheStats tracks cache performance
type CacheStats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Deduplicated int64 `json:"deduplicated"`
}

// CachedClient absorbs bursts in front of a MarketData source.
// Concurrent misses for the same key share one upstream call.
type CachedClient struct {
	inner MarketData
	clock clock.Clock
	ttls  CacheTTLs

	mu      sync.RWMutex
	entries map[string]cacheEntry

	group singleflight.Group

	hits, misses, deduped atomic.Int64
}

// NewCachedClient wraps inner with TTL caches
func NewCachedClient(inner MarketData, clk clock.Clock, ttls CacheTTLs) *CachedClient {
	if ttls.Ticker <= 0 {
		ttls.Ticker = 5 * time.Second
	}
	if ttls.ExchangeInfo <= 0 {
		ttls.ExchangeInfo = time.Hour
	}
	return &CachedClient{
		inner:   inner,
		clock:   clk,
		ttls:    ttls,
		entries: make(map[string]cacheEntry),
	}
}

// Klines returns cached bars until the forming bar closes
func (c *CachedClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	key := fmt.Sprintf("klines:%s:%s:%d", symbol, interval, limit)
	v, err := c.load(key, func() (interface{}, time.Time, error) {
		klines, err := c.inner.Klines(ctx, symbol, interval, limit)
		if err != nil {
			return nil, time.Time{}, err
		}
		return klines, c.klineExpiry(klines, interval), nil
	})
	if err != nil {
		return nil, err
	}
	src := v.([]Kline)
	out := make([]Kline, len(src))
	copy(out, src)
	return out, nil
}

func (c *CachedClient) klineExpiry(klines []Kline, interval string) time.Time {
	now := c.clock.Now()
	period, err := IntervalDuration(interval)
	if err != nil {
		period = time.Minute
	}
	maxExpiry := now.Add(period)
	if len(klines) == 0 {
		return now.Add(c.ttls.Ticker)
	}
	barClose := time.UnixMilli(klines[len(klines)-1].CloseTime + 1).UTC()
	if !barClose.After(now) {
		return now.Add(c.ttls.Ticker)
	}
	if barClose.After(maxExpiry) {
		return maxExpiry
	}
	return barClose
}

// Ticker returns a ticker no older than the ticker TTL
func (c *CachedClient) Ticker(ctx context.Context, symbol string) (*Ticker24hr, error) {
	v, err := c.load("ticker:"+symbol, func() (interface{}, time.Time, error) {
		t, err := c.inner.Ticker(ctx, symbol)
		if err != nil {
			return nil, time.Time{}, err
		}
		return t, c.clock.Now().Add(c.ttls.Ticker), nil
	})
	if err != nil {
		return nil, err
	}
	t := *v.(*Ticker24hr)
	return &t, nil
}

// ExchangeInfo returns cached contract metadata
func (c *CachedClient) ExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	v, err := c.load("exchangeInfo", func() (interface{}, time.Time, error) {
		info, err := c.inner.ExchangeInfo(ctx)
		if err != nil {
			return nil, time.Time{}, err
		}
		return info, c.clock.Now().Add(c.ttls.ExchangeInfo), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ExchangeInfo), nil
}

// TopPairs is not cached; the universe refresh is a daily operation
func (c *CachedClient) TopPairs(ctx context.Context, n int) ([]string, error) {
	return c.inner.TopPairs(ctx, n)
}

// Stats returns hit/miss counters
func (c *CachedClient) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Deduplicated: c.deduped.Load()}
}

// Purge drops every expired entry
func (c *CachedClient) Purge() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *CachedClient) load(key string, fetch func() (interface{}, time.Time, error)) (interface{}, error) {
	if v, ok := c.get(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		if v, ok := c.get(key); ok {
			return v, nil
		}
		v, expiresAt, err := fetch()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry{value: v, expiresAt: expiresAt}
		c.mu.Unlock()
		return v, nil
	})
	if shared {
		c.deduped.Add(1)
	}
	return v, err
}

func (c *CachedClient) get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.clock.Now().Before(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}
