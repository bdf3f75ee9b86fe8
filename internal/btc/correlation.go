package btc

import (
	"context"
	"errors"
	"fmt"
	"math"

	"binance-signal-engine/internal/binance"
	"binance-signal-engine/internal/cache"
)

// Correlation returns the Pearson r of symbol's 1h log returns against BTC over
// the configured window of closed bars. Results are cached in process for the
// correlation TTL and mirrored to Redis when available.
func (a *Analyzer) Correlation(ctx context.Context, symbol string) (CorrelationRecord, error) {
	now := a.clock.Now()
	if symbol == a.cfg.Symbol {
		return CorrelationRecord{Symbol: symbol, R: 1, Samples: a.cfg.CorrelationWindow - 1, ComputedAt: now}, nil
	}

	a.mu.RLock()
	rec, ok := a.correlations[symbol]
	a.mu.RUnlock()
	if ok && now.Sub(rec.ComputedAt) < a.cfg.CorrelationTTL {
		return rec, nil
	}

	v, err, _ := a.group.Do("corr:"+symbol, func() (interface{}, error) {
		var shared CorrelationRecord
		if err := a.shared.GetJSON(ctx, cache.CorrelationKey(symbol), &shared); err == nil &&
			now.Sub(shared.ComputedAt) < a.cfg.CorrelationTTL {
			a.store(shared)
			return shared, nil
		}

		rec, err := a.computeCorrelation(ctx, symbol)
		if err != nil {
			return CorrelationRecord{}, err
		}
		a.store(rec)
		if err := a.shared.SetJSON(ctx, cache.CorrelationKey(symbol), rec, a.cfg.CorrelationTTL); err != nil &&
			!errors.Is(err, cache.ErrUnavailable) {
			a.logger.Warn("Failed to share correlation", "symbol", symbol, "error", err)
		}
		return rec, nil
	})
	if err != nil {
		return CorrelationRecord{}, err
	}
	return v.(CorrelationRecord), nil
}

func (a *Analyzer) store(rec CorrelationRecord) {
	a.mu.Lock()
	a.correlations[rec.Symbol] = rec
	a.mu.Unlock()
}

func (a *Analyzer) computeCorrelation(ctx context.Context, symbol string) (CorrelationRecord, error) {
	limit := a.cfg.CorrelationWindow + 1
	now := a.clock.Now()

	btcBars, err := a.market.Klines(ctx, a.cfg.Symbol, TF1h, limit)
	if err != nil {
		return CorrelationRecord{}, fmt.Errorf("btc klines: %w", err)
	}
	symBars, err := a.market.Klines(ctx, symbol, TF1h, limit)
	if err != nil {
		return CorrelationRecord{}, fmt.Errorf("%s klines: %w", symbol, err)
	}
	btcBars = binance.ClosedKlines(btcBars, now)
	symBars = binance.ClosedKlines(symBars, now)

	xs, ys := alignedReturns(symBars, btcBars, a.cfg.CorrelationWindow)
	if len(xs) < 3 {
		return CorrelationRecord{}, fmt.Errorf("correlation %s: %w (%d aligned returns)", symbol, ErrInsufficientData, len(xs))
	}

	return CorrelationRecord{
		Symbol:     symbol,
		R:          Pearson(xs, ys),
		Samples:    len(xs),
		ComputedAt: now,
	}, nil
}

// alignedReturns pairs the two series by bar open time, keeps the last window
// pairs and converts each to log returns between consecutive pairs.
func alignedReturns(sym, ref []binance.Kline, window int) ([]float64, []float64) {
	refClose := make(map[int64]float64, len(ref))
	for _, k := range ref {
		refClose[k.OpenTime] = k.Close
	}

	var a, b []float64
	for _, k := range sym {
		if c, ok := refClose[k.OpenTime]; ok && k.Close > 0 && c > 0 {
			a = append(a, k.Close)
			b = append(b, c)
		}
	}
	if len(a) > window {
		a = a[len(a)-window:]
		b = b[len(b)-window:]
	}
	if len(a) < 2 {
		return nil, nil
	}

	xs := make([]float64, len(a)-1)
	ys := make([]float64, len(b)-1)
	for i := 1; i < len(a); i++ {
		xs[i-1] = math.Log(a[i] / a[i-1])
		ys[i-1] = math.Log(b[i] / b[i-1])
	}
	return xs, ys
}

// Pearson returns the correlation coefficient of two equal-length samples,
// clamped to [-1, 1]. A constant sample yields 0.
func Pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n == 0 || n != len(ys) {
		return 0
	}

	var mx, my float64
	for i := 0; i < n; i++ {
		mx += xs[i]
		my += ys[i]
	}
	mx /= float64(n)
	my /= float64(n)

	var cov, vx, vy float64
	for i := 0; i < n; i++ {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0
	}
	r := cov / math.Sqrt(vx*vy)
	return math.Max(-1, math.Min(1, r))
}
