// Package btc analyzes Bitcoin across the 1h and 4h timeframes and measures
// how closely other symbols follow it.
package btc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"binance-signal-engine/internal/binance"
	"binance-signal-engine/internal/cache"
	"binance-signal-engine/internal/clock"
	"binance-signal-engine/internal/indicators"
	"binance-signal-engine/internal/logging"
	"binance-signal-engine/internal/signal"
)

// Timeframes analyzed
const (
	TF1h = "1h"
	TF4h = "4h"
)

// Snapshot TTLs per timeframe
var snapshotTTL = map[string]time.Duration{
	TF1h: 15 * time.Minute,
	TF4h: 60 * time.Minute,
}

// Strength component weights. Each component is normalized to 0..1 before weighting.
const (
	weightEMASpread = 0.35 // |EMA20-EMA50|/price, 2% spread is full
	weightRSI       = 0.25 // |RSI-50|/30
	weightHistogram = 0.20 // |MACD hist|/price, 0.2% is full
	weightATR       = 0.20 // ATR/price, 3% is full

	fullEMASpread = 0.02
	fullRSI       = 30.0
	fullHistogram = 0.002
	fullATRPct    = 3.0
)

// Consolidated view weights
const (
	weight4h = 0.6
	weight1h = 0.4
)

// ErrInsufficientData is returned when too few bars are available
var ErrInsufficientData = errors.New("insufficient data")

// Config holds analyzer thresholds
type Config struct {
	Symbol              string
	KlineLimit          int
	CorrelationWindow   int
	CorrelationTTL      time.Duration
	StrongCorrelation   float64
	ModerateCorrelation float64
	FilterStrength      float64
	ScoreBase           float64
	ScoreTrend          float64
	ScoreCorrelation    float64
	ScoreMomentum       float64
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Symbol:              "BTCUSDT",
		KlineLimit:          120,
		CorrelationWindow:   100,
		CorrelationTTL:      time.Hour,
		StrongCorrelation:   0.7,
		ModerateCorrelation: 0.4,
		FilterStrength:      60,
		ScoreBase:           15,
		ScoreTrend:          10,
		ScoreCorrelation:    5,
		ScoreMomentum:       5,
	}
}

// EMAAlignment describes the order of the fast and slow EMAs
type EMAAlignment string

const (
	AlignmentBullish EMAAlignment = "BULLISH"
	AlignmentBearish EMAAlignment = "BEARISH"
	AlignmentMixed   EMAAlignment = "MIXED"
)

// Snapshot is the BTC analysis of one timeframe at one bar close
type Snapshot struct {
	Timeframe  string                `json:"timeframe"`
	BarClose   time.Time             `json:"bar_close"`
	Price      float64               `json:"price"`
	PrevClose  float64               `json:"prev_close"`
	RSI        float64               `json:"rsi"`
	MACD       indicators.MACDResult `json:"macd"`
	EMA20      float64               `json:"ema20"`
	EMA50      float64               `json:"ema50"`
	Alignment  EMAAlignment          `json:"ema_alignment"`
	Trend      signal.Trend          `json:"trend"`
	Strength   float64               `json:"strength"`
	Volatility float64               `json:"volatility"`
	Pivot      indicators.Pivot      `json:"pivot"`
	ComputedAt time.Time             `json:"computed_at"`
	expiresAt  time.Time
}

// Consolidated fuses the 1h and 4h snapshots
type Consolidated struct {
	Trend           signal.Trend `json:"trend"`
	Strength        float64      `json:"strength"`
	MomentumAligned bool         `json:"momentum_aligned"`
	PivotBroken     bool         `json:"pivot_broken"`
	Price           float64      `json:"price"`
	H1              Snapshot     `json:"h1"`
	H4              Snapshot     `json:"h4"`
}

// CorrelationStrength buckets |r|
type CorrelationStrength string

const (
	CorrelationStrong   CorrelationStrength = "STRONG"
	CorrelationModerate CorrelationStrength = "MODERATE"
	CorrelationWeak     CorrelationStrength = "WEAK"
)

// CorrelationRecord is the Pearson r of a symbol's 1h log returns against BTC
type CorrelationRecord struct {
	Symbol     string    `json:"symbol"`
	R          float64   `json:"r"`
	Samples    int       `json:"samples"`
	ComputedAt time.Time `json:"computed_at"`
}

// Analyzer caches BTC snapshots and per-symbol correlations.
// Refreshes of one key are single-flight; reads of fresh entries never block on I/O.
type Analyzer struct {
	market binance.MarketData
	clock  clock.Clock
	cfg    Config
	logger *logging.Logger
	shared *cache.Service

	mu           sync.RWMutex
	snapshots    map[string]Snapshot
	correlations map[string]CorrelationRecord

	group singleflight.Group
}

// NewAnalyzer creates an analyzer. shared may be nil.
func NewAnalyzer(market binance.MarketData, clk clock.Clock, cfg Config, shared *cache.Service, logger *logging.Logger) *Analyzer {
	def := DefaultConfig()
	if cfg.Symbol == "" {
		cfg.Symbol = def.Symbol
	}
	if cfg.KlineLimit < 100 {
		cfg.KlineLimit = def.KlineLimit
	}
	if cfg.CorrelationWindow < 3 {
		cfg.CorrelationWindow = def.CorrelationWindow
	}
	if cfg.CorrelationTTL <= 0 {
		cfg.CorrelationTTL = def.CorrelationTTL
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Analyzer{
		market:       market,
		clock:        clk,
		cfg:          cfg,
		logger:       logger.WithComponent("btc"),
		shared:       shared,
		snapshots:    make(map[string]Snapshot),
		correlations: make(map[string]CorrelationRecord),
	}
}

// Config returns the analyzer thresholds
func (a *Analyzer) Config() Config {
	return a.cfg
}

// Analysis returns the BTC snapshot for tf ("1h" or "4h")
func (a *Analyzer) Analysis(ctx context.Context, tf string) (Snapshot, error) {
	ttl, ok := snapshotTTL[tf]
	if !ok {
		return Snapshot{}, fmt.Errorf("unsupported timeframe %q", tf)
	}

	a.mu.RLock()
	cached, ok := a.snapshots[tf]
	a.mu.RUnlock()
	if ok && a.clock.Now().Before(cached.expiresAt) {
		return cached, nil
	}

	v, err, _ := a.group.Do("analysis:"+tf, func() (interface{}, error) {
		klines, err := a.market.Klines(ctx, a.cfg.Symbol, tf, a.cfg.KlineLimit)
		if err != nil {
			return Snapshot{}, fmt.Errorf("btc %s klines: %w", tf, err)
		}
		now := a.clock.Now()
		klines = binance.ClosedKlines(klines, now)
		if len(klines) < indicators.EMALongPeriod+1 {
			return Snapshot{}, fmt.Errorf("btc %s: %w (%d bars)", tf, ErrInsufficientData, len(klines))
		}

		snap := classify(tf, klines)
		snap.ComputedAt = now
		period, _ := binance.IntervalDuration(tf)
		snap.expiresAt = now.Add(ttl)
		if nextBar := snap.BarClose.Add(period); nextBar.Before(snap.expiresAt) {
			snap.expiresAt = nextBar
		}

		a.mu.Lock()
		a.snapshots[tf] = snap
		a.mu.Unlock()

		a.logger.Debug("BTC analysis refreshed", "timeframe", tf, "trend", snap.Trend, "strength", snap.Strength)
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// Current fuses the 1h and 4h snapshots
func (a *Analyzer) Current(ctx context.Context) (Consolidated, error) {
	h1, err := a.Analysis(ctx, TF1h)
	if err != nil {
		return Consolidated{}, err
	}
	h4, err := a.Analysis(ctx, TF4h)
	if err != nil {
		return Consolidated{}, err
	}
	return Consolidate(h1, h4), nil
}

// Consolidate combines the two timeframes. The trend is the 4h trend when both agree, else NEUTRAL.
func Consolidate(h1, h4 Snapshot) Consolidated {
	c := Consolidated{
		Trend:           signal.TrendNeutral,
		Strength:        weight4h*h4.Strength + weight1h*h1.Strength,
		MomentumAligned: (h1.MACD.Bullish && h4.MACD.Bullish) || (h1.MACD.Bearish && h4.MACD.Bearish),
		Price:           h1.Price,
		H1:              h1,
		H4:              h4,
	}
	if h1.Trend == h4.Trend {
		c.Trend = h4.Trend
	}
	if indicators.Known(h1.Pivot.P) && indicators.Known(h1.PrevClose) {
		p := h1.Pivot.P
		c.PivotBroken = (h1.PrevClose < p && h1.Price > p) || (h1.PrevClose > p && h1.Price < p)
	}
	return c
}

// classify runs the indicator bundle over closed bars and derives trend and strength
func classify(tf string, klines []binance.Kline) Snapshot {
	b := indicators.Compute(klines)
	snap := Snapshot{
		Timeframe:  tf,
		BarClose:   time.UnixMilli(klines[len(klines)-1].CloseTime + 1).UTC(),
		Price:      b.Close,
		PrevClose:  b.PrevClose,
		RSI:        b.RSI,
		MACD:       b.MACD,
		EMA20:      b.EMA20,
		EMA50:      b.EMA50,
		Alignment:  AlignmentMixed,
		Trend:      signal.TrendNeutral,
		Volatility: b.VolatilityPct(),
		Pivot:      b.Pivot,
	}

	if indicators.Known(b.EMA20) && indicators.Known(b.EMA50) {
		switch {
		case b.EMA20 > b.EMA50:
			snap.Alignment = AlignmentBullish
		case b.EMA20 < b.EMA50:
			snap.Alignment = AlignmentBearish
		}
	}

	switch {
	case snap.Alignment == AlignmentBullish && b.Close > b.EMA20 && b.MACD.Bullish:
		snap.Trend = signal.TrendBullish
	case snap.Alignment == AlignmentBearish && b.Close < b.EMA20 && b.MACD.Bearish:
		snap.Trend = signal.TrendBearish
	}

	snap.Strength = strength(b)
	return snap
}

// strength scores trend conviction on 0..100. Unknown components contribute nothing.
func strength(b indicators.Bundle) float64 {
	if !indicators.Known(b.Close) || b.Close <= 0 {
		return 0
	}
	component := func(v, full float64) float64 {
		if !indicators.Known(v) {
			return 0
		}
		return math.Min(math.Abs(v)/full, 1)
	}

	s := weightEMASpread*component((b.EMA20-b.EMA50)/b.Close, fullEMASpread) +
		weightRSI*component(b.RSI-50, fullRSI) +
		weightHistogram*component(b.MACD.Histogram/b.Close, fullHistogram) +
		weightATR*component(b.VolatilityPct(), fullATRPct)
	return s * 100
}

// ClassifyCorrelationStrength buckets |r| by the configured thresholds
func (a *Analyzer) ClassifyCorrelationStrength(r float64) CorrelationStrength {
	return classifyCorrelation(r, a.cfg.StrongCorrelation, a.cfg.ModerateCorrelation)
}

func classifyCorrelation(r, strong, moderate float64) CorrelationStrength {
	abs := math.Abs(r)
	switch {
	case abs >= strong:
		return CorrelationStrong
	case abs >= moderate:
		return CorrelationModerate
	default:
		return CorrelationWeak
	}
}

// ShouldFilter reports whether a candidate should be dropped before emission:
// the symbol tracks BTC closely while BTC trends hard against the direction.
func (a *Analyzer) ShouldFilter(ctx context.Context, symbol string, dir signal.Direction) (bool, error) {
	corr, err := a.Correlation(ctx, symbol)
	if err != nil {
		return false, err
	}
	cur, err := a.Current(ctx)
	if err != nil {
		return false, err
	}
	return a.filter(corr.R, cur, dir), nil
}

func (a *Analyzer) filter(r float64, cur Consolidated, dir signal.Direction) bool {
	return math.Abs(r) >= a.cfg.StrongCorrelation &&
		cur.Trend.Opposes(dir) &&
		cur.Strength >= a.cfg.FilterStrength
}

// Score returns the BTC contribution to a candidate's quality, 0..30
func (a *Analyzer) Score(ctx context.Context, symbol string, dir signal.Direction) (float64, error) {
	corr, err := a.Correlation(ctx, symbol)
	if err != nil {
		return 0, err
	}
	cur, err := a.Current(ctx)
	if err != nil {
		return 0, err
	}
	return a.score(corr.R, cur, dir), nil
}

// score starts from the base and moves it by trend, correlation and momentum.
// A negatively correlated symbol benefits from BTC moving against it.
func (a *Analyzer) score(r float64, cur Consolidated, dir signal.Direction) float64 {
	s := a.cfg.ScoreBase

	aligned := cur.Trend.Matches(dir)
	opposed := cur.Trend.Opposes(dir)
	switch {
	case aligned:
		s += a.cfg.ScoreTrend
	case opposed:
		s -= a.cfg.ScoreTrend
	}

	if math.Abs(r) >= a.cfg.ModerateCorrelation && (aligned || opposed) {
		favourable := (r > 0 && aligned) || (r < 0 && opposed)
		if favourable {
			s += a.cfg.ScoreCorrelation
		} else {
			s -= a.cfg.ScoreCorrelation
		}
	}

	if cur.MomentumAligned {
		switch {
		case aligned:
			s += a.cfg.ScoreMomentum
		case opposed:
			s -= a.cfg.ScoreMomentum
		}
	}

	return math.Max(0, math.Min(30, s))
}
