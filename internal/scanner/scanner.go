// Package scanner generates candidate signals from the monitored universe.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"binance-signal-engine/internal/binance"
	"binance-signal-engine/internal/btc"
	"binance-signal-engine/internal/cache"
	"binance-signal-engine/internal/clock"
	"binance-signal-engine/internal/database"
	"binance-signal-engine/internal/events"
	"binance-signal-engine/internal/indicators"
	"binance-signal-engine/internal/logging"
	"binance-signal-engine/internal/metrics"
	"binance-signal-engine/internal/signal"
)

// candidateNamespace seeds deterministic candidate ids
var candidateNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("binance-signal-engine/candidate"))

// BTC is the slice of the correlation analyzer the generator consumes
type BTC interface {
	ShouldFilter(ctx context.Context, symbol string, dir signal.Direction) (bool, error)
	Score(ctx context.Context, symbol string, dir signal.Direction) (float64, error)
	Correlation(ctx context.Context, symbol string) (btc.CorrelationRecord, error)
	Current(ctx context.Context) (btc.Consolidated, error)
}

// Option configures optional collaborators
type Option func(*Scanner)

// WithPressure lets the scanner back off while the gateway is throttling
func WithPressure(p binance.PressureSource) Option {
	return func(sc *Scanner) { sc.pressure = p }
}

// WithSharedCache persists the universe to Redis
func WithSharedCache(c *cache.Service) Option {
	return func(sc *Scanner) { sc.shared = c }
}

// WithEventBus publishes SIGNAL_CREATED for every inserted candidate
func WithEventBus(bus *events.EventBus) Option {
	return func(sc *Scanner) { sc.bus = bus }
}

// WithMetrics records candidates and scan durations
func WithMetrics(rec *metrics.Recorder) Option {
	return func(sc *Scanner) { sc.recorder = rec }
}

// Scanner scores every symbol of the universe and inserts qualifying candidates
type Scanner struct {
	market   binance.MarketData
	btc      BTC
	store    *database.SignalStore
	clock    clock.Clock
	config   Config
	logger   *logging.Logger
	cache    *EvaluationCache
	pressure binance.PressureSource
	shared   *cache.Service
	bus      *events.EventBus
	recorder *metrics.Recorder

	mu          sync.RWMutex
	universe    []string
	lastResult  *ScanResult
	concurrency int
}

// NewScanner creates a new scanner instance
func NewScanner(market binance.MarketData, btcAnalyzer BTC, store *database.SignalStore, clk clock.Clock, config Config, logger *logging.Logger, opts ...Option) *Scanner {
	def := DefaultConfig()
	if config.UniverseSize <= 0 {
		config.UniverseSize = def.UniverseSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.Weights.total() <= 0 {
		config.Weights = def.Weights
	}
	if config.SignalTTL <= 0 {
		config.SignalTTL = def.SignalTTL
	}
	if config.KlineLimit < indicators.EMALongPeriod+2 {
		config.KlineLimit = def.KlineLimit
	}
	if logger == nil {
		logger = logging.Nop()
	}
	sc := &Scanner{
		market:      market,
		btc:         btcAnalyzer,
		store:       store,
		clock:       clk,
		config:      config,
		logger:      logger.WithComponent("scanner"),
		cache:       NewEvaluationCache(clk),
		concurrency: config.Concurrency,
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// RefreshUniverse reloads the top pairs by 24h quote volume. When the exchange
// is unreachable the last universe persisted in Redis is used instead.
func (sc *Scanner) RefreshUniverse(ctx context.Context) ([]string, error) {
	symbols, err := sc.market.TopPairs(ctx, sc.config.UniverseSize)
	if err == nil && len(symbols) == 0 {
		err = errors.New("exchange returned no tradable pairs")
	}
	if err != nil {
		var cached []string
		if cerr := sc.shared.GetJSON(ctx, cache.KeyUniverse, &cached); cerr == nil && len(cached) > 0 {
			sc.logger.Warn("Universe refresh failed, using shared copy", "error", err, "symbols", len(cached))
			sc.setUniverse(cached)
			return cached, nil
		}
		return nil, fmt.Errorf("failed to refresh universe: %w", err)
	}

	sc.setUniverse(symbols)
	if err := sc.shared.SetJSON(ctx, cache.KeyUniverse, symbols, cache.DefaultUniverseTTL); err != nil && !errors.Is(err, cache.ErrUnavailable) {
		sc.logger.Warn("Failed to persist universe", "error", err)
	}
	dropped := sc.cache.CleanupExpired()
	sc.logger.Info("Universe refreshed", "symbols", len(symbols), "evictions", dropped)
	return symbols, nil
}

func (sc *Scanner) setUniverse(symbols []string) {
	sc.mu.Lock()
	sc.universe = append([]string(nil), symbols...)
	sc.mu.Unlock()
}

// Universe returns the monitored symbols
func (sc *Scanner) Universe() []string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return append([]string(nil), sc.universe...)
}

// Concurrency returns the parallelism the next scan will use
func (sc *Scanner) Concurrency() int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.concurrency
}

// Scan evaluates the whole universe once and inserts qualifying candidates
func (sc *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	symbols := sc.Universe()
	if len(symbols) == 0 {
		var err error
		if symbols, err = sc.RefreshUniverse(ctx); err != nil {
			return nil, err
		}
	}

	start := sc.clock.Now()
	workers := sc.Concurrency()
	before := sc.pressureCount()
	result := &ScanResult{
		ScanID:         uuid.NewString(),
		StartTime:      start,
		SymbolsScanned: len(symbols),
		Concurrency:    workers,
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			sc.scanSymbol(gctx, symbol, result, &mu)
			return nil
		})
	}
	g.Wait()

	sc.adjustConcurrency(sc.pressureCount() - before)

	result.EndTime = sc.clock.Now()
	result.Duration = result.EndTime.Sub(start)
	sc.recorder.RecordScan(result.Duration)

	sc.mu.Lock()
	sc.lastResult = result
	sc.mu.Unlock()

	sc.logger.Info("Scan completed",
		"symbols", result.SymbolsScanned, "candidates", len(result.Candidates),
		"filtered", result.Filtered, "duplicates", result.Duplicates,
		"errors", result.Errors, "concurrency", workers)
	return result, ctx.Err()
}

// scanSymbol evaluates one symbol and records the outcome under mu
func (sc *Scanner) scanSymbol(ctx context.Context, symbol string, result *ScanResult, mu *sync.Mutex) {
	ev, err := sc.EvaluateSymbol(ctx, symbol)
	if err != nil {
		sc.logger.Warn("Symbol evaluation failed", "symbol", symbol, "error", err)
		mu.Lock()
		result.Errors++
		mu.Unlock()
		return
	}
	if ev.Filtered {
		mu.Lock()
		result.Filtered++
		mu.Unlock()
		return
	}
	if ev.Candidate == nil {
		return
	}

	stored, created, err := sc.emit(ctx, ev)
	mu.Lock()
	defer mu.Unlock()
	switch {
	case err != nil:
		sc.logger.Error("Failed to insert candidate", "symbol", symbol, "error", err)
		result.Errors++
	case created:
		result.Candidates = append(result.Candidates, stored)
	default:
		result.Duplicates++
	}
}

// emit inserts the candidate unless a same-direction signal is still PENDING
func (sc *Scanner) emit(ctx context.Context, ev *Evaluation) (*signal.Signal, bool, error) {
	for _, open := range sc.store.List(ctx, database.Filter{Status: signal.StatusPending, Symbol: ev.Symbol}) {
		if open.Direction == ev.Direction {
			return open, false, nil
		}
	}

	now := sc.clock.Now()
	cand := ev.Candidate.Clone()
	cand.CreatedAt = now
	cand.ExpiresAt = now.Add(sc.config.SignalTTL)
	cand.LastEvaluatedAt = now

	stored, created, err := sc.store.Insert(ctx, cand)
	if err != nil || !created {
		return stored, false, err
	}

	sc.recorder.RecordCandidate(string(stored.Class))
	sc.bus.PublishSignal(events.EventSignalCreated, stored, now)
	logging.SignalContext(sc.logger, stored.ID, stored.Symbol, string(stored.Direction)).
		Info("Candidate emitted", "score", stored.QualityScore, "class", stored.Class,
			"entry", stored.EntryPrice, "target", stored.TargetPrice, "stop", stored.StopLoss)
	return stored, true, nil
}

// EvaluateSymbol scores one symbol on its latest closed 1h and 4h bars.
// Evaluations are cached until the next 1h bar closes.
func (sc *Scanner) EvaluateSymbol(ctx context.Context, symbol string) (*Evaluation, error) {
	if cached := sc.cache.Get(symbol); cached != nil {
		return cached, nil
	}
	ev, err := sc.evaluate(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ev.BarClose.IsZero() {
		sc.cache.Set(symbol, ev, ev.BarClose.Add(time.Hour))
	}
	return ev, nil
}

func (sc *Scanner) evaluate(ctx context.Context, symbol string) (*Evaluation, error) {
	now := sc.clock.Now()
	h1Klines, err := sc.closedKlines(ctx, symbol, "1h", now)
	if err != nil {
		return nil, err
	}
	h4Klines, err := sc.closedKlines(ctx, symbol, "4h", now)
	if err != nil {
		return nil, err
	}

	ev := &Evaluation{Symbol: symbol}
	if len(h1Klines) == 0 || len(h4Klines) == 0 {
		ev.Reason = ReasonInsufficient
		return ev, nil
	}
	last := h1Klines[len(h1Klines)-1]
	ev.BarClose = time.UnixMilli(last.CloseTime + 1).UTC()

	h1 := indicators.Compute(h1Klines)
	h4 := indicators.Compute(h4Klines)
	ev.Price = h1.Close
	ev.ATR = h1.ATR
	if !indicators.Known(h1.EMA50) || !indicators.Known(h4.EMA50) || !indicators.Known(h1.ATR) || h1.ATR <= 0 {
		ev.Reason = ReasonInsufficient
		return ev, nil
	}

	dir, trend, ok := TrendDirection(h1, h4)
	if !ok {
		ev.Reason = ReasonNoDirection
		return ev, nil
	}
	ev.Direction = dir

	filtered, err := sc.btc.ShouldFilter(ctx, symbol, dir)
	if err != nil {
		return nil, fmt.Errorf("btc filter: %w", err)
	}
	if filtered {
		ev.Filtered = true
		ev.Reason = ReasonBTCFilter
		return ev, nil
	}

	btcScore, err := sc.btc.Score(ctx, symbol, dir)
	if err != nil {
		return nil, fmt.Errorf("btc score: %w", err)
	}
	ev.Factors = Factors{
		Trend:       trend,
		Volume:      volumeFactor(h1),
		Momentum:    momentumFactor(h1, dir),
		Pattern:     patternFactor(h1, last, dir),
		Correlation: clamp(btcScore/30, 0, 1),
	}
	ev.Score = QualityScore(ev.Factors, sc.config.Weights)
	if ev.Score < sc.config.MinScore {
		ev.Reason = ReasonLowScore
		return ev, nil
	}

	corr, err := sc.btc.Correlation(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("btc correlation: %w", err)
	}
	current, err := sc.btc.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("btc analysis: %w", err)
	}
	ev.Candidate = sc.candidate(ev, corr.R, current.Trend, now)
	return ev, nil
}

func (sc *Scanner) closedKlines(ctx context.Context, symbol, interval string, now time.Time) ([]binance.Kline, error) {
	klines, err := sc.market.Klines(ctx, symbol, interval, sc.config.KlineLimit)
	if err != nil {
		return nil, fmt.Errorf("%s klines: %w", interval, err)
	}
	return binance.ClosedKlines(klines, now), nil
}

// candidate builds the signal; target and stop are ATR multiples from the last close
func (sc *Scanner) candidate(ev *Evaluation, r float64, trend signal.Trend, now time.Time) *signal.Signal {
	class := signal.ClassPremium
	k := sc.config.TargetATRPremium
	if ev.Score >= sc.config.EliteScore {
		class = signal.ClassElite
		k = sc.config.TargetATRElite
	}
	sign := ev.Direction.Sign()
	return &signal.Signal{
		ID:             CandidateID(ev.Symbol, ev.Direction, ev.BarClose),
		Symbol:         ev.Symbol,
		Direction:      ev.Direction,
		EntryPrice:     ev.Price,
		TargetPrice:    ev.Price + sign*k*ev.ATR,
		StopLoss:       ev.Price - sign*sc.config.StopATR*ev.ATR,
		QualityScore:   ev.Score,
		Class:          class,
		Timeframe:      "1h",
		CreatedAt:      now,
		ExpiresAt:      now.Add(sc.config.SignalTTL),
		BTCCorrelation: clamp(r, -1, 1),
		BTCTrend:       trend,
		Status:         signal.StatusPending,
	}
}

// CandidateID is stable for a symbol, direction and bar so rescans of the same bar are no-ops
func CandidateID(symbol string, dir signal.Direction, barClose time.Time) string {
	name := fmt.Sprintf("%s|%s|%d", symbol, dir, barClose.UTC().Unix())
	return uuid.NewSHA1(candidateNamespace, []byte(name)).String()
}

func (sc *Scanner) pressureCount() int64 {
	if sc.pressure == nil {
		return 0
	}
	return sc.pressure.Pressure()
}

// adjustConcurrency halves parallelism after a throttled scan and restores it after a clean one
func (sc *Scanner) adjustConcurrency(delta int64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	prev := sc.concurrency
	if delta > 0 {
		sc.concurrency = prev / 2
		if sc.concurrency < 1 {
			sc.concurrency = 1
		}
	} else {
		sc.concurrency = sc.config.Concurrency
	}
	if sc.concurrency != prev {
		sc.logger.Info("Scan concurrency adjusted", "from", prev, "to", sc.concurrency, "throttle_events", delta)
	}
}

// GetLastResult returns the most recent scan result
func (sc *Scanner) GetLastResult() *ScanResult {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.lastResult
}
