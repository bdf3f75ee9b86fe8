package confirmation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"binance-signal-engine/internal/binance"
	"binance-signal-engine/internal/btc"
	"binance-signal-engine/internal/clock"
	"binance-signal-engine/internal/database"
	"binance-signal-engine/internal/events"
	"binance-signal-engine/internal/logging"
	"binance-signal-engine/internal/metrics"
	"binance-signal-engine/internal/signal"
)

// Defaults
const (
	DefaultTick        = 20 * time.Second
	DefaultParallelism = 16
	DefaultKlineLimit  = 30
	minKlineLimit      = 23 // volume EMA(20) plus three momentum bars
	notifyTimeout      = 10 * time.Second
)

// Skip reasons
const (
	SkipUpstream          = "upstream_error"
	SkipStore             = "store_error"
	SkipInvalidTransition = "invalid_transition"
)

// BTCSource supplies the consolidated BTC view
type BTCSource interface {
	Current(ctx context.Context) (btc.Consolidated, error)
}

// Notifier receives CONFIRMED signals
type Notifier interface {
	SignalConfirmed(ctx context.Context, sig *signal.Signal) error
}

// Result is either Evaluated or Skipped
type Result interface {
	signalID() string
}

// Evaluated carries the decision committed for one signal
type Evaluated struct {
	Signal        *signal.Signal
	Status        signal.Status
	Confirmations []signal.Criterion
	Rejections    []signal.Criterion
	Reason        signal.Criterion
}

func (e Evaluated) signalID() string { return e.Signal.ID }

// Skipped means nothing was committed this tick
type Skipped struct {
	ID     string
	Reason string
	Err    error
}

func (s Skipped) signalID() string { return s.ID }

// Summary counts one tick's results
type Summary struct {
	Due       int `json:"due"`
	Confirmed int `json:"confirmed"`
	Rejected  int `json:"rejected"`
	Expired   int `json:"expired"`
	Pending   int `json:"pending"`
	Skipped   int `json:"skipped"`
}

// Config holds engine settings
type Config struct {
	Thresholds  Thresholds
	Tick        time.Duration
	Parallelism int
	KlineLimit  int
}

// Option configures optional collaborators
type Option func(*Engine)

// WithNotifier sends CONFIRMED signals to n
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithEventBus publishes every terminal transition to bus
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics feeds outcomes into c and skips into rec
func WithMetrics(c *metrics.Confirmation, rec *metrics.Recorder) Option {
	return func(e *Engine) {
		e.counters = c
		e.recorder = rec
	}
}

// Engine evaluates every due PENDING signal on each tick
type Engine struct {
	store  *database.SignalStore
	market binance.MarketData
	btc    BTCSource
	clock  clock.Clock
	cfg    Config
	logger *logging.Logger

	notifier Notifier
	bus      *events.EventBus
	counters *metrics.Confirmation
	recorder *metrics.Recorder

	mu       sync.Mutex
	failures map[string]int
	notifyWG sync.WaitGroup
}

// NewEngine wires the state machine
func NewEngine(store *database.SignalStore, market binance.MarketData, btcSource BTCSource, clk clock.Clock, cfg Config, logger *logging.Logger, opts ...Option) *Engine {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.KlineLimit < minKlineLimit {
		cfg.KlineLimit = DefaultKlineLimit
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	e := &Engine{
		store:    store,
		market:   market,
		btc:      btcSource,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.WithComponent("confirmation"),
		failures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tick evaluates every PENDING signal last evaluated at least one tick ago.
// One List snapshot drives the tick; signals inserted meanwhile wait for the next.
func (e *Engine) Tick(ctx context.Context) (Summary, error) {
	now := e.clock.Now()
	pending := e.store.List(ctx, database.Filter{Status: signal.StatusPending})

	due := make([]*signal.Signal, 0, len(pending))
	for _, sig := range pending {
		if now.Sub(sig.LastEvaluatedAt) >= e.cfg.Tick {
			due = append(due, sig)
		}
	}

	results := make([]Result, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for i, sig := range due {
		i, sig := i, sig
		g.Go(func() error {
			results[i] = e.Evaluate(gctx, sig)
			return nil
		})
	}
	g.Wait()

	summary := Summary{Due: len(due)}
	for _, r := range results {
		switch v := r.(type) {
		case Evaluated:
			switch v.Status {
			case signal.StatusConfirmed:
				summary.Confirmed++
			case signal.StatusRejected:
				summary.Rejected++
			case signal.StatusExpired:
				summary.Expired++
			default:
				summary.Pending++
			}
		case Skipped:
			summary.Skipped++
		}
	}

	if e.counters != nil {
		e.counters.SetPending(int64(e.store.Count(database.Filter{Status: signal.StatusPending})))
	}
	if len(due) > 0 {
		e.logger.Debug("Engine tick complete",
			"due", summary.Due, "confirmed", summary.Confirmed, "rejected", summary.Rejected,
			"expired", summary.Expired, "skipped", summary.Skipped)
	}
	return summary, ctx.Err()
}

// Evaluate runs one signal through the criteria and commits the decision
func (e *Engine) Evaluate(ctx context.Context, sig *signal.Signal) Result {
	log := logging.SignalContext(e.logger, sig.ID, sig.Symbol, string(sig.Direction))
	now := e.clock.Now()

	market, err := e.fetch(ctx, sig.Symbol, now)
	if err != nil {
		return e.upstreamFailure(ctx, sig, now, err, log)
	}
	e.clearFailures(sig.ID)

	c := Assess(sig, market, e.cfg.Thresholds)
	d := Decide(c, e.cfg.Thresholds)
	return e.commit(ctx, sig, signal.Observation{
		Status:              d.Status,
		ConfirmationReasons: c.Confirmations,
		RejectionReasons:    c.Rejections,
		TerminalReason:      d.TerminalReason,
		At:                  now,
	}, log)
}

func (e *Engine) fetch(ctx context.Context, symbol string, now time.Time) (Market, error) {
	ticker, err := e.market.Ticker(ctx, symbol)
	if err != nil {
		return Market{}, fmt.Errorf("ticker: %w", err)
	}
	klines, err := e.market.Klines(ctx, symbol, "1h", e.cfg.KlineLimit)
	if err != nil {
		return Market{}, fmt.Errorf("klines: %w", err)
	}
	current, err := e.btc.Current(ctx)
	if err != nil {
		return Market{}, fmt.Errorf("btc analysis: %w", err)
	}
	return Market{
		Price:  ticker.LastPrice,
		Klines: binance.ClosedKlines(klines, now),
		BTC:    current,
		Now:    now,
	}, nil
}

// upstreamFailure skips the signal, or ends it once it has failed too often
// or its lifetime is already over.
func (e *Engine) upstreamFailure(ctx context.Context, sig *signal.Signal, now time.Time, err error, log *logging.Logger) Result {
	n := e.recordFailure(sig.ID)
	e.recorder.RecordSkip(SkipUpstream)

	switch {
	case n >= e.cfg.Thresholds.MaxConsecutiveFailures:
		log.Error("Upstream failures exhausted", "failures", n, "error", err)
		e.clearFailures(sig.ID)
		return e.commit(ctx, sig, signal.Observation{
			Status:           signal.StatusRejected,
			RejectionReasons: []signal.Criterion{signal.SystemError},
			TerminalReason:   signal.SystemError,
			At:               now,
		}, log)
	case timedOut(sig, now, e.cfg.Thresholds):
		e.clearFailures(sig.ID)
		return e.commit(ctx, sig, signal.Observation{
			Status:           signal.StatusExpired,
			RejectionReasons: []signal.Criterion{signal.TimeoutExpired},
			TerminalReason:   signal.TimeoutExpired,
			At:               now,
		}, log)
	}

	log.Warn("Evaluation skipped", "failures", n, "error", err)
	return Skipped{ID: sig.ID, Reason: SkipUpstream, Err: err}
}

func (e *Engine) commit(ctx context.Context, sig *signal.Signal, obs signal.Observation, log *logging.Logger) Result {
	updated, err := e.store.Transition(ctx, sig.ID, obs)
	if err != nil {
		if errors.Is(err, database.ErrInvalidTransition) {
			log.Warn("Signal already terminal", "error", err)
			e.recorder.RecordSkip(SkipInvalidTransition)
			return Skipped{ID: sig.ID, Reason: SkipInvalidTransition, Err: err}
		}
		log.Error("Failed to persist transition", "error", err)
		e.recorder.RecordSkip(SkipStore)
		return Skipped{ID: sig.ID, Reason: SkipStore, Err: err}
	}

	if e.counters != nil {
		var elapsed time.Duration
		if updated.ConfirmedAt != nil {
			elapsed = updated.ConfirmedAt.Sub(updated.CreatedAt)
		}
		e.counters.RecordOutcome(updated.Status, elapsed)
	}

	if updated.Status.IsTerminal() {
		log.Info("Signal decided",
			"status", updated.Status, "reason", updated.TerminalReason,
			"confirmations", updated.ConfirmationReasons, "rejections", updated.RejectionReasons,
			"attempts", updated.ConfirmationAttempts)
		e.bus.PublishSignal(events.TypeForStatus(updated.Status), updated, obs.At)
		if updated.Status == signal.StatusConfirmed {
			e.notify(updated, log)
		}
	}

	return Evaluated{
		Signal:        updated,
		Status:        updated.Status,
		Confirmations: obs.ConfirmationReasons,
		Rejections:    obs.RejectionReasons,
		Reason:        obs.TerminalReason,
	}
}

// notify delivers off the evaluation path; failures are logged and dropped
func (e *Engine) notify(sig *signal.Signal, log *logging.Logger) {
	if e.notifier == nil {
		return
	}
	e.notifyWG.Add(1)
	go func() {
		defer e.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := e.notifier.SignalConfirmed(ctx, sig); err != nil {
			log.Warn("Notification dropped", "error", err)
		}
	}()
}

// WaitNotifications blocks until in-flight notifications finish
func (e *Engine) WaitNotifications() {
	e.notifyWG.Wait()
}

// Expire moves a PENDING signal to EXPIRED outside the evaluation loop
func (e *Engine) Expire(ctx context.Context, id string, reason signal.Criterion) (*signal.Signal, error) {
	now := e.clock.Now()
	updated, err := e.store.Transition(ctx, id, signal.Observation{
		Status:           signal.StatusExpired,
		RejectionReasons: []signal.Criterion{reason},
		TerminalReason:   reason,
		At:               now,
	})
	if err != nil {
		return updated, err
	}
	e.clearFailures(id)
	if e.counters != nil {
		e.counters.RecordTerminal(signal.StatusExpired)
	}
	e.bus.PublishSignal(events.EventSignalExpired, updated, now)
	logging.SignalContext(e.logger, updated.ID, updated.Symbol, string(updated.Direction)).
		Info("Signal expired", "reason", reason)
	return updated, nil
}

// Failures returns the consecutive upstream failure count of one signal
func (e *Engine) Failures(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures[id]
}

func (e *Engine) recordFailure(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[id]++
	return e.failures[id]
}

func (e *Engine) clearFailures(id string) {
	e.mu.Lock()
	delete(e.failures, id)
	e.mu.Unlock()
}
