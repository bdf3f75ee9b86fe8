package binance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"binance-signal-engine/internal/clock"
	"binance-signal-engine/internal/logging"
)

// Throttle reasons reported to the Observer
const (
	ThrottleWait   = "wait"
	ThrottleBan    = "ban"
	ThrottleWeight = "weight"
)

// Observer receives gateway telemetry. The metrics package implements it.
type Observer interface {
	ObserveRequest(endpoint, outcome string, d time.Duration)
	ObserveThrottle(reason string)
}

type noopObserver struct{}

func (noopObserver) ObserveRequest(string, string, time.Duration) {}
func (noopObserver) ObserveThrottle(string)                       {}

// RateLimiterConfig sizes the weight budget
type RateLimiterConfig struct {
	MaxWeightPerMinute int           // exchange published limit, 2400 for futures
	BudgetFraction     float64       // share of the limit this process may spend
	Burst              int           // largest weight that can be spent at once
	PressureWait       time.Duration // waits longer than this count as pressure
	PressureUsage      float64       // header-reported usage above this fraction counts as pressure
}

// DefaultRateLimiterConfig mirrors the futures limits with headroom for other clients on the same IP
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxWeightPerMinute: 2400,
		BudgetFraction:     0.6,
		Burst:              100,
		PressureWait:       250 * time.Millisecond,
		PressureUsage:      0.8,
	}
}

// RateLimiter is a weighted token bucket with a circuit that opens on 418/429 bans.
// Callers block cooperatively until weight is available or their context ends.
type RateLimiter struct {
	mu sync.Mutex

	cfg     RateLimiterConfig
	limiter *rate.Limiter
	clock   clock.Clock
	logger  *logging.Logger
	obs     Observer

	// Circuit breaker state
	circuitOpen       bool
	banUntil          time.Time
	consecutiveErrors int

	// Last weight reported by X-MBX-USED-WEIGHT-1M
	usedWeight1m int

	pressure atomic.Int64
}

// NewRateLimiter creates a rate limiter driven by clk
func NewRateLimiter(cfg RateLimiterConfig, clk clock.Clock, logger *logging.Logger) *RateLimiter {
	if cfg.MaxWeightPerMinute <= 0 {
		cfg.MaxWeightPerMinute = 2400
	}
	if cfg.BudgetFraction <= 0 || cfg.BudgetFraction > 1 {
		cfg.BudgetFraction = 0.6
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	if logger == nil {
		logger = logging.Nop()
	}
	perSecond := float64(cfg.MaxWeightPerMinute) * cfg.BudgetFraction / 60
	return &RateLimiter{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(perSecond), cfg.Burst),
		clock:   clk,
		logger:  logger.WithComponent("rate-limiter"),
		obs:     noopObserver{},
	}
}

// SetObserver attaches a telemetry sink
func (r *RateLimiter) SetObserver(obs Observer) {
	if obs == nil {
		obs = noopObserver{}
	}
	r.mu.Lock()
	r.obs = obs
	r.mu.Unlock()
}

func (r *RateLimiter) observer() Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.obs
}

// Wait blocks until weight units can be spent. It returns an ErrRateLimited
// APIError if ctx ends first.
func (r *RateLimiter) Wait(ctx context.Context, endpoint string, weight int) error {
	if err := r.waitForBan(ctx, endpoint); err != nil {
		return err
	}

	if weight > r.cfg.Burst {
		weight = r.cfg.Burst
	}

	now := r.clock.Now()
	r.mu.Lock()
	res := r.limiter.ReserveN(now, weight)
	r.mu.Unlock()
	if !res.OK() {
		return &APIError{Kind: ErrRateLimited, Endpoint: endpoint, Msg: fmt.Sprintf("weight %d exceeds burst", weight)}
	}

	delay := res.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if delay > r.cfg.PressureWait {
		r.addPressure(ThrottleWait)
		r.logger.Debug("Waiting for weight budget", "endpoint", endpoint, "weight", weight, "delay", delay)
	}

	select {
	case <-r.clock.After(delay):
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		res.CancelAt(r.clock.Now())
		r.mu.Unlock()
		return &APIError{Kind: ErrRateLimited, Endpoint: endpoint, Msg: "context ended while waiting for weight: " + ctx.Err().Error()}
	}
}

func (r *RateLimiter) waitForBan(ctx context.Context, endpoint string) error {
	for {
		r.mu.Lock()
		open := r.circuitOpen
		until := r.banUntil
		r.mu.Unlock()

		if !open {
			return nil
		}
		remaining := until.Sub(r.clock.Now())
		if remaining <= 0 {
			r.mu.Lock()
			if r.circuitOpen && !r.clock.Now().Before(r.banUntil) {
				r.circuitOpen = false
				r.logger.Info("Circuit breaker closed, ban expired")
			}
			r.mu.Unlock()
			continue
		}

		r.logger.Warn("Circuit open, waiting for ban to expire", "endpoint", endpoint, "remaining", remaining)
		select {
		case <-r.clock.After(remaining):
		case <-ctx.Done():
			return &APIError{Kind: ErrRateLimited, Endpoint: endpoint, Msg: "circuit open until " + until.Format(time.RFC3339)}
		}
	}
}

// RecordSuccess resets the consecutive error streak
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	r.consecutiveErrors = 0
	r.mu.Unlock()
}

// RecordRateLimitError opens the circuit until banUntilMs, or for an
// exponentially growing period when the exchange did not say.
func (r *RateLimiter) RecordRateLimitError(banUntilMs int64) {
	r.mu.Lock()
	now := r.clock.Now()
	r.consecutiveErrors++

	var until time.Time
	if banUntilMs > 0 {
		until = time.UnixMilli(banUntilMs).UTC()
	} else {
		backoff := time.Duration(1<<uint(min(r.consecutiveErrors, 5))) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		until = now.Add(backoff)
	}
	if until.After(r.banUntil) {
		r.banUntil = until
	}
	r.circuitOpen = true
	errs := r.consecutiveErrors
	r.mu.Unlock()

	r.addPressure(ThrottleBan)
	r.logger.Warn("Circuit breaker open", "ban_until", until.Format(time.RFC3339), "consecutive_errors", errs)
}

// UpdateFromHeaders records the weight the exchange reports for this IP
func (r *RateLimiter) UpdateFromHeaders(usedWeight1m int) {
	r.mu.Lock()
	r.usedWeight1m = usedWeight1m
	r.mu.Unlock()

	usage := float64(usedWeight1m) / float64(r.cfg.MaxWeightPerMinute)
	if usage > r.cfg.PressureUsage {
		r.addPressure(ThrottleWeight)
		r.logger.Warn("Weight usage high", "used_weight_1m", usedWeight1m, "max_weight", r.cfg.MaxWeightPerMinute)
	}
}

// IsCircuitOpen reports whether requests are currently held back by a ban
func (r *RateLimiter) IsCircuitOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuitOpen && r.clock.Now().Before(r.banUntil)
}

// Pressure implements PressureSource
func (r *RateLimiter) Pressure() int64 {
	return r.pressure.Load()
}

func (r *RateLimiter) addPressure(reason string) {
	r.pressure.Add(1)
	r.observer().ObserveThrottle(reason)
}

// Status returns a snapshot for the admin metrics endpoint
func (r *RateLimiter) Status() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := map[string]interface{}{
		"circuit_open":       r.circuitOpen && r.clock.Now().Before(r.banUntil),
		"used_weight_1m":     r.usedWeight1m,
		"max_weight":         r.cfg.MaxWeightPerMinute,
		"budget_fraction":    r.cfg.BudgetFraction,
		"consecutive_errors": r.consecutiveErrors,
		"pressure_events":    r.pressure.Load(),
	}
	if r.circuitOpen {
		status["ban_until"] = r.banUntil.Format(time.RFC3339)
	}
	return status
}

// endpointWeight returns the request weight Binance charges for endpoint with params
func endpointWeight(endpoint string, params map[string]string) int {
	switch endpoint {
	case "/fapi/v1/klines":
		limit, err := strconv.Atoi(params["limit"])
		if err != nil {
			limit = 500
		}
		switch {
		case limit < 100:
			return 1
		case limit < 500:
			return 2
		case limit <= 1000:
			return 5
		default:
			return 10
		}
	case "/fapi/v1/ticker/24hr":
		if params["symbol"] == "" {
			return 40
		}
		return 1
	case "/fapi/v1/ticker/price":
		if params["symbol"] == "" {
			return 2
		}
		return 1
	case "/fapi/v1/exchangeInfo":
		return 1
	default:
		return 1
	}
}

var banUntilPattern = regexp.MustCompile(`banned until (\d+)`)

// ParseBanUntilFromError extracts the ban expiry (ms) from a Binance error message
func ParseBanUntilFromError(errMsg string, now time.Time) int64 {
	m := banUntilPattern.FindStringSubmatch(errMsg)
	if m == nil {
		return 0
	}
	banUntil, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	if banUntil > now.UnixMilli() && banUntil < now.Add(24*time.Hour).UnixMilli() {
		return banUntil
	}
	return 0
}
