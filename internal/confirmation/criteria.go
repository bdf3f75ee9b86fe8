// Package confirmation drives PENDING signals to a terminal status by
// evaluating live price, volume, momentum and BTC context every tick.
package confirmation

import (
	"time"

	"binance-signal-engine/internal/binance"
	"binance-signal-engine/internal/btc"
	"binance-signal-engine/internal/indicators"
	"binance-signal-engine/internal/signal"
)

// epsilon absorbs float rounding so boundary values such as exactly 0.5 % fire
const epsilon = 1e-9

// Thresholds parameterize the criteria and the decision rule
type Thresholds struct {
	BreakoutPct             float64
	ReversalPct             float64
	VolumeConfirmRatio      float64
	VolumeInsufficientRatio float64
	BTCOppositeStrength     float64
	EliteNeutralScore       float64
	MaxAttempts             int
	MinConfirmations        int
	MinRejections           int
	MaxConsecutiveFailures  int
}

// DefaultThresholds returns the documented defaults
func DefaultThresholds() Thresholds {
	return Thresholds{
		BreakoutPct:             0.5,
		ReversalPct:             1.0,
		VolumeConfirmRatio:      1.2,
		VolumeInsufficientRatio: 0.8,
		BTCOppositeStrength:     60,
		EliteNeutralScore:       90,
		MaxAttempts:             12,
		MinConfirmations:        3,
		MinRejections:           2,
		MaxConsecutiveFailures:  10,
	}
}

// Market is the live data one evaluation reads
type Market struct {
	Price  float64
	Klines []binance.Kline // closed 1h bars, oldest first
	BTC    btc.Consolidated
	Now    time.Time
}

// Criteria is the outcome of every predicate, in evaluation order
type Criteria struct {
	Confirmations []signal.Criterion
	Rejections    []signal.Criterion
	Timeout       bool
}

// Assess evaluates the four confirmation and four rejection criteria
func Assess(sig *signal.Signal, m Market, th Thresholds) Criteria {
	var c Criteria

	move := (m.Price - sig.EntryPrice) / sig.EntryPrice * 100 * sig.Direction.Sign()
	ratio := indicators.Compute(m.Klines).VolumeRatio()

	if move >= th.BreakoutPct-epsilon {
		c.Confirmations = append(c.Confirmations, signal.BreakoutConfirmed)
	}
	if indicators.Known(ratio) && ratio >= th.VolumeConfirmRatio-epsilon {
		c.Confirmations = append(c.Confirmations, signal.VolumeConfirmed)
	}
	if m.BTC.Trend.Matches(sig.Direction) ||
		(m.BTC.Trend == signal.TrendNeutral && sig.QualityScore >= th.EliteNeutralScore) {
		c.Confirmations = append(c.Confirmations, signal.BTCAligned)
	}
	if momentumSustained(m.Klines, sig.Direction) {
		c.Confirmations = append(c.Confirmations, signal.MomentumSustained)
	}

	if -move >= th.ReversalPct-epsilon {
		c.Rejections = append(c.Rejections, signal.ReversalDetected)
	}
	if indicators.Known(ratio) && ratio < th.VolumeInsufficientRatio-epsilon {
		c.Rejections = append(c.Rejections, signal.VolumeInsufficient)
	}
	if m.BTC.Trend.Opposes(sig.Direction) && m.BTC.Strength >= th.BTCOppositeStrength {
		c.Rejections = append(c.Rejections, signal.BTCOpposite)
	}
	if timedOut(sig, m.Now, th) {
		c.Timeout = true
		c.Rejections = append(c.Rejections, signal.TimeoutExpired)
	}
	return c
}

func timedOut(sig *signal.Signal, now time.Time, th Thresholds) bool {
	return sig.ConfirmationAttempts >= th.MaxAttempts || !now.Before(sig.ExpiresAt)
}

// momentumSustained reports whether at least two of the last three closed
// bars closed in the signal's direction relative to their open.
func momentumSustained(klines []binance.Kline, dir signal.Direction) bool {
	if len(klines) < 3 {
		return false
	}
	n := 0
	for _, k := range klines[len(klines)-3:] {
		if (k.Close-k.Open)*dir.Sign() > 0 {
			n++
		}
	}
	return n >= 2
}

// Decision is the status a Criteria set maps to
type Decision struct {
	Status         signal.Status
	TerminalReason signal.Criterion
}

// Decide applies the decision rule. Confirmation wins over rejection unless
// the signal has timed out; a timeout that is the sole rejection expires it.
func Decide(c Criteria, th Thresholds) Decision {
	if len(c.Confirmations) >= th.MinConfirmations && !c.Timeout {
		return Decision{Status: signal.StatusConfirmed}
	}
	if len(c.Rejections) >= th.MinRejections || c.Timeout {
		if c.Timeout && len(c.Rejections) == 1 {
			return Decision{Status: signal.StatusExpired, TerminalReason: signal.TimeoutExpired}
		}
		return Decision{Status: signal.StatusRejected, TerminalReason: c.Rejections[0]}
	}
	return Decision{Status: signal.StatusPending}
}
