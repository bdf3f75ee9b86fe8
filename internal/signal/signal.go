// Package signal defines the candidate signal record and its lifecycle vocabulary.
package signal

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Direction is the side a candidate signal suggests
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Valid reports whether d is BUY or SELL
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// Opposite returns the other side
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for BUY and -1 for SELL
func (d Direction) Sign() float64 {
	if d == Sell {
		return -1
	}
	return 1
}

// Status is the lifecycle state of a signal. Only PENDING is non-terminal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
)

// IsTerminal reports whether no further status change is allowed
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusRejected || s == StatusExpired
}

// Valid reports whether s is one of the four known states
func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// ParseStatus converts an API/query string to a Status
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Class is the quality tier of a signal
type Class string

const (
	ClassPremium      Class = "PREMIUM"
	ClassElite        Class = "ELITE"
	ClassBTCConfirmed Class = "BTC_CONFIRMED"
)

// Trend is a directional market regime
type Trend string

const (
	TrendBullish Trend = "BULLISH"
	TrendBearish Trend = "BEARISH"
	TrendNeutral Trend = "NEUTRAL"
)

// Matches reports whether the trend points the same way as d
func (t Trend) Matches(d Direction) bool {
	return (t == TrendBullish && d == Buy) || (t == TrendBearish && d == Sell)
}

// Opposes reports whether the trend points against d
func (t Trend) Opposes(d Direction) bool {
	return (t == TrendBullish && d == Sell) || (t == TrendBearish && d == Buy)
}

// Criterion names a confirmation or rejection predicate, or a terminal reason
type Criterion string

// Confirmation criteria, in evaluation order
const (
	BreakoutConfirmed Criterion = "BREAKOUT_CONFIRMED"
	VolumeConfirmed   Criterion = "VOLUME_CONFIRMED"
	BTCAligned        Criterion = "BTC_ALIGNED"
	MomentumSustained Criterion = "MOMENTUM_SUSTAINED"
)

// Rejection criteria, in evaluation order
const (
	ReversalDetected   Criterion = "REVERSAL_DETECTED"
	VolumeInsufficient Criterion = "VOLUME_INSUFFICIENT"
	BTCOpposite        Criterion = "BTC_OPPOSITE"
	TimeoutExpired     Criterion = "TIMEOUT_EXPIRED"
)

// Terminal reasons that are not evaluation criteria
const (
	SystemError     Criterion = "SYSTEM_ERROR"
	OperatorExpired Criterion = "OPERATOR_EXPIRED"
)

// Signal is a candidate emitted by the generator and driven to a terminal
// status by the confirmation engine. All timestamps are UTC.
type Signal struct {
	ID                   string      `json:"id"`
	Symbol               string      `json:"symbol"`
	Direction            Direction   `json:"direction"`
	EntryPrice           float64     `json:"entry_price"`
	TargetPrice          float64     `json:"target_price"`
	StopLoss             float64     `json:"stop_loss"`
	QualityScore         float64     `json:"quality_score"`
	Class                Class       `json:"signal_class"`
	Timeframe            string      `json:"timeframe"`
	CreatedAt            time.Time   `json:"created_at"`
	ExpiresAt            time.Time   `json:"expires_at"`
	BTCCorrelation       float64     `json:"btc_correlation"`
	BTCTrend             Trend       `json:"btc_trend"`
	Status               Status      `json:"status"`
	ConfirmationAttempts int         `json:"confirmation_attempts"`
	LastEvaluatedAt      time.Time   `json:"last_evaluated_at"`
	TerminalReason       Criterion   `json:"terminal_reason,omitempty"`
	ConfirmationReasons  []Criterion `json:"confirmation_reasons,omitempty"`
	RejectionReasons     []Criterion `json:"rejection_reasons,omitempty"`
	ConfirmedAt          *time.Time  `json:"confirmed_at,omitempty"`
	Archived             bool        `json:"archived"`
	ArchivedAt           *time.Time  `json:"archived_at,omitempty"`
}

// ErrInvalid is wrapped by every Validate failure
var ErrInvalid = errors.New("invalid signal")

// Validate checks the structural invariants of a freshly generated candidate
func (s *Signal) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalid)
	case s.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalid)
	case !s.Direction.Valid():
		return fmt.Errorf("%w: direction %q", ErrInvalid, s.Direction)
	case !s.Status.Valid():
		return fmt.Errorf("%w: status %q", ErrInvalid, s.Status)
	case math.IsNaN(s.EntryPrice) || s.EntryPrice <= 0:
		return fmt.Errorf("%w: entry price %v", ErrInvalid, s.EntryPrice)
	case s.Direction == Buy && !(s.EntryPrice < s.TargetPrice):
		return fmt.Errorf("%w: BUY target %v not above entry %v", ErrInvalid, s.TargetPrice, s.EntryPrice)
	case s.Direction == Sell && !(s.EntryPrice > s.TargetPrice):
		return fmt.Errorf("%w: SELL target %v not below entry %v", ErrInvalid, s.TargetPrice, s.EntryPrice)
	case math.IsNaN(s.QualityScore) || s.QualityScore < 0 || s.QualityScore > 100:
		return fmt.Errorf("%w: quality score %v", ErrInvalid, s.QualityScore)
	case s.BTCCorrelation < -1 || s.BTCCorrelation > 1:
		return fmt.Errorf("%w: btc correlation %v", ErrInvalid, s.BTCCorrelation)
	case !s.ExpiresAt.After(s.CreatedAt):
		return fmt.Errorf("%w: expires_at not after created_at", ErrInvalid)
	}
	return nil
}

// Clone returns a deep copy so callers never share slices with the store index
func (s *Signal) Clone() *Signal {
	c := *s
	c.ConfirmationReasons = append([]Criterion(nil), s.ConfirmationReasons...)
	c.RejectionReasons = append([]Criterion(nil), s.RejectionReasons...)
	if s.ConfirmedAt != nil {
		t := *s.ConfirmedAt
		c.ConfirmedAt = &t
	}
	if s.ArchivedAt != nil {
		t := *s.ArchivedAt
		c.ArchivedAt = &t
	}
	return &c
}

// Age returns how long ago the signal was created relative to now
func (s *Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Observation is the payload of a status transition
type Observation struct {
	Status              Status
	ConfirmationReasons []Criterion
	RejectionReasons    []Criterion
	TerminalReason      Criterion
	At                  time.Time
}
