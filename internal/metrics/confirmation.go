// Package metrics keeps the process-wide confirmation counters and mirrors
// them, with gateway and scheduler telemetry, to Prometheus.
package metrics

import (
	"sync"
	"time"

	"binance-signal-engine/internal/signal"
)

// Snapshot is a consistent read of the confirmation counters
type Snapshot struct {
	TotalProcessed          int64     `json:"total_processed"`
	ConfirmedSignals        int64     `json:"confirmed_signals"`
	RejectedSignals         int64     `json:"rejected_signals"`
	ExpiredSignals          int64     `json:"expired_signals"`
	PendingSignals          int64     `json:"pending_signals"`
	ConfirmationRate        float64   `json:"confirmation_rate"`
	AverageConfirmationTime float64   `json:"average_confirmation_time_seconds"`
	LastReset               time.Time `json:"last_reset"`
}

// Confirmation holds counters reset on every daily restart
type Confirmation struct {
	mu sync.Mutex

	processed int64
	confirmed int64
	rejected  int64
	expired   int64
	pending   int64

	confirmTime time.Duration
	lastReset   time.Time

	rec *Recorder
}

// NewConfirmation creates zeroed counters mirrored to rec (which may be nil)
func NewConfirmation(rec *Recorder, now time.Time) *Confirmation {
	return &Confirmation{rec: rec, lastReset: now}
}

// RecordOutcome counts one evaluation. For CONFIRMED, sinceCreated is the
// time from creation to confirmation. A terminal outcome leaves the pending set.
func (c *Confirmation) RecordOutcome(status signal.Status, sinceCreated time.Duration) {
	c.mu.Lock()
	c.processed++
	switch status {
	case signal.StatusConfirmed:
		c.confirmed++
		c.confirmTime += sinceCreated
	case signal.StatusRejected:
		c.rejected++
	case signal.StatusExpired:
		c.expired++
	}
	if status.IsTerminal() && c.pending > 0 {
		c.pending--
	}
	rate := c.rateLocked()
	pending := c.pending
	c.mu.Unlock()

	c.rec.RecordDecision(string(status))
	c.rec.SetConfirmationRate(rate)
	c.rec.SetPending(pending)
}

// RecordTerminal counts a terminal transition made outside an evaluation,
// such as a restart expiry or an operator action. It does not count as processed.
func (c *Confirmation) RecordTerminal(status signal.Status) {
	c.mu.Lock()
	switch status {
	case signal.StatusRejected:
		c.rejected++
	case signal.StatusExpired:
		c.expired++
	case signal.StatusConfirmed:
		c.confirmed++
	}
	if c.pending > 0 {
		c.pending--
	}
	rate := c.rateLocked()
	pending := c.pending
	c.mu.Unlock()

	c.rec.RecordDecision(string(status))
	c.rec.SetConfirmationRate(rate)
	c.rec.SetPending(pending)
}

// SetPending records the current size of the pending set
func (c *Confirmation) SetPending(n int64) {
	c.mu.Lock()
	c.pending = n
	c.mu.Unlock()
	c.rec.SetPending(n)
}

// AddPending adjusts the pending count when candidates are inserted
func (c *Confirmation) AddPending(n int64) {
	c.mu.Lock()
	c.pending += n
	pending := c.pending
	c.mu.Unlock()
	c.rec.SetPending(pending)
}

// Reset zeroes every counter and sets pending to the still-open count
func (c *Confirmation) Reset(pending int64, now time.Time) {
	c.mu.Lock()
	c.processed, c.confirmed, c.rejected, c.expired = 0, 0, 0, 0
	c.confirmTime = 0
	c.pending = pending
	c.lastReset = now
	c.mu.Unlock()

	c.rec.SetPending(pending)
	c.rec.SetConfirmationRate(0)
}

// Snapshot returns a consistent copy of the counters
func (c *Confirmation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		TotalProcessed:   c.processed,
		ConfirmedSignals: c.confirmed,
		RejectedSignals:  c.rejected,
		ExpiredSignals:   c.expired,
		PendingSignals:   c.pending,
		ConfirmationRate: c.rateLocked(),
		LastReset:        c.lastReset,
	}
	if c.confirmed > 0 {
		s.AverageConfirmationTime = (c.confirmTime / time.Duration(c.confirmed)).Seconds()
	}
	return s
}

func (c *Confirmation) rateLocked() float64 {
	total := c.confirmed + c.rejected + c.expired
	if total == 0 {
		return 0
	}
	return float64(c.confirmed) / float64(total)
}
