package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"binance-signal-engine/internal/logging"
	"binance-signal-engine/internal/metrics"
	"binance-signal-engine/internal/signal"
)

// Severity ranks a notification
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification represents a notification message
type Notification struct {
	Title     string
	Body      string
	Severity  Severity
	Symbol    string
	Timestamp time.Time
	Data      map[string]string
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to every enabled provider
type Manager struct {
	notifiers []Notifier
	recorder  *metrics.Recorder
	logger    *logging.Logger
}

// NewManager creates a new notification manager. rec may be nil.
func NewManager(rec *metrics.Recorder, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		notifiers: make([]Notifier, 0),
		recorder:  rec,
		logger:    logger.WithComponent("notification"),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Enabled returns the names of the enabled providers
func (m *Manager) Enabled() []string {
	var names []string
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			names = append(names, n.Name())
		}
	}
	return names
}

// Send pushes (title, body, severity) to every enabled provider
func (m *Manager) Send(ctx context.Context, title, body string, severity Severity) error {
	return m.Deliver(ctx, &Notification{
		Title:     title,
		Body:      body,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
	})
}

// Deliver sends n to every enabled provider and joins their errors
func (m *Manager) Deliver(ctx context.Context, n *Notification) error {
	var errs []error
	for _, p := range m.notifiers {
		if !p.IsEnabled() {
			continue
		}
		if err := p.Send(ctx, n); err != nil {
			m.recorder.RecordNotification(p.Name(), "error")
			logging.NotificationContext(m.logger, p.Name()).Warn("Notification failed", "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		m.recorder.RecordNotification(p.Name(), "ok")
	}
	return errors.Join(errs...)
}

// SignalConfirmed announces a CONFIRMED signal
func (m *Manager) SignalConfirmed(ctx context.Context, sig *signal.Signal) error {
	return m.Deliver(ctx, ConfirmedNotification(sig))
}

// ConfirmedNotification formats a CONFIRMED signal
func ConfirmedNotification(sig *signal.Signal) *Notification {
	reasons := make([]string, len(sig.ConfirmationReasons))
	for i, r := range sig.ConfirmationReasons {
		reasons[i] = string(r)
	}
	at := time.Now().UTC()
	if sig.ConfirmedAt != nil {
		at = *sig.ConfirmedAt
	}
	return &Notification{
		Title: fmt.Sprintf("%s %s confirmed", sig.Symbol, sig.Direction),
		Body: fmt.Sprintf("Entry: %.4f | Target: %.4f | Stop: %.4f\nScore: %.0f | BTC: %s (r=%.2f)\nReasons: %s",
			sig.EntryPrice, sig.TargetPrice, sig.StopLoss, sig.QualityScore, sig.BTCTrend, sig.BTCCorrelation,
			strings.Join(reasons, ", ")),
		Severity:  SeverityInfo,
		Symbol:    sig.Symbol,
		Timestamp: at,
		Data: map[string]string{
			"signal_id": sig.ID,
			"symbol":    sig.Symbol,
			"direction": string(sig.Direction),
			"entry":     fmt.Sprintf("%g", sig.EntryPrice),
			"target":    fmt.Sprintf("%g", sig.TargetPrice),
			"stop_loss": fmt.Sprintf("%g", sig.StopLoss),
		},
	}
}
