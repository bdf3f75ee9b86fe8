package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"binance-signal-engine/config"
	"binance-signal-engine/internal/logging"
	"binance-signal-engine/internal/signal"
)

var (
	// ErrNotFound is returned when a signal id is unknown
	ErrNotFound = errors.New("signal not found")
	// ErrInvalidTransition is returned when a terminal signal would be mutated
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidSignal wraps candidate validation failures on insert
	ErrInvalidSignal = errors.New("invalid signal")
)

// EventKind classifies a scheduler log entry
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventSkipped   EventKind = "skipped"
	EventOverrun   EventKind = "overrun"
	EventRestart   EventKind = "restart"
)

// SchedulerEvent is one append-only job log entry
type SchedulerEvent struct {
	ID       int64         `json:"id"`
	Job      string        `json:"job"`
	RunID    string        `json:"run_id"`
	Kind     EventKind     `json:"kind"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	At       time.Time     `json:"at"`
}

// Backend is the durable table layer beneath SignalStore
type Backend interface {
	Migrate(ctx context.Context) error
	LoadSignals(ctx context.Context) ([]*signal.Signal, error)
	// InsertSignal stores s unless its id exists; inserted reports which happened
	InsertSignal(ctx context.Context, s *signal.Signal) (inserted bool, err error)
	UpdateSignal(ctx context.Context, s *signal.Signal) error
	DeleteSignal(ctx context.Context, id string) error
	AppendSchedulerEvent(ctx context.Context, e *SchedulerEvent) error
	ListSchedulerEvents(ctx context.Context, job string, limit int) ([]SchedulerEvent, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open creates the backend selected by cfg.Driver and migrates it
func Open(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Driver {
	case "postgres":
		b, err = NewPostgres(ctx, cfg, logger)
	case "sqlite", "":
		b, err = NewSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := b.Migrate(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.Driver, err)
	}
	return b, nil
}

func encodeReasons(reasons []signal.Criterion) string {
	if len(reasons) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(reasons)
	return string(data)
}

func decodeReasons(raw string) ([]signal.Criterion, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var out []signal.Criterion
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode reasons: %w", err)
	}
	return out, nil
}
