package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"binance-signal-engine/config"
	"binance-signal-engine/internal/clock"
	"binance-signal-engine/internal/confirmation"
	"binance-signal-engine/internal/database"
	"binance-signal-engine/internal/events"
	"binance-signal-engine/internal/logging"
	"binance-signal-engine/internal/metrics"
	"binance-signal-engine/internal/scanner"
	"binance-signal-engine/internal/signal"
)

// Job names
const (
	JobRestart      = "daily_restart"
	JobMorningSweep = "morning_sweep"
	JobEveningSweep = "evening_sweep"
	JobEngineTick   = "engine_tick"
	JobScan         = "scan"
)

// DefaultStaleAfter is how old a PENDING signal must be for the restart to expire it
const DefaultStaleAfter = 24 * time.Hour

// Engine is the slice of the confirmation engine the jobs drive
type Engine interface {
	Tick(ctx context.Context) (confirmation.Summary, error)
	Expire(ctx context.Context, id string, reason signal.Criterion) (*signal.Signal, error)
}

// Generator is the slice of the candidate generator the jobs drive
type Generator interface {
	RefreshUniverse(ctx context.Context) ([]string, error)
	Scan(ctx context.Context) (*scanner.ScanResult, error)
}

// Store is the slice of the signal store the jobs use
type Store interface {
	List(ctx context.Context, f database.Filter) []*signal.Signal
	Count(f database.Filter) int
	SweepOlderThan(ctx context.Context, cutoff time.Time) (database.SweepResult, error)
	AppendSchedulerEvent(ctx context.Context, e database.SchedulerEvent) error
	ListSchedulerEvents(ctx context.Context, job string, limit int) ([]database.SchedulerEvent, error)
}

// RestartReport summarizes one daily restart
type RestartReport struct {
	At       time.Time `json:"at"`
	Expired  int       `json:"expired"`
	Universe int       `json:"universe"`
}

// Jobs holds the bodies of the engine's scheduled jobs
type Jobs struct {
	engine     Engine
	generator  Generator
	store      Store
	counters   *metrics.Confirmation
	bus        *events.EventBus
	clock      clock.Clock
	staleAfter time.Duration
	logger     *logging.Logger

	mu        sync.Mutex
	lastSweep time.Time
}

// NewJobs wires the job bodies. counters and bus may be nil.
func NewJobs(engine Engine, generator Generator, store Store, counters *metrics.Confirmation, bus *events.EventBus, clk clock.Clock, staleAfter time.Duration, logger *logging.Logger) *Jobs {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Jobs{
		engine:     engine,
		generator:  generator,
		store:      store,
		counters:   counters,
		bus:        bus,
		clock:      clk,
		staleAfter: staleAfter,
		logger:     logger.WithComponent("jobs"),
	}
}

// Restart clears the confirmation counters, refreshes the universe and expires
// PENDING signals older than the stale window. Every step runs even when an
// earlier one fails; the errors are returned joined.
func (j *Jobs) Restart(ctx context.Context) (RestartReport, error) {
	now := j.clock.Now()
	report := RestartReport{At: now}
	var errs []error

	universe, err := j.generator.RefreshUniverse(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("refresh universe: %w", err))
	}
	report.Universe = len(universe)

	cutoff := now.Add(-j.staleAfter)
	for _, sig := range j.store.List(ctx, database.Filter{Status: signal.StatusPending}) {
		if !sig.CreatedAt.Before(cutoff) {
			continue
		}
		if _, err := j.engine.Expire(ctx, sig.ID, signal.TimeoutExpired); err != nil {
			if !errors.Is(err, database.ErrInvalidTransition) {
				errs = append(errs, fmt.Errorf("expire %s: %w", sig.ID, err))
			}
			continue
		}
		report.Expired++
	}

	if j.counters != nil {
		j.counters.Reset(int64(j.store.Count(database.Filter{Status: signal.StatusPending})), now)
	}

	msg := fmt.Sprintf("expired=%d universe=%d", report.Expired, report.Universe)
	if err := j.store.AppendSchedulerEvent(ctx, database.SchedulerEvent{
		Job: JobRestart, Kind: database.EventRestart, Message: msg, At: now,
	}); err != nil {
		errs = append(errs, fmt.Errorf("restart record: %w", err))
	}
	j.bus.PublishRestart(now, report.Expired, report.Universe)

	j.logger.Info("Daily restart complete", "expired", report.Expired, "universe", report.Universe)
	return report, errors.Join(errs...)
}

// Sweep archives terminal signals created before the previous sweep (or the
// stale window on the first sweep) and drops candidates dated in the future.
func (j *Jobs) Sweep(ctx context.Context) (database.SweepResult, error) {
	now := j.clock.Now()

	j.mu.Lock()
	cutoff := j.lastSweep
	j.mu.Unlock()
	if cutoff.IsZero() {
		cutoff = now.Add(-j.staleAfter)
	}

	res, err := j.store.SweepOlderThan(ctx, cutoff)
	if err != nil {
		return res, err
	}

	j.mu.Lock()
	j.lastSweep = now
	j.mu.Unlock()

	j.logger.Info("Sweep complete", "cutoff", cutoff, "archived", res.Archived, "removed", res.Removed)
	return res, nil
}

// LastSweep returns when the previous successful sweep started
func (j *Jobs) LastSweep() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSweep
}

// LoadLastSweep restores the previous sweep time from the durable job log
func (j *Jobs) LoadLastSweep(ctx context.Context) error {
	var latest time.Time
	for _, name := range []string{JobMorningSweep, JobEveningSweep} {
		evs, err := j.store.ListSchedulerEvents(ctx, name, 20)
		if err != nil {
			return fmt.Errorf("failed to load %s history: %w", name, err)
		}
		for _, e := range evs {
			if e.Kind != database.EventSucceeded {
				continue
			}
			if start := e.At.Add(-e.Duration); start.After(latest) {
				latest = start
			}
			break
		}
	}
	if !latest.IsZero() {
		j.mu.Lock()
		j.lastSweep = latest
		j.mu.Unlock()
	}
	return nil
}

// Register adds the five engine jobs to s using cfg's wall-clock settings
func Register(s *Scheduler, j *Jobs, cfg config.SchedulerConfig) error {
	restart, err := NewDaily(cfg.RestartHour, cfg.RestartMinute, cfg.Timezone)
	if err != nil {
		return err
	}
	morning, err := NewDaily(cfg.MorningSweepHour, 0, cfg.Timezone)
	if err != nil {
		return err
	}
	evening, err := NewDaily(cfg.EveningSweepHour, 0, cfg.Timezone)
	if err != nil {
		return err
	}
	tick := cfg.EngineTick
	if tick <= 0 {
		tick = confirmation.DefaultTick
	}
	scan := cfg.ScanInterval
	if scan <= 0 {
		scan = 15 * time.Minute
	}

	sweep := func(ctx context.Context) error {
		_, err := j.Sweep(ctx)
		return err
	}
	jobs := []Job{
		{Name: JobRestart, Schedule: restart, Timeout: 5 * time.Minute, Run: func(ctx context.Context) error {
			_, err := j.Restart(ctx)
			return err
		}},
		{Name: JobMorningSweep, Schedule: morning, Timeout: 5 * time.Minute, Run: sweep},
		{Name: JobEveningSweep, Schedule: evening, Timeout: 5 * time.Minute, Run: sweep},
		{Name: JobEngineTick, Schedule: Every{Interval: tick}, Quiet: true, Run: func(ctx context.Context) error {
			_, err := j.engine.Tick(ctx)
			return err
		}},
		{Name: JobScan, Schedule: Every{Interval: scan}, Timeout: scan, Run: func(ctx context.Context) error {
			_, err := j.generator.Scan(ctx)
			return err
		}},
	}
	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return err
		}
	}
	return nil
}
