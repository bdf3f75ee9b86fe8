package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"binance-signal-engine/internal/clock"
	"binance-signal-engine/internal/database"
	"binance-signal-engine/internal/events"
)

var epoch = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestStore(t *testing.T, clk clock.Clock) *database.SignalStore {
	t.Helper()
	backend, err := database.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	if err := backend.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	store, err := database.NewSignalStore(context.Background(), backend, clk, time.Second, nil)
	if err != nil {
		t.Fatalf("NewSignalStore failed: %v", err)
	}
	return store
}

func (s *Scheduler) isRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[name].running
}

func TestEveryJobFiresOnClock(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := NewScheduler(clk, nil, nil)
	var runs atomic.Int32
	if err := s.Add(Job{Name: "tick", Schedule: Every{Interval: 20 * time.Second}, Run: func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	for i := int32(1); i <= 3; i++ {
		waitUntil(t, "timer armed", func() bool { return clk.Waiters() == 1 })
		clk.Advance(20 * time.Second)
		waitUntil(t, "run", func() bool { return runs.Load() == i })
	}
}

func TestTriggersCoalesce(t *testing.T) {
	s := NewScheduler(clock.NewFake(epoch), nil, nil)
	release := make(chan struct{})
	var runs atomic.Int32
	s.Add(Job{Name: "slow", Schedule: Every{Interval: time.Minute}, Run: func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}})
	st := s.jobs["slow"]

	if !s.trigger(st) {
		t.Fatal("Expected first trigger to start a run")
	}
	waitUntil(t, "first run", func() bool { return runs.Load() == 1 })
	if s.trigger(st) || s.trigger(st) {
		t.Error("Expected triggers during a run to be coalesced")
	}
	close(release)

	waitUntil(t, "idle", func() bool { return !s.isRunning("slow") })
	if got := runs.Load(); got != 2 {
		t.Errorf("Expected exactly one follow-up run, got %d runs", got)
	}
}

func TestRunNow(t *testing.T) {
	clk := clock.NewFake(epoch)
	store := newTestStore(t, clk)
	s := NewScheduler(clk, store, nil)
	release := make(chan struct{})
	s.Add(Job{Name: "busy", Schedule: Every{Interval: time.Minute}, Run: func(ctx context.Context) error {
		<-release
		return nil
	}})
	s.Add(Job{Name: "quick", Schedule: Every{Interval: time.Minute}, Run: func(ctx context.Context) error { return nil }})

	runID, err := s.RunNow(context.Background(), "quick")
	if err != nil || runID == "" {
		t.Fatalf("Expected run id, got %q err=%v", runID, err)
	}
	evs, _ := store.ListSchedulerEvents(context.Background(), "quick", 10)
	if len(evs) != 2 || evs[0].Kind != database.EventSucceeded || evs[0].RunID != runID {
		t.Errorf("Expected started and succeeded events for %s, got %+v", runID, evs)
	}

	s.trigger(s.jobs["busy"])
	if _, err := s.RunNow(context.Background(), "busy"); !errors.Is(err, ErrJobRunning) {
		t.Errorf("Expected ErrJobRunning, got %v", err)
	}
	close(release)
	waitUntil(t, "busy idle", func() bool { return !s.isRunning("busy") })

	if _, err := s.RunNow(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Expected ErrUnknownJob, got %v", err)
	}
}

func TestFailureIsLoggedAndPublished(t *testing.T) {
	clk := clock.NewFake(epoch)
	store := newTestStore(t, clk)
	bus := events.NewEventBus()
	failed := make(chan events.Event, 1)
	bus.Subscribe(events.EventJobFailed, func(e events.Event) { failed <- e })

	s := NewScheduler(clk, store, nil, WithEventBus(bus))
	s.Add(Job{Name: "broken", Schedule: Every{Interval: time.Minute}, Run: func(ctx context.Context) error {
		return errors.New("exchange down")
	}})

	if _, err := s.RunNow(context.Background(), "broken"); err == nil {
		t.Fatal("Expected job error")
	}
	evs, _ := store.ListSchedulerEvents(context.Background(), "broken", 10)
	if len(evs) != 2 || evs[0].Kind != database.EventFailed || evs[0].Message != "exchange down" {
		t.Errorf("Expected failed event, got %+v", evs)
	}
	select {
	case e := <-failed:
		if e.Data["job"] != "broken" {
			t.Errorf("Unexpected event data %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Error("Expected JOB_FAILED event")
	}
	if st := s.Status(); len(st) != 1 || st[0].LastErr != "exchange down" {
		t.Errorf("Expected last error in status, got %+v", st)
	}
}

func TestQuietJobLogsOnlyFailures(t *testing.T) {
	clk := clock.NewFake(epoch)
	store := newTestStore(t, clk)
	s := NewScheduler(clk, store, nil)
	fail := false
	s.Add(Job{Name: "tick", Schedule: Every{Interval: 20 * time.Second}, Quiet: true, Run: func(ctx context.Context) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}})

	s.RunNow(context.Background(), "tick")
	if evs, _ := store.ListSchedulerEvents(context.Background(), "tick", 10); len(evs) != 0 {
		t.Errorf("Expected no events for a quiet success, got %d", len(evs))
	}
	fail = true
	s.RunNow(context.Background(), "tick")
	if evs, _ := store.ListSchedulerEvents(context.Background(), "tick", 10); len(evs) != 1 || evs[0].Kind != database.EventFailed {
		t.Errorf("Expected one failed event, got %+v", evs)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	s := NewScheduler(clock.NewFake(epoch), nil, nil)
	s.Add(Job{Name: "panics", Schedule: Every{Interval: time.Minute}, Run: func(ctx context.Context) error {
		panic("nil map")
	}})
	if _, err := s.RunNow(context.Background(), "panics"); err == nil {
		t.Error("Expected panic to surface as an error")
	}
	if s.isRunning("panics") {
		t.Error("Expected job released after panic")
	}
}

func TestOverrunRecorded(t *testing.T) {
	clk := clock.NewFake(epoch)
	store := newTestStore(t, clk)
	s := NewScheduler(clk, store, nil)
	s.Add(Job{Name: "tick", Schedule: Every{Interval: 20 * time.Second}, Quiet: true, Run: func(ctx context.Context) error {
		clk.Advance(45 * time.Second)
		return nil
	}})

	s.RunNow(context.Background(), "tick")
	evs, _ := store.ListSchedulerEvents(context.Background(), "tick", 10)
	if len(evs) != 1 || evs[0].Kind != database.EventOverrun {
		t.Errorf("Expected overrun event, got %+v", evs)
	}
}

func TestStopCancelsStuckJobs(t *testing.T) {
	s := NewScheduler(clock.NewFake(epoch), nil, nil, WithShutdownTimeout(50*time.Millisecond))
	cancelled := make(chan struct{})
	s.Add(Job{Name: "stuck", Schedule: Every{Interval: time.Hour}, Run: func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.trigger(s.jobs["stuck"])

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	select {
	case <-cancelled:
	default:
		t.Error("Expected stuck job cancelled by Stop")
	}
	if s.IsRunning() {
		t.Error("Expected scheduler stopped")
	}
}

func TestAddValidation(t *testing.T) {
	s := NewScheduler(clock.NewFake(epoch), nil, nil)
	if err := s.Add(Job{Name: "x"}); err == nil {
		t.Error("Expected error for job without schedule")
	}
	job := Job{Name: "x", Schedule: Every{Interval: time.Second}, Run: func(ctx context.Context) error { return nil }}
	s.Add(job)
	if err := s.Add(job); err == nil {
		t.Error("Expected error for duplicate job")
	}
}
