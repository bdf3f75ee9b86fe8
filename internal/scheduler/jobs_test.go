package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"binance-signal-engine/config"
	"binance-signal-engine/internal/binance"
	"binance-signal-engine/internal/clock"
	"binance-signal-engine/internal/confirmation"
	"binance-signal-engine/internal/database"
	"binance-signal-engine/internal/metrics"
	"binance-signal-engine/internal/scanner"
	"binance-signal-engine/internal/signal"
)

type stubGenerator struct {
	universe []string
	err      error
	scans    int
}

func (g *stubGenerator) RefreshUniverse(ctx context.Context) ([]string, error) {
	return g.universe, g.err
}

func (g *stubGenerator) Scan(ctx context.Context) (*scanner.ScanResult, error) {
	g.scans++
	return &scanner.ScanResult{}, nil
}

type jobsFixture struct {
	jobs      *Jobs
	store     *database.SignalStore
	clock     *clock.Fake
	counters  *metrics.Confirmation
	generator *stubGenerator
}

func newJobsFixture(t *testing.T) *jobsFixture {
	t.Helper()
	clk := clock.NewFake(epoch)
	store := newTestStore(t, clk)
	counters := metrics.NewConfirmation(nil, epoch)
	engine := confirmation.NewEngine(store, binance.NewMockClient(), nil, clk, confirmation.Config{}, nil,
		confirmation.WithMetrics(counters, nil))
	gen := &stubGenerator{universe: []string{"BTCUSDT", "ETHUSDT"}}
	return &jobsFixture{
		jobs:      NewJobs(engine, gen, store, counters, nil, clk, 0, nil),
		store:     store,
		clock:     clk,
		counters:  counters,
		generator: gen,
	}
}

func (f *jobsFixture) insert(t *testing.T, id string, created time.Time) {
	t.Helper()
	sig := &signal.Signal{
		ID:           id,
		Symbol:       "ETHUSDT",
		Direction:    signal.Buy,
		EntryPrice:   2000,
		TargetPrice:  2060,
		StopLoss:     1970,
		QualityScore: 85,
		Class:        signal.ClassPremium,
		Timeframe:    "1h",
		CreatedAt:    created,
		ExpiresAt:    created.Add(4 * time.Hour),
		Status:       signal.StatusPending,
	}
	if _, _, err := f.store.Insert(context.Background(), sig); err != nil {
		t.Fatalf("Insert %s failed: %v", id, err)
	}
}

func (f *jobsFixture) confirm(t *testing.T, id string) {
	t.Helper()
	if _, err := f.store.Transition(context.Background(), id, signal.Observation{
		Status:              signal.StatusConfirmed,
		ConfirmationReasons: []signal.Criterion{signal.BreakoutConfirmed, signal.VolumeConfirmed, signal.BTCAligned},
	}); err != nil {
		t.Fatalf("Transition %s failed: %v", id, err)
	}
}

func (f *jobsFixture) status(t *testing.T, id string) *signal.Signal {
	t.Helper()
	sig, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s failed: %v", id, err)
	}
	return sig
}

func TestRestartExpiresStalePending(t *testing.T) {
	f := newJobsFixture(t)
	f.insert(t, "stale", epoch.Add(-25*time.Hour))
	f.insert(t, "fresh", epoch.Add(-time.Hour))
	f.insert(t, "done", epoch.Add(-30*time.Hour))
	f.confirm(t, "done")
	f.counters.RecordOutcome(signal.StatusConfirmed, time.Minute)

	report, err := f.jobs.Restart(context.Background())
	if err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if report.Expired != 1 || report.Universe != 2 {
		t.Errorf("Expected 1 expired and universe 2, got %+v", report)
	}

	stale := f.status(t, "stale")
	if stale.Status != signal.StatusExpired || stale.TerminalReason != signal.TimeoutExpired {
		t.Errorf("Expected stale signal EXPIRED by TIMEOUT_EXPIRED, got %s %s", stale.Status, stale.TerminalReason)
	}
	if f.status(t, "fresh").Status != signal.StatusPending {
		t.Error("Expected fresh signal left PENDING")
	}
	if f.status(t, "done").Status != signal.StatusConfirmed {
		t.Error("Expected terminal signal untouched")
	}

	snap := f.counters.Snapshot()
	if snap.TotalProcessed != 0 || snap.ConfirmedSignals != 0 || snap.ExpiredSignals != 0 || snap.PendingSignals != 1 {
		t.Errorf("Expected counters reset with 1 pending, got %+v", snap)
	}
	if !snap.LastReset.Equal(epoch) {
		t.Errorf("Expected last reset at %v, got %v", epoch, snap.LastReset)
	}

	evs, _ := f.store.ListSchedulerEvents(context.Background(), JobRestart, 10)
	if len(evs) != 1 || evs[0].Kind != database.EventRestart || evs[0].Message != "expired=1 universe=2" {
		t.Errorf("Expected restart record, got %+v", evs)
	}
}

func TestRestartContinuesAfterRefreshFailure(t *testing.T) {
	f := newJobsFixture(t)
	f.generator.universe = nil
	f.generator.err = errors.New("exchange down")
	f.insert(t, "stale", epoch.Add(-48*time.Hour))

	report, err := f.jobs.Restart(context.Background())
	if err == nil {
		t.Error("Expected refresh error reported")
	}
	if report.Expired != 1 {
		t.Errorf("Expected stale signal still expired, got %+v", report)
	}
}

func TestSweepCutoffs(t *testing.T) {
	f := newJobsFixture(t)
	f.insert(t, "old", epoch.Add(-30*time.Hour))
	f.confirm(t, "old")
	f.insert(t, "recent", epoch.Add(-2*time.Hour))
	f.confirm(t, "recent")
	f.insert(t, "future", epoch.Add(time.Hour))

	res, err := f.jobs.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Archived != 1 || res.Removed != 1 {
		t.Errorf("Expected 1 archived and 1 removed, got %+v", res)
	}
	if !f.status(t, "old").Archived || f.status(t, "recent").Archived {
		t.Error("Expected only the signal older than 24h archived on the first sweep")
	}
	if _, err := f.store.Get(context.Background(), "future"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Expected future-dated signal removed, got %v", err)
	}

	f.clock.Advance(11 * time.Hour)
	res, _ = f.jobs.Sweep(context.Background())
	if res.Archived != 1 || !f.status(t, "recent").Archived {
		t.Errorf("Expected the second sweep to archive signals created before the first, got %+v", res)
	}
	if !f.jobs.LastSweep().Equal(epoch.Add(11 * time.Hour)) {
		t.Errorf("Unexpected last sweep %v", f.jobs.LastSweep())
	}
}

func TestLoadLastSweep(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	f.store.AppendSchedulerEvent(ctx, database.SchedulerEvent{Job: JobMorningSweep, Kind: database.EventSucceeded, Duration: time.Second, At: epoch.Add(-11 * time.Hour)})
	f.store.AppendSchedulerEvent(ctx, database.SchedulerEvent{Job: JobEveningSweep, Kind: database.EventSucceeded, Duration: time.Second, At: epoch.Add(-2 * time.Hour)})
	f.store.AppendSchedulerEvent(ctx, database.SchedulerEvent{Job: JobEveningSweep, Kind: database.EventFailed, At: epoch.Add(-time.Hour)})

	if err := f.jobs.LoadLastSweep(ctx); err != nil {
		t.Fatalf("LoadLastSweep failed: %v", err)
	}
	want := epoch.Add(-2*time.Hour - time.Second)
	if !f.jobs.LastSweep().Equal(want) {
		t.Errorf("Expected %v, got %v", want, f.jobs.LastSweep())
	}
}

func TestRegister(t *testing.T) {
	f := newJobsFixture(t)
	s := NewScheduler(f.clock, f.store, nil)
	cfg := config.SchedulerConfig{
		Timezone:         "America/Sao_Paulo",
		RestartHour:      21,
		MorningSweepHour: 10,
		EveningSweepHour: 21,
		EngineTick:       20 * time.Second,
		ScanInterval:     15 * time.Minute,
	}
	if err := Register(s, f.jobs, cfg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	names := []string{JobRestart, JobEngineTick, JobEveningSweep, JobMorningSweep, JobScan}
	st := s.Status()
	if len(st) != len(names) {
		t.Fatalf("Expected %d jobs, got %+v", len(names), st)
	}
	for i, want := range []string{JobRestart, JobEngineTick, JobEveningSweep, JobMorningSweep, JobScan} {
		if st[i].Name != want {
			t.Errorf("Expected job %d to be %s, got %s", i, want, st[i].Name)
		}
	}

	if _, err := s.RunNow(context.Background(), JobScan); err != nil || f.generator.scans != 1 {
		t.Errorf("Expected scan job to drive the generator, got err=%v scans=%d", err, f.generator.scans)
	}

	cfg.Timezone = "Nowhere/Land"
	if err := Register(NewScheduler(f.clock, nil, nil), f.jobs, cfg); err == nil {
		t.Error("Expected error for unknown time zone")
	}
}
