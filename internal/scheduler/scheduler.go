// Package scheduler runs wall-clock and interval jobs. Each job runs at most
// once at a time; triggers that arrive mid-run collapse into one follow-up run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"binance-signal-engine/internal/clock"
	"binance-signal-engine/internal/database"
	"binance-signal-engine/internal/events"
	"binance-signal-engine/internal/logging"
	"binance-signal-engine/internal/metrics"
)

var (
	// ErrUnknownJob is returned by RunNow for an unregistered name
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobRunning is returned by RunNow when the job is busy; a follow-up run is queued
	ErrJobRunning = errors.New("job already running")
)

// DefaultShutdownTimeout bounds how long Stop waits for in-flight runs
const DefaultShutdownTimeout = 10 * time.Second

// overrunFactor times the schedule period marks a run as overrunning
const overrunFactor = 2

// JobFunc is the body of a job
type JobFunc func(ctx context.Context) error

// Job is a named unit of scheduled work
type Job struct {
	Name     string
	Schedule Schedule
	Run      JobFunc
	// Timeout bounds a single run; zero means no limit
	Timeout time.Duration
	// Quiet jobs only write failures and overruns to the durable log
	Quiet bool
}

// EventLog persists scheduler events
type EventLog interface {
	AppendSchedulerEvent(ctx context.Context, e database.SchedulerEvent) error
}

// Option configures optional collaborators
type Option func(*Scheduler)

// WithMetrics records job outcomes and durations
func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Scheduler) { s.recorder = rec }
}

// WithEventBus publishes JOB_FAILED events
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithShutdownTimeout overrides how long Stop waits for running jobs
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

type jobState struct {
	job     Job
	running bool
	pending bool
	lastRun time.Time
	nextRun time.Time
	lastErr error
}

// JobStatus is a snapshot of one job for the admin API
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Running  bool      `json:"running"`
	LastRun  time.Time `json:"last_run,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
}

// Scheduler handles scheduled engine operations
type Scheduler struct {
	clock           clock.Clock
	log             EventLog
	logger          *logging.Logger
	recorder        *metrics.Recorder
	bus             *events.EventBus
	shutdownTimeout time.Duration

	mu       sync.Mutex
	jobs     map[string]*jobState
	running  bool
	stopChan chan struct{}
	loops    sync.WaitGroup
	runs     sync.WaitGroup

	runCtx    context.Context
	cancelRun context.CancelFunc
}

// NewScheduler creates a scheduler. eventLog may be nil.
func NewScheduler(clk clock.Clock, eventLog EventLog, logger *logging.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Scheduler{
		clock:           clk,
		log:             eventLog,
		logger:          logger.WithComponent("scheduler"),
		shutdownTimeout: DefaultShutdownTimeout,
		jobs:            make(map[string]*jobState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	return s
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Schedule == nil || job.Run == nil {
		return fmt.Errorf("job %q: name, schedule and run are required", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("job %q: scheduler already running", job.Name)
	}
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	s.jobs[job.Name] = &jobState{job: job}
	return nil
}

// Start launches one timer loop per job
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	if s.runCtx.Err() != nil {
		s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	}
	states := make([]*jobState, 0, len(s.jobs))
	for _, st := range s.jobs {
		states = append(states, st)
	}
	s.mu.Unlock()

	for _, st := range states {
		s.loops.Add(1)
		go s.loop(st)
	}
	s.logger.Info("Scheduler started", "jobs", len(states))
	return nil
}

// Stop halts the timers and waits up to the shutdown timeout for running jobs,
// cancelling their context if they do not finish in time.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("Jobs still running at shutdown, cancelling", "timeout", s.shutdownTimeout)
		s.cancelRun()
		<-done
	}
	s.cancelRun()
	s.logger.Info("Scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(st *jobState) {
	defer s.loops.Done()

	next := st.job.Schedule.Next(s.clock.Now())
	for {
		s.mu.Lock()
		st.nextRun = next
		s.mu.Unlock()

		wait := next.Sub(s.clock.Now())
		select {
		case <-s.clock.After(wait):
		case <-s.stopChan:
			return
		}
		s.trigger(st)
		now := s.clock.Now()
		next = st.job.Schedule.Next(next)
		if !next.After(now) {
			// the process slept through one or more fire times
			next = st.job.Schedule.Next(now)
		}
	}
}

// trigger starts a run, or queues a single follow-up when one is in flight
func (s *Scheduler) trigger(st *jobState) bool {
	s.mu.Lock()
	if st.running {
		st.pending = true
		s.mu.Unlock()
		return false
	}
	st.running = true
	s.runs.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.runs.Done()
		s.drain(st)
	}()
	return true
}

// drain runs the job until no follow-up is pending. The caller owns st.running.
func (s *Scheduler) drain(st *jobState) {
	for {
		runErr := s.execute(st)
		s.mu.Lock()
		st.lastErr = runErr
		if !st.pending || s.runCtx.Err() != nil {
			st.running = false
			st.pending = false
			s.mu.Unlock()
			return
		}
		st.pending = false
		s.mu.Unlock()
	}
}

// RunNow runs a job synchronously and returns its run id. A busy job gets a
// queued follow-up and ErrJobRunning.
func (s *Scheduler) RunNow(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	st, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if st.running {
		st.pending = true
		s.mu.Unlock()
		return "", ErrJobRunning
	}
	st.running = true
	s.runs.Add(1)
	s.mu.Unlock()

	runID, err := s.executeWithID(ctx, st, uuid.NewString())

	s.mu.Lock()
	st.lastErr = err
	if !st.pending {
		st.running = false
		s.mu.Unlock()
		s.runs.Done()
		return runID, err
	}
	st.pending = false
	s.mu.Unlock()

	go func() {
		defer s.runs.Done()
		s.drain(st)
	}()
	return runID, err
}

func (s *Scheduler) execute(st *jobState) error {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	_, err := s.executeWithID(ctx, st, uuid.NewString())
	return err
}

func (s *Scheduler) executeWithID(parent context.Context, st *jobState, runID string) (_ string, err error) {
	job := st.job
	log := logging.JobContext(s.logger, job.Name, runID)

	ctx := parent
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, job.Timeout)
		defer cancel()
	}

	start := s.clock.Now()
	s.mu.Lock()
	st.lastRun = start
	s.mu.Unlock()
	if !job.Quiet {
		s.append(log, database.SchedulerEvent{Job: job.Name, RunID: runID, Kind: database.EventStarted, At: start})
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
		s.finish(log, job, runID, start, err)
	}()

	err = job.Run(ctx)
	return runID, err
}

func (s *Scheduler) finish(log *logging.Logger, job Job, runID string, start time.Time, err error) {
	end := s.clock.Now()
	elapsed := end.Sub(start)

	if limit := overrunFactor * job.Schedule.Period(); limit > 0 && elapsed > limit {
		log.Warn("Job overran its schedule", "duration", elapsed, "period", job.Schedule.Period())
		s.append(log, database.SchedulerEvent{
			Job: job.Name, RunID: runID, Kind: database.EventOverrun,
			Message: fmt.Sprintf("ran %s, period %s", elapsed, job.Schedule.Period()), Duration: elapsed, At: end,
		})
	}

	if err != nil {
		s.recorder.RecordJob(job.Name, "failed", elapsed)
		log.Error("Job failed", "duration", elapsed, "error", err)
		s.append(log, database.SchedulerEvent{
			Job: job.Name, RunID: runID, Kind: database.EventFailed, Message: err.Error(), Duration: elapsed, At: end,
		})
		s.bus.PublishJobFailed(job.Name, runID, err, end)
		return
	}

	s.recorder.RecordJob(job.Name, "succeeded", elapsed)
	if job.Quiet {
		log.Debug("Job completed", "duration", elapsed)
		return
	}
	log.Info("Job completed", "duration", elapsed)
	s.append(log, database.SchedulerEvent{
		Job: job.Name, RunID: runID, Kind: database.EventSucceeded, Duration: elapsed, At: end,
	})
}

func (s *Scheduler) append(log *logging.Logger, e database.SchedulerEvent) {
	if s.log == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), database.DefaultOperationTimeout)
	defer cancel()
	if err := s.log.AppendSchedulerEvent(ctx, e); err != nil {
		log.Warn("Failed to persist scheduler event", "kind", e.Kind, "error", err)
	}
}

// Status returns every job sorted by name
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for name, st := range s.jobs {
		js := JobStatus{
			Name:     name,
			Schedule: fmt.Sprint(st.job.Schedule),
			Running:  st.running,
			LastRun:  st.lastRun,
			NextRun:  st.nextRun,
		}
		if st.lastErr != nil {
			js.LastErr = st.lastErr.Error()
		}
		out = append(out, js)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
