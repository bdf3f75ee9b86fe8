// Package database is the durable signal store: a Postgres or SQLite table
// layer with an in-memory index serving every read.
package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"binance-signal-engine/internal/clock"
	"binance-signal-engine/internal/logging"
	"binance-signal-engine/internal/signal"
)

// DefaultOperationTimeout bounds every backend call
const DefaultOperationTimeout = 5 * time.Second

// Filter selects signals for List. Zero fields match everything.
type Filter struct {
	Status          signal.Status
	Statuses        []signal.Status
	Symbol          string
	Since           time.Time
	Limit           int
	IncludeArchived bool
}

func (f Filter) matches(s *signal.Signal) bool {
	if s.Archived && !f.IncludeArchived {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if s.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Symbol != "" && s.Symbol != f.Symbol {
		return false
	}
	if !f.Since.IsZero() && s.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// SweepResult counts the rows touched by SweepOlderThan
type SweepResult struct {
	Archived int `json:"archived"`
	Removed  int `json:"removed"`
}

// SignalStore owns every signal. Transition is the only mutation path and
// calls on one id are serialized.
type SignalStore struct {
	backend Backend
	clock   clock.Clock
	logger  *logging.Logger
	timeout time.Duration

	mu    sync.RWMutex
	index map[string]*signal.Signal

	locks keyedMutex
}

// NewSignalStore loads the index from backend
func NewSignalStore(ctx context.Context, backend Backend, clk clock.Clock, timeout time.Duration, logger *logging.Logger) (*SignalStore, error) {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	s := &SignalStore{
		backend: backend,
		clock:   clk,
		logger:  logger.WithComponent("signal_store"),
		timeout: timeout,
		index:   make(map[string]*signal.Signal),
		locks:   keyedMutex{locks: make(map[string]*refMutex)},
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	all, err := backend.LoadSignals(opCtx)
	if err != nil {
		return nil, fmt.Errorf("load signals: %w", err)
	}
	for _, sig := range all {
		s.index[sig.ID] = sig
	}
	s.logger.Info("Signal index loaded", "signals", len(all))
	return s, nil
}

// Insert stores a new PENDING candidate. Re-inserting an existing id is a
// no-op that returns the stored record with created=false.
func (s *SignalStore) Insert(ctx context.Context, sig *signal.Signal) (stored *signal.Signal, created bool, err error) {
	if err := sig.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}

	unlock := s.locks.Lock(sig.ID)
	defer unlock()

	if existing := s.lookup(sig.ID); existing != nil {
		return existing, false, nil
	}

	rec := sig.Clone()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	if rec.LastEvaluatedAt.IsZero() {
		rec.LastEvaluatedAt = rec.CreatedAt
	}

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	inserted, err := s.backend.InsertSignal(opCtx, rec)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	s.index[rec.ID] = rec
	s.mu.Unlock()
	return rec.Clone(), inserted, nil
}

// Get returns a copy of one signal
func (s *SignalStore) Get(ctx context.Context, id string) (*signal.Signal, error) {
	if sig := s.lookup(id); sig != nil {
		return sig, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *SignalStore) lookup(id string) *signal.Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sig, ok := s.index[id]; ok {
		return sig.Clone()
	}
	return nil
}

// List returns matching signals newest first from one consistent snapshot
func (s *SignalStore) List(ctx context.Context, f Filter) []*signal.Signal {
	s.mu.RLock()
	out := make([]*signal.Signal, 0, len(s.index))
	for _, sig := range s.index {
		if f.matches(sig) {
			out = append(out, sig.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Count returns how many signals match f
func (s *SignalStore) Count(f Filter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sig := range s.index {
		if f.matches(sig) {
			n++
		}
	}
	return n
}

// Transition applies obs to a PENDING signal. PENDING to PENDING records an
// attempt; any terminal status is final. Mutating a terminal signal fails
// with ErrInvalidTransition.
func (s *SignalStore) Transition(ctx context.Context, id string, obs signal.Observation) (*signal.Signal, error) {
	if !obs.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", obs.Status)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	cur := s.lookup(id)
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.Status.IsTerminal() {
		return cur, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, cur.Status)
	}

	at := obs.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	at = at.UTC()

	next := cur.Clone()
	next.Status = obs.Status
	next.LastEvaluatedAt = at
	next.ConfirmationReasons = append([]signal.Criterion(nil), obs.ConfirmationReasons...)
	next.RejectionReasons = append([]signal.Criterion(nil), obs.RejectionReasons...)

	switch obs.Status {
	case signal.StatusPending:
		next.ConfirmationAttempts++
	case signal.StatusConfirmed:
		next.ConfirmedAt = &at
		next.Class = signal.ClassBTCConfirmed
		next.TerminalReason = obs.TerminalReason
	default:
		next.TerminalReason = obs.TerminalReason
	}

	if err := s.persist(ctx, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *SignalStore) persist(ctx context.Context, sig *signal.Signal) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.backend.UpdateSignal(opCtx, sig); err != nil {
		logging.DatabaseContext(s.logger, "update", "signals").Error("Failed to persist signal",
			"signal_id", sig.ID, "status", sig.Status, "error", err)
		return err
	}
	s.mu.Lock()
	s.index[sig.ID] = sig
	s.mu.Unlock()
	return nil
}

// SweepOlderThan archives terminal signals created before cutoff and removes
// signals whose created_at lies in the future.
func (s *SignalStore) SweepOlderThan(ctx context.Context, cutoff time.Time) (SweepResult, error) {
	var res SweepResult
	now := s.clock.Now()

	s.mu.RLock()
	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		archived, removed, err := s.sweepOne(ctx, id, cutoff, now)
		if err != nil {
			return res, fmt.Errorf("sweep %s: %w", id, err)
		}
		if archived {
			res.Archived++
		}
		if removed {
			res.Removed++
		}
	}
	return res, nil
}

func (s *SignalStore) sweepOne(ctx context.Context, id string, cutoff, now time.Time) (archived, removed bool, err error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sig := s.lookup(id)
	if sig == nil {
		return false, false, nil
	}

	if sig.CreatedAt.After(now) {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.backend.DeleteSignal(opCtx, id); err != nil {
			return false, false, err
		}
		s.mu.Lock()
		delete(s.index, id)
		s.mu.Unlock()
		logging.DatabaseContext(s.logger, "delete", "signals").Warn("Removed future-dated signal",
			"signal_id", id, "created_at", sig.CreatedAt)
		return false, true, nil
	}

	if sig.Status.IsTerminal() && !sig.Archived && sig.CreatedAt.Before(cutoff) {
		sig.Archived = true
		at := now
		sig.ArchivedAt = &at
		if err := s.persist(ctx, sig); err != nil {
			return false, false, err
		}
		return true, false, nil
	}
	return false, false, nil
}

// AppendSchedulerEvent writes one job log entry
func (s *SignalStore) AppendSchedulerEvent(ctx context.Context, e SchedulerEvent) error {
	if e.At.IsZero() {
		e.At = s.clock.Now()
	}
	e.At = e.At.UTC()
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.backend.AppendSchedulerEvent(opCtx, &e)
}

// ListSchedulerEvents returns job log entries newest first. An empty job lists all jobs.
func (s *SignalStore) ListSchedulerEvents(ctx context.Context, job string, limit int) ([]SchedulerEvent, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.backend.ListSchedulerEvents(opCtx, job, limit)
}

// Ping checks the backend
func (s *SignalStore) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.backend.Ping(opCtx)
}

// keyedMutex hands out one mutex per id and forgets it when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock blocks until id is free and returns its unlock func
func (k *keyedMutex) Lock(id string) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
