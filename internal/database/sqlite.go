package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"binance-signal-engine/internal/signal"
)

// SQLite is the embedded single-node backend. Timestamps are stored as UTC UnixNano.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates the database at path. ":memory:" keeps everything in RAM.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = filepath.Join("data", "signals.db")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps one :memory: database
	if path != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

// Migrate creates the tables
func (s *SQLite) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id                    TEXT PRIMARY KEY,
			symbol                TEXT NOT NULL,
			direction             TEXT NOT NULL,
			entry_price           REAL NOT NULL,
			target_price          REAL NOT NULL,
			stop_loss             REAL NOT NULL,
			quality_score         REAL NOT NULL,
			signal_class          TEXT NOT NULL,
			timeframe             TEXT NOT NULL,
			created_at            INTEGER NOT NULL,
			expires_at            INTEGER NOT NULL,
			btc_correlation       REAL NOT NULL DEFAULT 0,
			btc_trend             TEXT NOT NULL DEFAULT '',
			status                TEXT NOT NULL,
			confirmation_attempts INTEGER NOT NULL DEFAULT 0,
			last_evaluated_at     INTEGER NOT NULL,
			terminal_reason       TEXT NOT NULL DEFAULT '',
			confirmation_reasons  TEXT NOT NULL DEFAULT '[]',
			rejection_reasons     TEXT NOT NULL DEFAULT '[]',
			confirmed_at          INTEGER,
			archived              INTEGER NOT NULL DEFAULT 0,
			archived_at           INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_created_at ON signals(created_at)`,
		`CREATE TABLE IF NOT EXISTS scheduler_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			job         TEXT NOT NULL,
			run_id      TEXT NOT NULL,
			kind        TEXT NOT NULL,
			message     TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL DEFAULT 0,
			at          INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduler_events_job ON scheduler_events(job, at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const sqliteSignalColumns = `id, symbol, direction, entry_price, target_price, stop_loss, quality_score,
	signal_class, timeframe, created_at, expires_at, btc_correlation, btc_trend, status,
	confirmation_attempts, last_evaluated_at, terminal_reason, confirmation_reasons,
	rejection_reasons, confirmed_at, archived, archived_at`

// LoadSignals returns every stored signal
func (s *SQLite) LoadSignals(ctx context.Context) ([]*signal.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteSignalColumns+` FROM signals`)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var out []*signal.Signal
	for rows.Next() {
		var (
			sig                                       signal.Signal
			created, expires, evaluated               int64
			confirmedAt, archivedAt                   sql.NullInt64
			archived                                  int
			confirmationReasons, rejectionReasons     string
			direction, class, trend, status, terminal string
		)
		if err := rows.Scan(
			&sig.ID, &sig.Symbol, &direction, &sig.EntryPrice, &sig.TargetPrice, &sig.StopLoss,
			&sig.QualityScore, &class, &sig.Timeframe, &created, &expires, &sig.BTCCorrelation,
			&trend, &status, &sig.ConfirmationAttempts, &evaluated, &terminal,
			&confirmationReasons, &rejectionReasons, &confirmedAt, &archived, &archivedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sig.Direction = signal.Direction(direction)
		sig.Class = signal.Class(class)
		sig.BTCTrend = signal.Trend(trend)
		sig.Status = signal.Status(status)
		sig.TerminalReason = signal.Criterion(terminal)
		sig.CreatedAt = fromNanos(created)
		sig.ExpiresAt = fromNanos(expires)
		sig.LastEvaluatedAt = fromNanos(evaluated)
		sig.Archived = archived != 0
		if confirmedAt.Valid {
			t := fromNanos(confirmedAt.Int64)
			sig.ConfirmedAt = &t
		}
		if archivedAt.Valid {
			t := fromNanos(archivedAt.Int64)
			sig.ArchivedAt = &t
		}
		if sig.ConfirmationReasons, err = decodeReasons(confirmationReasons); err != nil {
			return nil, err
		}
		if sig.RejectionReasons, err = decodeReasons(rejectionReasons); err != nil {
			return nil, err
		}
		out = append(out, &sig)
	}
	return out, rows.Err()
}

// InsertSignal stores sig unless its id exists
func (s *SQLite) InsertSignal(ctx context.Context, sig *signal.Signal) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (`+sqliteSignalColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO NOTHING`,
		sqliteArgs(sig)...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateSignal overwrites the mutable columns of sig
func (s *SQLite) UpdateSignal(ctx context.Context, sig *signal.Signal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals SET
			signal_class = ?, status = ?, confirmation_attempts = ?, last_evaluated_at = ?,
			terminal_reason = ?, confirmation_reasons = ?, rejection_reasons = ?,
			confirmed_at = ?, archived = ?, archived_at = ?
		WHERE id = ?`,
		string(sig.Class), string(sig.Status), sig.ConfirmationAttempts, toNanos(sig.LastEvaluatedAt),
		string(sig.TerminalReason), encodeReasons(sig.ConfirmationReasons), encodeReasons(sig.RejectionReasons),
		nullNanos(sig.ConfirmedAt), boolInt(sig.Archived), nullNanos(sig.ArchivedAt),
		sig.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update signal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSignal removes a row
func (s *SQLite) DeleteSignal(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM signals WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete signal: %w", err)
	}
	return nil
}

// AppendSchedulerEvent adds a job log entry and sets e.ID
func (s *SQLite) AppendSchedulerEvent(ctx context.Context, e *SchedulerEvent) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_events (job, run_id, kind, message, duration_ns, at)
		VALUES (?,?,?,?,?,?)`,
		e.Job, e.RunID, string(e.Kind), e.Message, int64(e.Duration), toNanos(e.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append scheduler event: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListSchedulerEvents returns the newest entries first, optionally for one job
func (s *SQLite) ListSchedulerEvents(ctx context.Context, job string, limit int) ([]SchedulerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job, run_id, kind, message, duration_ns, at
		FROM scheduler_events
		WHERE (? = '' OR job = ?)
		ORDER BY id DESC
		LIMIT ?`, job, job, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduler events: %w", err)
	}
	defer rows.Close()

	var out []SchedulerEvent
	for rows.Next() {
		var (
			e        SchedulerEvent
			kind     string
			duration int64
			at       int64
		)
		if err := rows.Scan(&e.ID, &e.Job, &e.RunID, &kind, &e.Message, &duration, &at); err != nil {
			return nil, fmt.Errorf("failed to scan scheduler event: %w", err)
		}
		e.Kind = EventKind(kind)
		e.Duration = time.Duration(duration)
		e.At = fromNanos(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping checks the connection
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}

func sqliteArgs(sig *signal.Signal) []interface{} {
	return []interface{}{
		sig.ID, sig.Symbol, string(sig.Direction), sig.EntryPrice, sig.TargetPrice, sig.StopLoss,
		sig.QualityScore, string(sig.Class), sig.Timeframe, toNanos(sig.CreatedAt), toNanos(sig.ExpiresAt),
		sig.BTCCorrelation, string(sig.BTCTrend), string(sig.Status), sig.ConfirmationAttempts,
		toNanos(sig.LastEvaluatedAt), string(sig.TerminalReason), encodeReasons(sig.ConfirmationReasons),
		encodeReasons(sig.RejectionReasons), nullNanos(sig.ConfirmedAt), boolInt(sig.Archived),
		nullNanos(sig.ArchivedAt),
	}
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
