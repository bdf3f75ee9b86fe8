package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"binance-signal-engine/config"
	"binance-signal-engine/internal/logging"
	"binance-signal-engine/internal/signal"
)

// Postgres wraps the PostgreSQL connection pool
type Postgres struct {
	Pool *pgxpool.Pool
}

// NewPostgres creates a new connection pool
func NewPostgres(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Configure connection pool
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	if cfg.LogQueries && logger != nil {
		poolConfig.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   queryLogger(logger.WithComponent("postgres")),
			LogLevel: tracelog.LogLevelDebug,
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if logger != nil {
		logger.Info("Connected to PostgreSQL", "database", cfg.Database, "host", cfg.Host)
	}
	return &Postgres{Pool: pool}, nil
}

func queryLogger(logger *logging.Logger) tracelog.Logger {
	return tracelog.LoggerFunc(func(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]interface{}) {
		l := logger.WithFields(data)
		switch level {
		case tracelog.LogLevelError:
			l.Error(msg)
		case tracelog.LogLevelWarn:
			l.Warn(msg)
		default:
			l.Debug(msg)
		}
	})
}

// Close closes the pool
func (db *Postgres) Close() error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	return nil
}

// Ping checks the connection
func (db *Postgres) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate creates the tables
func (db *Postgres) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id VARCHAR(64) PRIMARY KEY,
			symbol VARCHAR(30) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			target_price DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION NOT NULL,
			quality_score DOUBLE PRECISION NOT NULL,
			signal_class VARCHAR(20) NOT NULL,
			timeframe VARCHAR(5) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			btc_correlation DOUBLE PRECISION NOT NULL DEFAULT 0,
			btc_trend VARCHAR(10) NOT NULL DEFAULT '',
			status VARCHAR(10) NOT NULL,
			confirmation_attempts INTEGER NOT NULL DEFAULT 0,
			last_evaluated_at TIMESTAMPTZ NOT NULL,
			terminal_reason VARCHAR(30) NOT NULL DEFAULT '',
			confirmation_reasons TEXT NOT NULL DEFAULT '[]',
			rejection_reasons TEXT NOT NULL DEFAULT '[]',
			confirmed_at TIMESTAMPTZ,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			archived_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_created_at ON signals(created_at)`,

		`CREATE TABLE IF NOT EXISTS scheduler_events (
			id BIGSERIAL PRIMARY KEY,
			job VARCHAR(50) NOT NULL,
			run_id VARCHAR(64) NOT NULL,
			kind VARCHAR(20) NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			duration_ns BIGINT NOT NULL DEFAULT 0,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduler_events_job ON scheduler_events(job, at)`,
	}

	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const pgSignalColumns = `id, symbol, direction, entry_price, target_price, stop_loss, quality_score,
	signal_class, timeframe, created_at, expires_at, btc_correlation, btc_trend, status,
	confirmation_attempts, last_evaluated_at, terminal_reason, confirmation_reasons,
	rejection_reasons, confirmed_at, archived, archived_at`

// LoadSignals returns every stored signal
func (db *Postgres) LoadSignals(ctx context.Context) ([]*signal.Signal, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+pgSignalColumns+` FROM signals`)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var out []*signal.Signal
	for rows.Next() {
		sig := &signal.Signal{}
		var confirmationReasons, rejectionReasons string
		if err := rows.Scan(
			&sig.ID, &sig.Symbol, &sig.Direction, &sig.EntryPrice, &sig.TargetPrice, &sig.StopLoss,
			&sig.QualityScore, &sig.Class, &sig.Timeframe, &sig.CreatedAt, &sig.ExpiresAt,
			&sig.BTCCorrelation, &sig.BTCTrend, &sig.Status, &sig.ConfirmationAttempts,
			&sig.LastEvaluatedAt, &sig.TerminalReason, &confirmationReasons, &rejectionReasons,
			&sig.ConfirmedAt, &sig.Archived, &sig.ArchivedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		normalizeTimes(sig)
		if sig.ConfirmationReasons, err = decodeReasons(confirmationReasons); err != nil {
			return nil, err
		}
		if sig.RejectionReasons, err = decodeReasons(rejectionReasons); err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// InsertSignal stores sig unless its id exists
func (db *Postgres) InsertSignal(ctx context.Context, sig *signal.Signal) (bool, error) {
	query := `
		INSERT INTO signals (` + pgSignalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := db.Pool.Exec(ctx, query,
		sig.ID, sig.Symbol, string(sig.Direction), sig.EntryPrice, sig.TargetPrice, sig.StopLoss,
		sig.QualityScore, string(sig.Class), sig.Timeframe, sig.CreatedAt, sig.ExpiresAt,
		sig.BTCCorrelation, string(sig.BTCTrend), string(sig.Status), sig.ConfirmationAttempts,
		sig.LastEvaluatedAt, string(sig.TerminalReason), encodeReasons(sig.ConfirmationReasons),
		encodeReasons(sig.RejectionReasons), sig.ConfirmedAt, sig.Archived, sig.ArchivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert signal: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateSignal overwrites the mutable columns of sig
func (db *Postgres) UpdateSignal(ctx context.Context, sig *signal.Signal) error {
	query := `
		UPDATE signals
		SET signal_class = $2, status = $3, confirmation_attempts = $4, last_evaluated_at = $5,
		    terminal_reason = $6, confirmation_reasons = $7, rejection_reasons = $8,
		    confirmed_at = $9, archived = $10, archived_at = $11
		WHERE id = $1
	`
	tag, err := db.Pool.Exec(ctx, query,
		sig.ID, string(sig.Class), string(sig.Status), sig.ConfirmationAttempts, sig.LastEvaluatedAt,
		string(sig.TerminalReason), encodeReasons(sig.ConfirmationReasons), encodeReasons(sig.RejectionReasons),
		sig.ConfirmedAt, sig.Archived, sig.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update signal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSignal removes a row
func (db *Postgres) DeleteSignal(ctx context.Context, id string) error {
	if _, err := db.Pool.Exec(ctx, `DELETE FROM signals WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete signal: %w", err)
	}
	return nil
}

// AppendSchedulerEvent adds a job log entry and sets e.ID
func (db *Postgres) AppendSchedulerEvent(ctx context.Context, e *SchedulerEvent) error {
	query := `
		INSERT INTO scheduler_events (job, run_id, kind, message, duration_ns, at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	return db.Pool.QueryRow(ctx, query,
		e.Job, e.RunID, string(e.Kind), e.Message, int64(e.Duration), e.At,
	).Scan(&e.ID)
}

// ListSchedulerEvents returns the newest entries first, optionally for one job
func (db *Postgres) ListSchedulerEvents(ctx context.Context, job string, limit int) ([]SchedulerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, job, run_id, kind, message, duration_ns, at
		FROM scheduler_events
		WHERE ($1 = '' OR job = $1)
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := db.Pool.Query(ctx, query, job, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduler events: %w", err)
	}
	defer rows.Close()

	var out []SchedulerEvent
	for rows.Next() {
		var (
			e        SchedulerEvent
			duration int64
		)
		if err := rows.Scan(&e.ID, &e.Job, &e.RunID, &e.Kind, &e.Message, &duration, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan scheduler event: %w", err)
		}
		e.Duration = time.Duration(duration)
		e.At = e.At.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func normalizeTimes(sig *signal.Signal) {
	sig.CreatedAt = sig.CreatedAt.UTC()
	sig.ExpiresAt = sig.ExpiresAt.UTC()
	sig.LastEvaluatedAt = sig.LastEvaluatedAt.UTC()
	if sig.ConfirmedAt != nil {
		t := sig.ConfirmedAt.UTC()
		sig.ConfirmedAt = &t
	}
	if sig.ArchivedAt != nil {
		t := sig.ArchivedAt.UTC()
		sig.ArchivedAt = &t
	}
}
