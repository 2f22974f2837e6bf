// Package database implements C1 (spec.md §4.1): a single embedded
// relational store, a bounded connection pool, lock-retrying scoped
// acquisitions, and idempotent schema bootstrap.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
	"github.com/redis/go-redis/v9"

	"inboxdigest/pkg/apperr"
	"inboxdigest/pkg/resilience"
)

// SQLiteConfig holds the embedded-store configuration.
type SQLiteConfig struct {
	Path         string
	MaxOpenConns int
	BusyTimeout  time.Duration
}

// DefaultSQLiteConfig returns the process-wide default: a fixed pool of 5
// (spec.md §4.1's "one process-wide pool of fixed size (default 5)").
func DefaultSQLiteConfig(path string) *SQLiteConfig {
	maxConns := 5
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxConns = n
		}
	}
	return &SQLiteConfig{
		Path:         path,
		MaxOpenConns: maxConns,
		BusyTimeout:  5 * time.Second,
	}
}

// DB wraps the embedded sqlite handle with the scoped-acquisition and
// lock-retry behavior spec.md §4.1 requires.
type DB struct {
	sqlx  *sqlx.DB
	retry resilience.RetryPolicy
}

// Open creates the pooled embedded-store handle. It does not bootstrap the
// schema; call Bootstrap once at startup.
func Open(cfg *SQLiteConfig) (*DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database: nil config")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	sqlxDB, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	sqlxDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlxDB.SetMaxIdleConns(cfg.MaxOpenConns)
	sqlxDB.SetConnMaxLifetime(0)

	if err := sqlxDB.Ping(); err != nil {
		return nil, err
	}

	retry := resilience.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    1 * time.Second,
		NonRetryable: func(err error) bool {
			return !isLockError(err)
		},
	}

	return &DB{sqlx: sqlxDB, retry: retry}, nil
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func isSchemaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column")
}

// Close releases the pool.
func (d *DB) Close() error { return d.sqlx.Close() }

// withLockRetry retries "database is locked" with exponential backoff
// (base 10ms, jittered, capped, bounded retry count) and never retries
// schema errors, exactly as spec.md §4.1 requires.
func (d *DB) withLockRetry(ctx context.Context, op func() error) error {
	err := d.retry.Execute(ctx, op)
	if err == nil {
		return nil
	}
	if isSchemaError(err) {
		return apperr.Wrap(err, apperr.KindValidation, "storage", "schema error").WithDetail("schema_fatal", true)
	}
	if isLockError(err) {
		return apperr.ConcurrencyErr("storage", err)
	}
	return err
}

// WithConn acquires a scoped read connection (no implicit transaction) and
// guarantees release on every exit path.
func (d *DB) WithConn(ctx context.Context, fn func(*sqlx.Conn) error) error {
	return d.withLockRetry(ctx, func() error {
		conn, err := d.sqlx.Connx(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		return fn(conn)
	})
}

// WithTx acquires a scoped transaction: commit on normal exit, rollback on
// any failure, guaranteed release on every exit path.
func (d *DB) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return d.withLockRetry(ctx, func() error {
		tx, err := d.sqlx.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

// schemaStatements is the idempotent bootstrap for every canonical table
// named in spec.md §6: rules, pending_rules, corrections, learned_patterns,
// email_threads, digest_sessions, confidence_logs, ab_test_runs,
// ab_test_metrics, categories.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		pattern_type TEXT NOT NULL,
		pattern TEXT NOT NULL,
		category TEXT NOT NULL,
		confidence INTEGER NOT NULL DEFAULT 85,
		use_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(user_id, pattern_type, pattern, category)
	)`,
	`CREATE TABLE IF NOT EXISTS pending_rules (
		user_id TEXT NOT NULL,
		pattern_type TEXT NOT NULL,
		pattern TEXT NOT NULL,
		category TEXT NOT NULL,
		seen_count INTEGER NOT NULL DEFAULT 1,
		last_seen TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, pattern_type, pattern, category)
	)`,
	`CREATE TABLE IF NOT EXISTS corrections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		predicted_type TEXT NOT NULL,
		actual_type TEXT NOT NULL,
		from_address TEXT,
		subject TEXT,
		snippet TEXT,
		corrected_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS learned_patterns (
		pattern_type TEXT NOT NULL,
		pattern_value TEXT NOT NULL,
		classification_json TEXT NOT NULL,
		support_count INTEGER NOT NULL DEFAULT 1,
		confidence REAL NOT NULL DEFAULT 0,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		PRIMARY KEY (pattern_type, pattern_value)
	)`,
	`CREATE TABLE IF NOT EXISTS email_threads (
		thread_id TEXT PRIMARY KEY,
		last_message_id TEXT,
		last_seen TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS digest_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		generated_ts TIMESTAMP NOT NULL,
		total_emails INTEGER NOT NULL DEFAULT 0,
		critical_count INTEGER NOT NULL DEFAULT 0,
		time_sensitive_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS confidence_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		type TEXT NOT NULL,
		type_conf REAL NOT NULL,
		importance TEXT NOT NULL,
		importance_conf REAL NOT NULL,
		attention TEXT NOT NULL,
		attention_conf REAL NOT NULL,
		relationship TEXT NOT NULL,
		relationship_conf REAL NOT NULL,
		decider TEXT NOT NULL,
		model_name TEXT NOT NULL,
		model_version TEXT NOT NULL,
		prompt_version TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ab_test_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS ab_test_metrics (
		run_id INTEGER NOT NULL,
		metric_name TEXT NOT NULL,
		metric_value REAL NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		name TEXT PRIMARY KEY,
		friendly_name TEXT NOT NULL
	)`,
}

// Bootstrap runs once per process and is idempotent: it runs only CREATE
// TABLE IF NOT EXISTS, so a table that already exists is left as it is and a
// column missing from it is not added. No validation beyond creation
// happens here (spec.md §4.1); runtime checks belong to components.
func (d *DB) Bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := d.sqlx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap fatal: %w", err)
		}
	}
	return nil
}

// Checkpoint runs a WAL checkpoint and returns bytes reclaimed for
// observability (spec.md §4.1).
func (d *DB) Checkpoint(ctx context.Context) (int64, error) {
	var before int64
	if err := d.sqlx.QueryRowContext(ctx, "PRAGMA page_count").Scan(&before); err != nil {
		return 0, err
	}
	var pageSize int64
	if err := d.sqlx.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, err
	}

	var busy, log, checkpointed int
	if err := d.sqlx.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &log, &checkpointed); err != nil {
		return 0, err
	}

	var after int64
	if err := d.sqlx.QueryRowContext(ctx, "PRAGMA page_count").Scan(&after); err != nil {
		return 0, err
	}

	reclaimed := (before - after) * pageSize
	if reclaimed < 0 {
		reclaimed = 0
	}
	return reclaimed, nil
}

// PoolStats mirrors database/sql's pool statistics for the telemetry sink.
type PoolStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
}

func (d *DB) PoolStats() PoolStats {
	s := d.sqlx.Stats()
	return PoolStats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
	}
}

var _ = sql.ErrNoRows // retained: callers match against sql.ErrNoRows directly

// RedisConfig holds Redis configuration, used by the durable idempotency set
// (see pkg/resilience).
type RedisConfig struct {
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultRedisConfig() *RedisConfig {
	poolSize := 20
	if v := os.Getenv("REDIS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			poolSize = n
		}
	}
	return &RedisConfig{
		PoolSize:     poolSize,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

func NewRedis(redisURL string) (*redis.Client, error) {
	return NewRedisWithConfig(redisURL, DefaultRedisConfig())
}

func NewRedisWithConfig(redisURL string, cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.MaxRetries = cfg.MaxRetries
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
