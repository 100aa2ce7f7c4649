// Package history persists usage records to SQLite so monitor aggregates
// survive restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/socratiq/aigate/internal/monitor"
)

// Store persists usage records using modernc.org/sqlite (pure-Go, no CGO).
type Store struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at the given DSN and runs
// migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			provider_id TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			latency_ms REAL NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 1,
			error_class TEXT NOT NULL DEFAULT '',
			fallback INTEGER NOT NULL DEFAULT 0,
			stub INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_timestamp ON usage_records(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_provider ON usage_records(provider_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes one usage record. Timestamps are stored as unix nanoseconds
// so SQL comparisons and ordering stay chronological at every precision.
func (s *Store) Append(ctx context.Context, rec monitor.UsageRecord) error {
	successInt, fallbackInt, stubInt := 0, 0, 0
	if rec.Success {
		successInt = 1
	}
	if rec.Fallback {
		fallbackInt = 1
	}
	if rec.Stub {
		stubInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (timestamp, session_id, provider_id, model, latency_ms,
		 input_tokens, output_tokens, cost_usd, success, error_class, fallback, stub)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().UnixNano(), rec.SessionID, rec.ProviderID, rec.Model,
		rec.LatencyMs, rec.InputTokens, rec.OutputTokens, rec.CostUSD,
		successInt, rec.ErrorClass, fallbackInt, stubInt)
	return err
}

// Since returns records newer than the cutoff in ascending timestamp order,
// capped at limit (0 means a default of 10000).
func (s *Store) Since(ctx context.Context, cutoff time.Time, limit int) ([]monitor.UsageRecord, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, session_id, provider_id, model, latency_ms,
		 input_tokens, output_tokens, cost_usd, success, error_class, fallback, stub
		 FROM usage_records WHERE timestamp > ? ORDER BY timestamp ASC LIMIT ?`,
		cutoff.UTC().UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []monitor.UsageRecord
	for rows.Next() {
		var rec monitor.UsageRecord
		var ts int64
		var successInt, fallbackInt, stubInt int
		if err := rows.Scan(&ts, &rec.SessionID, &rec.ProviderID, &rec.Model, &rec.LatencyMs,
			&rec.InputTokens, &rec.OutputTokens, &rec.CostUSD,
			&successInt, &rec.ErrorClass, &fallbackInt, &stubInt); err != nil {
			return nil, err
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Success = successInt != 0
		rec.Fallback = fallbackInt != 0
		rec.Stub = stubInt != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune deletes records older than the cutoff. Returns the number deleted.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_records WHERE timestamp < ?`,
		cutoff.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records`).Scan(&n)
	return n, err
}
