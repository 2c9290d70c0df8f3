// Package telemetry is a historical-sample archive backed by
// database/sql and github.com/lib/pq, grounded in the teacher's
// scheduler/mpc_persistence.go transaction/prepare/upsert pattern and
// scheduler/pv.go's PVSamples integration. It serves two consumers named
// in spec.md but left unspecified in mechanism: the Forecast
// Aggregator's weekday-class load fallback (§4.2) and the Balancing
// Coordinator's 7-day SoC scan (§4.7). It is optional — when no DSN is
// configured, callers degrade to "no history", the same optional-db
// pattern scheduler/scheduler.go uses for its own *sql.DB.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// SOCSample is one observed state-of-charge reading.
type SOCSample struct {
	Timestamp  time.Time
	SOCPercent float64
}

// LoadSample is one observed load reading, bucketed by weekday class for
// the historical-average fallback.
type LoadSample struct {
	Timestamp    time.Time
	WeekdayClass string // "weekday" or "weekend"
	LoadKWh      float64
}

// HistoryReader is the read-only surface forecast and balancing consume.
// A nil-DB Store still satisfies this interface and returns "no history"
// rather than an error, matching scheduler/config.go's tolerate-missing
// convention for optional state.
type HistoryReader interface {
	SOCHistory(ctx context.Context, since time.Time) ([]SOCSample, error)
	LoadAverage(ctx context.Context, weekdayClass string, timeOfDay time.Duration) (float64, bool, error)
}

// Store is the lib/pq-backed implementation of HistoryReader, and also
// the sole writer of new samples.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects to dsn and verifies the schema exists. An empty dsn
// returns a Store with a nil db — all methods then behave as "no
// history available" rather than erroring, so callers never need a
// separate has-telemetry branch.
func Open(dsn string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags)
	}
	if dsn == "" {
		return &Store{logger: logger}, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: ping: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: ensure schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS soc_samples (
			ts TIMESTAMPTZ PRIMARY KEY,
			soc_percent DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS load_samples (
			ts TIMESTAMPTZ NOT NULL,
			weekday_class TEXT NOT NULL,
			load_kwh DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (ts, weekday_class)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying connection, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordSOC upserts one SoC observation.
func (s *Store) RecordSOC(ctx context.Context, sample SOCSample) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO soc_samples (ts, soc_percent) VALUES ($1, $2)
		ON CONFLICT (ts) DO UPDATE SET soc_percent = EXCLUDED.soc_percent
	`, sample.Timestamp, sample.SOCPercent)
	if err != nil {
		return fmt.Errorf("telemetry: record soc: %w", err)
	}
	return nil
}

// RecordLoadBatch upserts a batch of load samples inside one transaction,
// mirroring mpc_persistence.go's begin/prepare/commit discipline.
func (s *Store) RecordLoadBatch(ctx context.Context, samples []LoadSample) error {
	if s.db == nil || len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("telemetry: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO load_samples (ts, weekday_class, load_kwh) VALUES ($1, $2, $3)
		ON CONFLICT (ts, weekday_class) DO UPDATE SET load_kwh = EXCLUDED.load_kwh
	`)
	if err != nil {
		return fmt.Errorf("telemetry: prepare: %w", err)
	}
	defer stmt.Close()

	for _, sample := range samples {
		if _, err := stmt.ExecContext(ctx, sample.Timestamp, sample.WeekdayClass, sample.LoadKWh); err != nil {
			return fmt.Errorf("telemetry: insert load sample at %v: %w", sample.Timestamp, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("telemetry: commit: %w", err)
	}
	s.logger.Printf("recorded %d load samples", len(samples))
	return nil
}

// SOCHistory returns observed SoC samples at or after since, ordered by
// timestamp, for the Balancing Coordinator's natural-balancing scan
// (spec.md §4.7). A nil db returns an empty slice, not an error.
func (s *Store) SOCHistory(ctx context.Context, since time.Time) ([]SOCSample, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, soc_percent FROM soc_samples WHERE ts >= $1 ORDER BY ts ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("telemetry: query soc history: %w", err)
	}
	defer rows.Close()

	var out []SOCSample
	for rows.Next() {
		var sample SOCSample
		if err := rows.Scan(&sample.Timestamp, &sample.SOCPercent); err != nil {
			return nil, fmt.Errorf("telemetry: scan soc sample: %w", err)
		}
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("telemetry: iterate soc history: %w", err)
	}
	return out, nil
}

// LoadAverage returns the historical average load for the given weekday
// class and time-of-day bucket (truncated down to its 15-minute start),
// averaged over all recorded samples in that bucket. The boolean return
// is false when no matching samples exist, signaling "no history" to the
// Forecast Aggregator rather than a synthesized zero.
func (s *Store) LoadAverage(ctx context.Context, weekdayClass string, timeOfDay time.Duration) (float64, bool, error) {
	if s.db == nil {
		return 0, false, nil
	}
	bucketStart := timeOfDay.Truncate(15 * time.Minute)
	bucketEnd := bucketStart + 15*time.Minute

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(load_kwh) FROM load_samples
		WHERE weekday_class = $1
		AND (EXTRACT(HOUR FROM ts) * 60 + EXTRACT(MINUTE FROM ts)) * interval '1 minute' >= $2
		AND (EXTRACT(HOUR FROM ts) * 60 + EXTRACT(MINUTE FROM ts)) * interval '1 minute' < $3
	`, weekdayClass, bucketStart, bucketEnd).Scan(&avg)
	if err != nil {
		return 0, false, fmt.Errorf("telemetry: query load average: %w", err)
	}
	if !avg.Valid {
		return 0, false, nil
	}
	return avg.Float64, true, nil
}

// WeekdayClassOf returns "weekend" for Saturday/Sunday, "weekday"
// otherwise, the bucketing key the Forecast Aggregator's historical
// fallback uses (spec.md §4.2).
func WeekdayClassOf(t time.Time) string {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return "weekend"
	default:
		return "weekday"
	}
}
