package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/braintone/internal/processing"
	"github.com/MrWong99/braintone/internal/session"
)

// Schema is the DDL for the session_runs table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS session_runs (
    run_id      TEXT PRIMARY KEY,
    subject     TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    ended_at    TIMESTAMPTZ NOT NULL,
    baseline    JSONB NOT NULL DEFAULT '{}',
    samples     BIGINT NOT NULL DEFAULT 0,
    artifacts   BIGINT NOT NULL DEFAULT 0,
    final_value DOUBLE PRECISION NOT NULL DEFAULT 0,
    outcome     TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_session_runs_subject_started
    ON session_runs (subject, started_at DESC);
`

// DB is the subset of pgxpool.Pool used by [PostgresStore]. Tests supply a
// mock implementation.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// PostgresStore records runs in PostgreSQL. The baseline is stored as JSONB.
type PostgresStore struct {
	db    DB
	close func()
}

// NewPostgresStore wraps an existing connection. Call [PostgresStore.Migrate]
// before the first use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects to the database at dsn, verifies the connection and runs
// [PostgresStore.Migrate]. Close releases the pool.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}

	s := &PostgresStore{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool when the store was created by [Open].
func (s *PostgresStore) Close() {
	if s.close != nil {
		s.close()
	}
}

// Migrate creates the session_runs table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Ping checks the connection. Databases without a Ping method always succeed.
func (s *PostgresStore) Ping(ctx context.Context) error {
	p, ok := s.db.(pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

// Record inserts r. Recording the same run id twice overwrites the row.
func (s *PostgresStore) Record(ctx context.Context, r session.Result) error {
	if r.RunID == "" {
		return errors.New("journal: record: run id is required")
	}
	baseline, err := json.Marshal(r.Baseline)
	if err != nil {
		return fmt.Errorf("journal: marshal baseline: %w", err)
	}

	const q = `
		INSERT INTO session_runs
		    (run_id, subject, started_at, ended_at, baseline, samples, artifacts, final_value, outcome, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO UPDATE SET
		    ended_at    = EXCLUDED.ended_at,
		    baseline    = EXCLUDED.baseline,
		    samples     = EXCLUDED.samples,
		    artifacts   = EXCLUDED.artifacts,
		    final_value = EXCLUDED.final_value,
		    outcome     = EXCLUDED.outcome,
		    error       = EXCLUDED.error`

	_, err = s.db.Exec(ctx, q,
		r.RunID, r.Subject, r.StartedAt, r.EndedAt, baseline,
		r.Samples, r.Artifacts, r.FinalValue, r.Outcome, r.Error,
	)
	if err != nil {
		return fmt.Errorf("journal: record %q: %w", r.RunID, err)
	}
	return nil
}

// Recent returns up to limit runs for subject, newest first.
func (s *PostgresStore) Recent(ctx context.Context, subject string, limit int) ([]session.Result, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	const q = `
		SELECT run_id, subject, started_at, ended_at, baseline, samples, artifacts, final_value, outcome, error
		FROM session_runs
		WHERE ($1 = '' OR subject = $1)
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := s.db.Query(ctx, q, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []session.Result
	for rows.Next() {
		var (
			r        session.Result
			baseline []byte
		)
		if err := rows.Scan(
			&r.RunID, &r.Subject, &r.StartedAt, &r.EndedAt, &baseline,
			&r.Samples, &r.Artifacts, &r.FinalValue, &r.Outcome, &r.Error,
		); err != nil {
			return nil, fmt.Errorf("journal: recent scan: %w", err)
		}
		if len(baseline) > 0 {
			var b processing.Baseline
			if err := json.Unmarshal(baseline, &b); err != nil {
				return nil, fmt.Errorf("journal: recent baseline %q: %w", r.RunID, err)
			}
			r.Baseline = b
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent rows: %w", err)
	}
	return out, nil
}
