package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Open creates a new PostgreSQL connection pool and bootstraps the
// schema.
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	// Connection pool configuration
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}

// migrate applies the schema idempotently. The unique primary key on
// outbox_event.id is what arbitrates concurrent submissions of the same
// envelope; the scan index serves the delivery worker's poll query.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox_event (
			id            TEXT PRIMARY KEY,
			channel       TEXT NOT NULL,
			payload_json  TEXT NOT NULL,
			hash          TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'queued',
			attempts      INT  NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL,
			received_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			available_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_error    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS outbox_event_scan_idx
			ON outbox_event (status, available_at, created_at)`,
		`CREATE TABLE IF NOT EXISTS api_token (
			id         UUID PRIMARY KEY,
			token      TEXT NOT NULL UNIQUE,
			name       TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id         BIGSERIAL PRIMARY KEY,
			route      TEXT NOT NULL,
			method     TEXT NOT NULL,
			token      TEXT,
			ip         TEXT,
			body       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
