package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenPostgres connects a pgx pool, pings it and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := EnsurePostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func EnsurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            queue_name TEXT NOT NULL,
            entity_id TEXT,
            status TEXT NOT NULL DEFAULT 'queued'
                CHECK (status IN ('queued','running','completed','failed','dead_lettered')),
            priority TEXT NOT NULL DEFAULT 'normal',
            attempt INT NOT NULL DEFAULT 0,
            max_attempts INT NOT NULL DEFAULT 3,
            idempotency_key TEXT UNIQUE,
            correlation_id TEXT NOT NULL DEFAULT '',
            request_id TEXT NOT NULL DEFAULT '',
            payload BYTEA NOT NULL,
            result BYTEA,
            error TEXT NOT NULL DEFAULT '',
            queued_at TIMESTAMPTZ NOT NULL,
            next_run_at TIMESTAMPTZ NOT NULL,
            started_at TIMESTAMPTZ,
            finished_at TIMESTAMPTZ,
            updated_at TIMESTAMPTZ NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, queue_name, next_run_at);`,
		`CREATE TABLE IF NOT EXISTS job_attempts (
            id BIGSERIAL PRIMARY KEY,
            job_id TEXT NOT NULL REFERENCES jobs(id),
            attempt INT NOT NULL,
            started_at TIMESTAMPTZ,
            finished_at TIMESTAMPTZ NOT NULL,
            success BOOLEAN NOT NULL DEFAULT FALSE,
            error TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS dead_letter_jobs (
            id TEXT PRIMARY KEY,
            job_id TEXT NOT NULL,
            job_type TEXT NOT NULL,
            queue_name TEXT NOT NULL,
            attempt INT NOT NULL,
            failed_at TIMESTAMPTZ NOT NULL,
            error TEXT NOT NULL,
            stack_trace TEXT NOT NULL DEFAULT '',
            payload BYTEA,
            metadata JSONB NOT NULL DEFAULT '{}'
        );`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
            key TEXT PRIMARY KEY,
            task_name TEXT NOT NULL,
            status TEXT NOT NULL CHECK (status IN ('running','completed','failed')),
            first_job_id TEXT NOT NULL,
            last_job_id TEXT NOT NULL,
            result BYTEA,
            error TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS content_items (
            id TEXT PRIMARY KEY,
            title TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS schedules (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            cron_expr TEXT NOT NULL,
            job_type TEXT NOT NULL,
            queue_name TEXT NOT NULL,
            payload BYTEA NOT NULL,
            priority TEXT NOT NULL DEFAULT 'normal',
            max_attempts INT NOT NULL DEFAULT 3,
            enabled BOOLEAN NOT NULL DEFAULT TRUE,
            last_run TIMESTAMPTZ,
            next_run TIMESTAMPTZ NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);`,
	}
	for _, q := range ddl {
		if _, err := pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
