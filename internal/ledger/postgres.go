package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"newsflow/internal/domain"
)

type PostgresStore struct{ pool *pgxpool.Pool }

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore { return &PostgresStore{pool: pool} }

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Insert(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO idempotency_records (key,task_name,status,first_job_id,last_job_id,error,created_at,updated_at)
VALUES ($1,$2,$3,$4,$5,'',$6,$7)
ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.TaskName, string(rec.Status), rec.FirstJobID, rec.LastJobID, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	var (
		rec    domain.IdempotencyRecord
		status string
	)
	err := s.pool.QueryRow(ctx, `
SELECT key,task_name,status,first_job_id,last_job_id,result,error,created_at,updated_at
FROM idempotency_records WHERE key=$1`, key).
		Scan(&rec.Key, &rec.TaskName, &status, &rec.FirstJobID, &rec.LastJobID, &rec.Result, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	rec.Status = domain.IdempotencyStatus(status)
	return rec, nil
}

func (s *PostgresStore) TouchRunning(ctx context.Context, key, jobID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE idempotency_records SET last_job_id=$1, updated_at=$2 WHERE key=$3 AND status='running'`, jobID, now, key)
	return err
}

func (s *PostgresStore) Reacquire(ctx context.Context, key, jobID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE idempotency_records SET status='running', error='', last_job_id=$1, updated_at=$2
WHERE key=$3 AND status='failed'`, jobID, now, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Complete(ctx context.Context, key string, result []byte, jobID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE idempotency_records SET status='completed', result=$1, error='', last_job_id=$2, updated_at=$3
WHERE key=$4`, result, jobID, now, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, key, errText, jobID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE idempotency_records SET status='failed', error=$1, last_job_id=$2, updated_at=$3
WHERE key=$4 AND status<>'completed'`, errText, jobID, now, key)
	return err
}
