package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"newsflow/internal/db"
	"newsflow/internal/domain"
)

type SQLiteStore struct{ db *sql.DB }

func NewSQLiteStore(conn *sql.DB) *SQLiteStore { return &SQLiteStore{db: conn} }

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Insert(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO idempotency_records (key,task_name,status,first_job_id,last_job_id,result,error,created_at,updated_at)
VALUES (?,?,?,?,?,NULL,'',?,?)
ON CONFLICT(key) DO NOTHING`,
		rec.Key, rec.TaskName, string(rec.Status), rec.FirstJobID, rec.LastJobID,
		db.Nanos(rec.CreatedAt), db.Nanos(rec.UpdatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT key,task_name,status,first_job_id,last_job_id,result,error,created_at,updated_at
FROM idempotency_records WHERE key=?`, key)
	var (
		rec                domain.IdempotencyRecord
		status             string
		created, updatedAt int64
	)
	if err := row.Scan(&rec.Key, &rec.TaskName, &status, &rec.FirstJobID, &rec.LastJobID, &rec.Result, &rec.Error, &created, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, ErrNotFound
		}
		return domain.IdempotencyRecord{}, err
	}
	rec.Status = domain.IdempotencyStatus(status)
	rec.CreatedAt = db.FromNanos(created)
	rec.UpdatedAt = db.FromNanos(updatedAt)
	return rec, nil
}

func (s *SQLiteStore) TouchRunning(ctx context.Context, key, jobID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE idempotency_records SET last_job_id=?, updated_at=? WHERE key=? AND status='running'`,
		jobID, db.Nanos(now), key)
	return err
}

func (s *SQLiteStore) Reacquire(ctx context.Context, key, jobID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE idempotency_records SET status='running', error='', last_job_id=?, updated_at=?
WHERE key=? AND status='failed'`, jobID, db.Nanos(now), key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) Complete(ctx context.Context, key string, result []byte, jobID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE idempotency_records SET status='completed', result=?, error='', last_job_id=?, updated_at=?
WHERE key=?`, result, jobID, db.Nanos(now), key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Fail(ctx context.Context, key, errText, jobID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE idempotency_records SET status='failed', error=?, last_job_id=?, updated_at=?
WHERE key=? AND status<>'completed'`, errText, jobID, db.Nanos(now), key)
	return err
}
