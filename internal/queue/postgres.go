package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"newsflow/internal/domain"
)

type pgRepo struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresRepo returns a Repository whose Claim uses FOR UPDATE SKIP LOCKED
// so any number of worker processes can share the queue tables.
func NewPostgresRepo(pool *pgxpool.Pool) Repository {
	return &pgRepo{pool: pool, now: time.Now}
}

// pgQueryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQueryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgScanJob(row pgx.Row) (domain.Job, error) {
	var (
		j                domain.Job
		status, priority string
	)
	err := row.Scan(&j.ID, &j.JobType, &j.QueueName, &j.EntityID, &status, &priority, &j.Attempt, &j.MaxAttempts,
		&j.IdempotencyKey, &j.CorrelationID, &j.RequestID, &j.Payload, &j.Result, &j.Error, &j.QueuedAt, &j.NextRunAt,
		&j.StartedAt, &j.FinishedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobStatus(status)
	j.Priority = domain.Priority(priority)
	return j, nil
}

func pgGetJob(ctx context.Context, q pgQueryer, id string, forUpdate bool) (domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	j, err := pgScanJob(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

func (r *pgRepo) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	if err := req.normalize(); err != nil {
		return domain.Job{}, err
	}
	now := r.now().UTC()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	id := "job_" + uuid.NewString()
	_, err := r.pool.Exec(ctx, `
INSERT INTO jobs (id,job_type,queue_name,entity_id,status,priority,attempt,max_attempts,idempotency_key,
  correlation_id,request_id,payload,error,queued_at,next_run_at,updated_at)
VALUES ($1,$2,$3,$4,'queued',$5,0,$6,$7,$8,$9,$10,'',$11,$12,$11)
ON CONFLICT (idempotency_key) DO NOTHING`,
		id, req.JobType, req.QueueName, req.EntityID, string(req.Priority), req.MaxAttempts,
		req.IdempotencyKey, req.CorrelationID, req.RequestID, req.Payload, now, runAt)
	if err != nil {
		return domain.Job{}, err
	}

	// on a key conflict the existing job is authoritative
	if req.IdempotencyKey != nil {
		return r.GetByIdempotencyKey(ctx, *req.IdempotencyKey)
	}
	return pgGetJob(ctx, r.pool, id, false)
}

func (r *pgRepo) GetByIdempotencyKey(ctx context.Context, key string) (domain.Job, error) {
	j, err := pgScanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key=$1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

func (r *pgRepo) Claim(ctx context.Context, queues []string, now time.Time) (domain.Job, error) {
	query := `
WITH next AS (
  SELECT id FROM jobs
  WHERE status='queued' AND next_run_at <= $1 %s
  ORDER BY next_run_at, queued_at
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
UPDATE jobs j SET status='running', attempt=j.attempt+1, started_at=$1, finished_at=NULL, updated_at=$1
FROM next WHERE j.id = next.id
RETURNING ` + prefixed("j.", jobColumns)
	args := []any{now}
	filter := ""
	if len(queues) > 0 {
		filter = "AND queue_name = ANY($2)"
		args = append(args, queues)
	}

	j, err := pgScanJob(r.pool.QueryRow(ctx, fmt.Sprintf(query, filter), args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, ErrEmpty
	}
	return j, err
}

// prefixed qualifies every column of a comma separated list.
func prefixed(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ",")
}

func (r *pgRepo) Complete(ctx context.Context, id string, result []byte, now time.Time) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		j, err := pgGetJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
UPDATE jobs SET status='completed', result=$1, error='', finished_at=$2, updated_at=$2
WHERE id=$3 AND status='running'`, result, now, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotRunning
		}
		return pgInsertAttempt(ctx, tx, j, true, "", now)
	})
}

func (r *pgRepo) Fail(ctx context.Context, id string, f Failure, delay time.Duration, now time.Time) (domain.JobStatus, error) {
	var status domain.JobStatus
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		j, err := pgGetJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if j.Status != domain.JobRunning {
			return ErrNotRunning
		}
		status, err = pgFailJob(ctx, tx, j, f, "max_attempts_exceeded", delay, now)
		return err
	})
	return status, err
}

// pgFailJob mirrors failJob: a requeued job goes straight from running to queued.
func pgFailJob(ctx context.Context, tx pgQueryer, j domain.Job, f Failure, reason string, delay time.Duration, now time.Time) (domain.JobStatus, error) {
	if j.Status == domain.JobRunning {
		if err := pgInsertAttempt(ctx, tx, j, false, f.Error, now); err != nil {
			return "", err
		}
	}

	if j.Attempt >= j.MaxAttempts {
		tag, err := tx.Exec(ctx, `
UPDATE jobs SET status='dead_lettered', error=$1, finished_at=$2, updated_at=$2
WHERE id=$3 AND status=$4`, f.Error, now, j.ID, string(j.Status))
		if err != nil {
			return "", err
		}
		if tag.RowsAffected() == 0 {
			return "", ErrNotRunning
		}
		_, err = tx.Exec(ctx, `
INSERT INTO dead_letter_jobs (id,job_id,job_type,queue_name,attempt,failed_at,error,stack_trace,payload,metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			"dlq_"+uuid.NewString(), j.ID, j.JobType, j.QueueName, j.Attempt, now, f.Error, f.StackTrace, j.Payload,
			deadLetterMetadata(j, reason))
		if err != nil {
			return "", err
		}
		return domain.JobDeadLettered, nil
	}

	tag, err := tx.Exec(ctx, `
UPDATE jobs SET status='queued', error=$1, finished_at=NULL, queued_at=$2, next_run_at=$3, updated_at=$2
WHERE id=$4 AND status=$5`, f.Error, now, now.Add(delay), j.ID, string(j.Status))
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "", ErrNotRunning
	}
	return domain.JobQueued, nil
}

func pgInsertAttempt(ctx context.Context, q pgQueryer, j domain.Job, success bool, errText string, now time.Time) error {
	_, err := q.Exec(ctx, `
INSERT INTO job_attempts (job_id,attempt,started_at,finished_at,success,error) VALUES ($1,$2,$3,$4,$5,$6)`,
		j.ID, j.Attempt, j.StartedAt, now, success, errText)
	return err
}

func (r *pgRepo) Retry(ctx context.Context, id string, opts RetryOptions, now time.Time) (domain.Job, error) {
	var out domain.Job
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		j, err := pgGetJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !j.Status.Retryable() {
			return ErrNotRetryable
		}
		attempt, maxAttempts := retryBudget(j.Attempt, j.MaxAttempts, opts)
		out, err = pgScanJob(tx.QueryRow(ctx, `
UPDATE jobs SET status='queued', attempt=$1, max_attempts=$2, error='', result=NULL, started_at=NULL, finished_at=NULL,
  queued_at=$3, next_run_at=$3, updated_at=$3
WHERE id=$4
RETURNING `+jobColumns, attempt, maxAttempts, now, id))
		return err
	})
	return out, err
}

func (r *pgRepo) RecoverStale(ctx context.Context, staleRunning, staleQueued time.Duration, now time.Time) (RecoverResult, error) {
	var out RecoverResult
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		out = RecoverResult{}
		var stale []domain.Job
		if staleRunning > 0 {
			jobs, err := pgListJobs(ctx, tx, `WHERE status='running' AND started_at < $1 FOR UPDATE SKIP LOCKED`, now.Add(-staleRunning))
			if err != nil {
				return err
			}
			stale = append(stale, jobs...)
		}
		if staleQueued > 0 {
			jobs, err := pgListJobs(ctx, tx, `WHERE status='queued' AND next_run_at < $1 FOR UPDATE SKIP LOCKED`, now.Add(-staleQueued))
			if err != nil {
				return err
			}
			stale = append(stale, jobs...)
		}

		for _, j := range stale {
			status, err := pgFailJob(ctx, tx, j, Failure{Error: StaleError}, "stale", 0, now)
			if errors.Is(err, ErrNotRunning) {
				continue
			}
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
UPDATE idempotency_records SET status='failed', error=$1, updated_at=$2
WHERE last_job_id=$3 AND status='running'`, StaleError, now, j.ID); err != nil {
				return err
			}
			if j.Status == domain.JobRunning {
				out.RecoveredRunning++
			} else {
				out.RecoveredQueued++
			}
			if status == domain.JobDeadLettered {
				out.DeadLettered++
			}
		}
		return nil
	})
	return out, err
}

func pgListJobs(ctx context.Context, q pgQueryer, where string, args ...any) ([]domain.Job, error) {
	rows, err := q.Query(ctx, `SELECT `+jobColumns+` FROM jobs `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := pgScanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *pgRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	return pgGetJob(ctx, r.pool, id, false)
}

func (r *pgRepo) List(ctx context.Context, f ListFilter) ([]domain.Job, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status=$%d", string(f.Status))
	}
	if f.JobType != "" {
		add("job_type=$%d", f.JobType)
	}
	if f.QueueName != "" {
		add("queue_name=$%d", f.QueueName)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, clampLimit(f.Limit))
	return pgListJobs(ctx, r.pool, fmt.Sprintf("%s ORDER BY queued_at DESC LIMIT $%d", where, len(args)), args...)
}

func (r *pgRepo) Attempts(ctx context.Context, id string) ([]domain.JobAttempt, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id,job_id,attempt,started_at,finished_at,success,error FROM job_attempts WHERE job_id=$1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobAttempt
	for rows.Next() {
		var a domain.JobAttempt
		if err := rows.Scan(&a.ID, &a.JobID, &a.Attempt, &a.StartedAt, &a.FinishedAt, &a.Success, &a.Error); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *pgRepo) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id,job_id,job_type,queue_name,attempt,failed_at,error,stack_trace,payload,metadata
FROM dead_letter_jobs ORDER BY failed_at DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeadLetterRecord
	for rows.Next() {
		var d domain.DeadLetterRecord
		if err := rows.Scan(&d.ID, &d.JobID, &d.JobType, &d.QueueName, &d.Attempt, &d.FailedAt, &d.Error, &d.StackTrace,
			&d.Payload, &d.Metadata); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *pgRepo) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM jobs WHERE queue_name=$1 AND status IN ('queued','running')`, queue).Scan(&n)
	return n, err
}

func (r *pgRepo) QueueDepths(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `
SELECT queue_name, COUNT(*) FROM jobs WHERE status IN ('queued','running') GROUP BY queue_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			q string
			n int
		)
		if err := rows.Scan(&q, &n); err != nil {
			return nil, err
		}
		out[q] = n
	}
	return out, rows.Err()
}

func pgScanSchedule(row pgx.Row) (domain.Schedule, error) {
	var (
		s        domain.Schedule
		priority string
	)
	if err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.JobType, &s.QueueName, &s.Payload, &priority, &s.MaxAttempts,
		&s.Enabled, &s.LastRun, &s.NextRun, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	s.Priority = domain.Priority(priority)
	return s, nil
}

func (r *pgRepo) listSchedules(ctx context.Context, where string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := pgScanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *pgRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (domain.Schedule, error) {
	if s.ID == "" {
		s.ID = "sch_" + uuid.NewString()
	}
	if s.QueueName == "" {
		s.QueueName = DefaultQueue
	}
	if s.Priority == "" {
		s.Priority = domain.PriorityNormal
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.Payload == nil {
		s.Payload = []byte("{}")
	}
	now := r.now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now

	_, err := r.pool.Exec(ctx, `
INSERT INTO schedules (`+scheduleColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)`,
		s.ID, s.Name, s.CronExpr, s.JobType, s.QueueName, s.Payload, string(s.Priority), s.MaxAttempts, s.Enabled,
		s.LastRun, s.NextRun, now)
	if err != nil {
		return domain.Schedule{}, err
	}
	return s, nil
}

func (r *pgRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	s, err := pgScanSchedule(r.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return s, err
}

func (r *pgRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.listSchedules(ctx, `ORDER BY name`)
}

func (r *pgRepo) DeleteSchedule(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM schedules WHERE id=$1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepo) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.listSchedules(ctx, `WHERE enabled AND next_run <= $1 ORDER BY next_run`, now)
}

func (r *pgRepo) MarkScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.pool.Exec(ctx, `
UPDATE schedules SET last_run=$1, next_run=$2, updated_at=$3 WHERE id=$4`, lastRun, nextRun, r.now(), id)
	return err
}
