package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"newsflow/internal/db"
	"newsflow/internal/domain"
)

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(conn *sql.DB) Repository { return &sqliteRepo{db: conn, now: time.Now} }

// DB returns the underlying database connection.
func (r *sqliteRepo) DB() *sql.DB { return r.db }

// queryer is satisfied by both *sql.DB and *sql.Tx. Code running inside a
// transaction must use the tx: the pool holds a single connection.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const jobColumns = `id,job_type,queue_name,entity_id,status,priority,attempt,max_attempts,idempotency_key,
correlation_id,request_id,payload,result,error,queued_at,next_run_at,started_at,finished_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j                              domain.Job
		status, priority               string
		entity, idem                   sql.NullString
		queuedAt, nextRunAt, updatedAt int64
		startedAt, finishedAt          sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.JobType, &j.QueueName, &entity, &status, &priority, &j.Attempt, &j.MaxAttempts, &idem,
		&j.CorrelationID, &j.RequestID, &j.Payload, &j.Result, &j.Error, &queuedAt, &nextRunAt, &startedAt, &finishedAt, &updatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobStatus(status)
	j.Priority = domain.Priority(priority)
	if entity.Valid {
		s := entity.String
		j.EntityID = &s
	}
	if idem.Valid {
		s := idem.String
		j.IdempotencyKey = &s
	}
	j.QueuedAt = db.FromNanos(queuedAt)
	j.NextRunAt = db.FromNanos(nextRunAt)
	j.UpdatedAt = db.FromNanos(updatedAt)
	j.StartedAt = db.NullNanos(startedAt)
	j.FinishedAt = db.NullNanos(finishedAt)
	return j, nil
}

func getJob(ctx context.Context, q queryer, id string) (domain.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

func (r *sqliteRepo) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	if err := req.normalize(); err != nil {
		return domain.Job{}, err
	}

	// Check for existing job with same idempotency key
	if req.IdempotencyKey != nil {
		if j, err := r.GetByIdempotencyKey(ctx, *req.IdempotencyKey); err == nil {
			return j, nil
		}
	}

	now := r.now().UTC()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	id := "job_" + uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id,job_type,queue_name,entity_id,status,priority,attempt,max_attempts,idempotency_key,
  correlation_id,request_id,payload,error,queued_at,next_run_at,updated_at)
VALUES (?,?,?,?,'queued',?,0,?,?,?,?,?,'',?,?,?)`,
		id, req.JobType, req.QueueName, req.EntityID, string(req.Priority), req.MaxAttempts, req.IdempotencyKey,
		req.CorrelationID, req.RequestID, req.Payload, db.Nanos(now), db.Nanos(runAt), db.Nanos(now))
	if err != nil {
		// lost an idempotency race: the winner's job is authoritative
		if req.IdempotencyKey != nil {
			if j, gerr := r.GetByIdempotencyKey(ctx, *req.IdempotencyKey); gerr == nil {
				return j, nil
			}
		}
		return domain.Job{}, err
	}
	return getJob(ctx, r.db, id)
}

func (r *sqliteRepo) GetByIdempotencyKey(ctx context.Context, key string) (domain.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key=?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

func (r *sqliteRepo) Claim(ctx context.Context, queues []string, now time.Time) (job domain.Job, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `SELECT id FROM jobs WHERE status='queued' AND next_run_at <= ?`
	args := []any{db.Nanos(now)}
	if len(queues) > 0 {
		query += ` AND queue_name IN (?` + strings.Repeat(",?", len(queues)-1) + `)`
		for _, q := range queues {
			args = append(args, q)
		}
	}
	query += ` ORDER BY next_run_at, queued_at LIMIT 1`

	var id string
	if err = tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrEmpty
		}
		return domain.Job{}, err
	}

	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='running', attempt=attempt+1, started_at=?, finished_at=NULL, updated_at=?
WHERE id=? AND status='queued'`, db.Nanos(now), db.Nanos(now), id)
	if err != nil {
		return domain.Job{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrEmpty
		return domain.Job{}, err
	}

	job, err = getJob(ctx, tx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (r *sqliteRepo) Complete(ctx context.Context, id string, result []byte, now time.Time) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='completed', result=?, error='', finished_at=?, updated_at=?
WHERE id=? AND status='running'`, result, db.Nanos(now), db.Nanos(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrNotRunning
		return err
	}
	if err = insertAttempt(ctx, tx, j, true, "", now); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) Fail(ctx context.Context, id string, f Failure, delay time.Duration, now time.Time) (status domain.JobStatus, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if j.Status != domain.JobRunning {
		err = ErrNotRunning
		return "", err
	}
	status, err = failJob(ctx, tx, j, f, "max_attempts_exceeded", delay, now)
	if err != nil {
		return "", err
	}
	return status, tx.Commit()
}

// failJob records the failed attempt and applies the attempt-vs-max
// decision: requeue while attempts remain, otherwise dead-letter. The
// intermediate failed status is never stored: the job_attempts row is the
// failure record, so in practice Retry acts on dead_lettered jobs.
func failJob(ctx context.Context, tx queryer, j domain.Job, f Failure, reason string, delay time.Duration, now time.Time) (domain.JobStatus, error) {
	if j.Status == domain.JobRunning {
		if err := insertAttempt(ctx, tx, j, false, f.Error, now); err != nil {
			return "", err
		}
	}

	if j.Attempt >= j.MaxAttempts {
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='dead_lettered', error=?, finished_at=?, updated_at=?
WHERE id=? AND status=?`, f.Error, db.Nanos(now), db.Nanos(now), j.ID, string(j.Status))
		if err != nil {
			return "", err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", ErrNotRunning
		}
		md, _ := json.Marshal(deadLetterMetadata(j, reason))
		_, err = tx.ExecContext(ctx, `
INSERT INTO dead_letter_jobs (id,job_id,job_type,queue_name,attempt,failed_at,error,stack_trace,payload,metadata)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
			"dlq_"+uuid.NewString(), j.ID, j.JobType, j.QueueName, j.Attempt, db.Nanos(now), f.Error, f.StackTrace, j.Payload, string(md))
		if err != nil {
			return "", err
		}
		return domain.JobDeadLettered, nil
	}

	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='queued', error=?, finished_at=NULL, queued_at=?, next_run_at=?, updated_at=?
WHERE id=? AND status=?`, f.Error, db.Nanos(now), db.Nanos(now.Add(delay)), db.Nanos(now), j.ID, string(j.Status))
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotRunning
	}
	return domain.JobQueued, nil
}

func insertAttempt(ctx context.Context, q queryer, j domain.Job, success bool, errText string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO job_attempts (job_id,attempt,started_at,finished_at,success,error) VALUES (?,?,?,?,?,?)`,
		j.ID, j.Attempt, db.NanosOrNil(j.StartedAt), db.Nanos(now), success, errText)
	return err
}

func (r *sqliteRepo) Retry(ctx context.Context, id string, opts RetryOptions, now time.Time) (job domain.Job, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !j.Status.Retryable() {
		err = ErrNotRetryable
		return domain.Job{}, err
	}
	attempt, maxAttempts := retryBudget(j.Attempt, j.MaxAttempts, opts)
	_, err = tx.ExecContext(ctx, `
UPDATE jobs SET status='queued', attempt=?, max_attempts=?, error='', result=NULL, started_at=NULL, finished_at=NULL,
  queued_at=?, next_run_at=?, updated_at=?
WHERE id=? AND status=?`, attempt, maxAttempts, db.Nanos(now), db.Nanos(now), db.Nanos(now), id, string(j.Status))
	if err != nil {
		return domain.Job{}, err
	}
	job, err = getJob(ctx, tx, id)
	if err != nil {
		return domain.Job{}, err
	}
	return job, tx.Commit()
}

func (r *sqliteRepo) RecoverStale(ctx context.Context, staleRunning, staleQueued time.Duration, now time.Time) (out RecoverResult, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return RecoverResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var stale []domain.Job
	if staleRunning > 0 {
		jobs, err := listJobs(ctx, tx, `WHERE status='running' AND started_at < ?`, db.Nanos(now.Add(-staleRunning)))
		if err != nil {
			return RecoverResult{}, err
		}
		stale = append(stale, jobs...)
	}
	if staleQueued > 0 {
		jobs, err := listJobs(ctx, tx, `WHERE status='queued' AND next_run_at < ?`, db.Nanos(now.Add(-staleQueued)))
		if err != nil {
			return RecoverResult{}, err
		}
		stale = append(stale, jobs...)
	}

	for _, j := range stale {
		status, ferr := failJob(ctx, tx, j, Failure{Error: StaleError}, "stale", 0, now)
		if errors.Is(ferr, ErrNotRunning) {
			continue
		}
		if ferr != nil {
			err = ferr
			return RecoverResult{}, err
		}
		if err = releaseIdempotency(ctx, tx, j.ID, now); err != nil {
			return RecoverResult{}, err
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
	if err = tx.Commit(); err != nil {
		return RecoverResult{}, err
	}
	return out, nil
}

// releaseIdempotency fails a ledger record still held by a swept job, so the
// next job with the same key runs instead of waiting on a dead owner.
func releaseIdempotency(ctx context.Context, q queryer, jobID string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
UPDATE idempotency_records SET status='failed', error=?, updated_at=?
WHERE last_job_id=? AND status='running'`, StaleError, db.Nanos(now), jobID)
	return err
}

func listJobs(ctx context.Context, q queryer, where string, args ...any) ([]domain.Job, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	return getJob(ctx, r.db, id)
}

func (r *sqliteRepo) List(ctx context.Context, f ListFilter) ([]domain.Job, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, string(f.Status))
	}
	if f.JobType != "" {
		conds = append(conds, "job_type=?")
		args = append(args, f.JobType)
	}
	if f.QueueName != "" {
		conds = append(conds, "queue_name=?")
		args = append(args, f.QueueName)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, clampLimit(f.Limit))
	return listJobs(ctx, r.db, where+` ORDER BY queued_at DESC LIMIT ?`, args...)
}

func (r *sqliteRepo) Attempts(ctx context.Context, id string) ([]domain.JobAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,job_id,attempt,started_at,finished_at,success,error FROM job_attempts WHERE job_id=? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobAttempt
	for rows.Next() {
		var (
			a        domain.JobAttempt
			started  sql.NullInt64
			finished int64
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.Attempt, &started, &finished, &a.Success, &a.Error); err != nil {
			return nil, err
		}
		a.StartedAt = db.NullNanos(started)
		a.FinishedAt = db.FromNanos(finished)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,job_id,job_type,queue_name,attempt,failed_at,error,stack_trace,payload,metadata
FROM dead_letter_jobs ORDER BY failed_at DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeadLetterRecord
	for rows.Next() {
		var (
			d        domain.DeadLetterRecord
			failedAt int64
			md       string
		)
		if err := rows.Scan(&d.ID, &d.JobID, &d.JobType, &d.QueueName, &d.Attempt, &failedAt, &d.Error, &d.StackTrace, &d.Payload, &md); err != nil {
			return nil, err
		}
		d.FailedAt = db.FromNanos(failedAt)
		if err := json.Unmarshal([]byte(md), &d.Metadata); err != nil {
			return nil, fmt.Errorf("decode dead letter metadata: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM jobs WHERE queue_name=? AND status IN ('queued','running')`, queue).Scan(&n)
	return n, err
}

func (r *sqliteRepo) QueueDepths(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
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

const scheduleColumns = `id,name,cron_expr,job_type,queue_name,payload,priority,max_attempts,enabled,last_run,next_run,created_at,updated_at`

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		s                           domain.Schedule
		priority                    string
		lastRun                     sql.NullInt64
		nextRun, created, updatedAt int64
	)
	if err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.JobType, &s.QueueName, &s.Payload, &priority, &s.MaxAttempts,
		&s.Enabled, &lastRun, &nextRun, &created, &updatedAt); err != nil {
		return domain.Schedule{}, err
	}
	s.Priority = domain.Priority(priority)
	s.LastRun = db.NullNanos(lastRun)
	s.NextRun = db.FromNanos(nextRun)
	s.CreatedAt = db.FromNanos(created)
	s.UpdatedAt = db.FromNanos(updatedAt)
	return s, nil
}

func (r *sqliteRepo) listSchedules(ctx context.Context, where string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (domain.Schedule, error) {
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

	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Name, s.CronExpr, s.JobType, s.QueueName, s.Payload, string(s.Priority), s.MaxAttempts, s.Enabled,
		db.NanosOrNil(s.LastRun), db.Nanos(s.NextRun), db.Nanos(now), db.Nanos(now))
	if err != nil {
		return domain.Schedule{}, err
	}
	return s, nil
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	s, err := scanSchedule(r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return s, err
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.listSchedules(ctx, `ORDER BY name`)
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.listSchedules(ctx, `WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, db.Nanos(now))
}

func (r *sqliteRepo) MarkScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?, next_run=?, updated_at=? WHERE id=?`,
		db.Nanos(lastRun), db.Nanos(nextRun), db.Nanos(r.now()), id)
	return err
}
