package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"newsflow/internal/db"
	"newsflow/internal/domain"
)

func newTestRepo(t *testing.T) (*sqliteRepo, *time.Time) {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := NewSQLiteRepo(conn).(*sqliteRepo)
	repo.now = func() time.Time { return now }
	return repo, &now
}

func submit(t *testing.T, repo Repository, req SubmitRequest) domain.Job {
	t.Helper()
	j, err := repo.Submit(context.Background(), req)
	require.NoError(t, err)
	return j
}

func TestSubmit_AppliesDefaults(t *testing.T) {
	repo, _ := newTestRepo(t)

	j := submit(t, repo, SubmitRequest{JobType: "rewrite"})
	require.Equal(t, domain.JobQueued, j.Status)
	require.Equal(t, DefaultQueue, j.QueueName)
	require.Equal(t, DefaultMaxAttempts, j.MaxAttempts)
	require.Equal(t, domain.PriorityNormal, j.Priority)
	require.Zero(t, j.Attempt)
	require.JSONEq(t, `{}`, string(j.Payload))
	require.Nil(t, j.StartedAt)
	require.Nil(t, j.FinishedAt)
}

func TestSubmit_RejectsInvalidRequests(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Submit(ctx, SubmitRequest{})
	require.Error(t, err)
	_, err = repo.Submit(ctx, SubmitRequest{JobType: "x", Priority: "urgent"})
	require.Error(t, err)
	_, err = repo.Submit(ctx, SubmitRequest{JobType: "x", MaxAttempts: -1})
	require.Error(t, err)
}

func TestSubmit_IdempotencyKeyReturnsExistingJob(t *testing.T) {
	repo, _ := newTestRepo(t)
	key := "rewrite:abc"

	first := submit(t, repo, SubmitRequest{JobType: "rewrite", IdempotencyKey: &key})
	second := submit(t, repo, SubmitRequest{JobType: "rewrite", IdempotencyKey: &key, Payload: []byte(`{"x":1}`)})
	require.Equal(t, first.ID, second.ID)

	jobs, err := repo.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestClaimCompleteLifecycle(t *testing.T) {
	repo, now := newTestRepo(t)
	ctx := context.Background()

	j := submit(t, repo, SubmitRequest{JobType: "rewrite", QueueName: "content"})

	_, err := repo.Claim(ctx, []string{"other"}, *now)
	require.ErrorIs(t, err, ErrEmpty)

	claimed, err := repo.Claim(ctx, []string{"content"}, *now)
	require.NoError(t, err)
	require.Equal(t, j.ID, claimed.ID)
	require.Equal(t, domain.JobRunning, claimed.Status)
	require.Equal(t, 1, claimed.Attempt)
	require.NotNil(t, claimed.StartedAt)

	_, err = repo.Claim(ctx, nil, *now)
	require.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, repo.Complete(ctx, j.ID, []byte(`{"ok":true}`), now.Add(time.Second)))
	require.ErrorIs(t, repo.Complete(ctx, j.ID, nil, *now), ErrNotRunning)

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, got.Status)
	require.JSONEq(t, `{"ok":true}`, string(got.Result))
	require.NotNil(t, got.FinishedAt)

	attempts, err := repo.Attempts(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.True(t, attempts[0].Success)
}

func TestClaim_HonorsRunAt(t *testing.T) {
	repo, now := newTestRepo(t)
	ctx := context.Background()

	submit(t, repo, SubmitRequest{JobType: "publish", RunAt: now.Add(time.Hour)})

	_, err := repo.Claim(ctx, nil, *now)
	require.ErrorIs(t, err, ErrEmpty)

	_, err = repo.Claim(ctx, nil, now.Add(time.Hour))
	require.NoError(t, err)
}

func TestFail_RequeuesWithDelayAndKeepsAttempt(t *testing.T) {
	repo, now := newTestRepo(t)
	ctx := context.Background()

	j := submit(t, repo, SubmitRequest{JobType: "rewrite", MaxAttempts: 3})
	_, err := repo.Claim(ctx, nil, *now)
	require.NoError(t, err)

	status, err := repo.Fail(ctx, j.ID, Failure{Error: "provider timeout"}, 2*time.Second, *now)
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, status)

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, got.Status)
	require.Equal(t, 1, got.Attempt)
	require.Equal(t, "provider timeout", got.Error)
	require.Nil(t, got.FinishedAt)

	// failed is transient inside Fail, never left behind
	failed, err := repo.List(ctx, ListFilter{Status: domain.JobFailed})
	require.NoError(t, err)
	require.Empty(t, failed)

	_, err = repo.Claim(ctx, nil, now.Add(time.Second))
	require.ErrorIs(t, err, ErrEmpty)

	again, err := repo.Claim(ctx, nil, now.Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, 2, again.Attempt)

	attempts, err := repo.Attempts(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.False(t, attempts[0].Success)
	require.Equal(t, "provider timeout", attempts[0].Error)
}

func TestFail_DeadLettersAfterMaxAttempts(t *testing.T) {
	repo, now := newTestRepo(t)
	ctx := context.Background()

	j := submit(t, repo, SubmitRequest{JobType: "rewrite", MaxAttempts: 3, CorrelationID: "corr-1"})

	var status domain.JobStatus
	for i := 1; i <= 3; i++ {
		claimed, err := repo.Claim(ctx, nil, *now)
		require.NoError(t, err)
		require.Equal(t, i, claimed.Attempt)

		status, err = repo.Fail(ctx, j.ID, Failure{Error: "boom", StackTrace: "trace"}, 0, *now)
		require.NoError(t, err)
	}
	require.Equal(t, domain.JobDeadLettered, status)

	_, err := repo.Claim(ctx, nil, *now)
	require.ErrorIs(t, err, ErrEmpty)

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobDeadLettered, got.Status)
	require.Equal(t, 3, got.Attempt)
	require.NotNil(t, got.FinishedAt)

	dlq, err := repo.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	require.Equal(t, j.ID, dlq[0].JobID)
	require.Equal(t, 3, dlq[0].Attempt)
	require.Equal(t, "boom", dlq[0].Error)
	require.Equal(t, "trace", dlq[0].StackTrace)
	require.Equal(t, "corr-1", dlq[0].Metadata["correlation_id"])
	require.Equal(t, "max_attempts_exceeded", dlq[0].Metadata["reason"])

	attempts, err := repo.Attempts(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
}

func TestFail_RequiresRunningJob(t *testing.T) {
	repo, now := newTestRepo(t)
	ctx := context.Background()

	j := submit(t, repo, SubmitRequest{JobType: "rewrite"})
	_, err := repo.Fail(ctx, j.ID, Failure{Error: "x"}, 0, *now)
	require.ErrorIs(t, err, ErrNotRunning)

	_, err = repo.Fail(ctx, "job_missing", Failure{Error: "x"}, 0, *now)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRetry_OnlyFromFailedOrDeadLettered(t *testing.T) {
	repo, now := newTestRepo(t)
	ctx := context.Background()

	j := submit(t, repo, SubmitRequest{JobType: "rewrite", MaxAttempts: 1})
	_, err := repo.Retry(ctx, j.ID, RetryOptions{}, *now)
	require.ErrorIs(t, err, ErrNotRetryable)

	_, err = repo.Claim(ctx, nil, *now)
	require.NoError(t, err)
	_, err = repo.Retry(ctx, j.ID, RetryOptions{}, *now)
	require.ErrorIs(t, err, ErrNotRetryable)

	status, err := repo.Fail(ctx, j.ID, Failure{Error: "boom"}, 0, *now)
	require.NoError(t, err)
	require.Equal(t, domain.JobDeadLettered, status)

	retried, err := repo.Retry(ctx, j.ID, RetryOptions{}, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, retried.Status)
	require.Equal(t, 1, retried.Attempt, "attempt count is preserved")
	require.Equal(t, 2, retried.MaxAttempts, "exhausted job gets one more attempt")
	require.Empty(t, retried.Error)
	require.Nil(t, retried.FinishedAt)

	// a second failure dead-letters again
	_, err = repo.Claim(ctx, nil, now.Add(time.Minute))
	require.NoError(t, err)
	status, err = repo.Fail(ctx, j.ID, Failure{Error: "boom"}, 0, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.JobDeadLettered, status)

	_, err = repo.Retry(ctx, "job_missing", RetryOptions{}, *now)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRetry_ResetAttempts(t *testing.T) {
	repo, now := newTestRepo(t)
	ctx := context.Background()

	j := submit(t, repo, SubmitRequest{JobType: "rewrite", MaxAttempts: 1})
	_, err := repo.Claim(ctx, nil, *now)
	require.NoError(t, err)
	_, err = repo.Fail(ctx, j.ID, Failure{Error: "boom"}, 0, *now)
	require.NoError(t, err)

	retried, err := repo.Retry(ctx, j.ID, RetryOptions{ResetAttempts: true}, *now)
	require.NoError(t, err)
	require.Zero(t, retried.Attempt)
	require.Equal(t, 1, retried.MaxAttempts)
}

func TestRetryBudget(t *testing.T) {
	cases := []struct {
		attempt, max   int
		reset          bool
		wantA, wantMax int
	}{
		{attempt: 1, max: 3, wantA: 1, wantMax: 3},
		{attempt: 3, max: 3, wantA: 3, wantMax: 4},
		{attempt: 5, max: 3, wantA: 5, wantMax: 6},
		{attempt: 3, max: 3, reset: true, wantA: 0, wantMax: 3},
	}
	for _, tc := range cases {
		a, m := retryBudget(tc.attempt, tc.max, RetryOptions{ResetAttempts: tc.reset})
		require.Equal(t, tc.wantA, a)
		require.Equal(t, tc.wantMax, m)
	}
}

func TestRecoverStale_OnlyTouchesOldJobs(t *testing.T) {
	repo, now := newTestRepo(t)
	ctx := context.Background()
	start := *now

	oldRunning := submit(t, repo, SubmitRequest{JobType: "a", MaxAttempts: 3})
	_, err := repo.Claim(ctx, nil, start)
	require.NoError(t, err)

	exhausted := submit(t, repo, SubmitRequest{JobType: "b", MaxAttempts: 1})
	_, err = repo.Claim(ctx, nil, start)
	require.NoError(t, err)

	*now = start.Add(50 * time.Minute)
	freshRunning := submit(t, repo, SubmitRequest{JobType: "c"})
	_, err = repo.Claim(ctx, nil, *now)
	require.NoError(t, err)
	freshQueued := submit(t, repo, SubmitRequest{JobType: "d"})

	sweepAt := start.Add(61 * time.Minute)
	res, err := repo.RecoverStale(ctx, time.Hour, 0, sweepAt)
	require.NoError(t, err)
	require.Equal(t, RecoverResult{RecoveredRunning: 2, DeadLettered: 1}, res)

	got, err := repo.Get(ctx, oldRunning.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, got.Status)
	require.Equal(t, StaleError, got.Error)

	got, err = repo.Get(ctx, exhausted.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobDeadLettered, got.Status)

	got, err = repo.Get(ctx, freshRunning.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobRunning, got.Status)

	got, err = repo.Get(ctx, freshQueued.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, got.Status)
	require.Empty(t, got.Error)

	dlq, err := repo.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	require.Equal(t, "stale", dlq[0].Metadata["reason"])
}

func TestRecoverStale_ReleasesLedgerRecordsOfSweptJobs(t *testing.T) {
	repo, now := newTestRepo(t)
	ctx := context.Background()
	start := *now

	swept := submit(t, repo, SubmitRequest{JobType: "rewrite", MaxAttempts: 3})
	_, err := repo.Claim(ctx, nil, start)
	require.NoError(t, err)

	for key, rec := range map[string][2]string{
		"k-swept": {"running", swept.ID},
		"k-other": {"running", "job_elsewhere"},
		"k-done":  {"completed", swept.ID},
	} {
		_, err := repo.db.ExecContext(ctx, `
INSERT INTO idempotency_records (key,task_name,status,first_job_id,last_job_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)`, key, "rewrite", rec[0], rec[1], rec[1], db.Nanos(start), db.Nanos(start))
		require.NoError(t, err)
	}

	_, err = repo.RecoverStale(ctx, time.Minute, 0, start.Add(2*time.Minute))
	require.NoError(t, err)

	status := func(key string) string {
		var s string
		require.NoError(t, repo.db.QueryRowContext(ctx, `SELECT status FROM idempotency_records WHERE key=?`, key).Scan(&s))
		return s
	}
	require.Equal(t, "failed", status("k-swept"))
	require.Equal(t, "running", status("k-other"))
	require.Equal(t, "completed", status("k-done"))
}

func TestRecoverStale_QueuedThreshold(t *testing.T) {
	repo, now := newTestRepo(t)
	ctx := context.Background()

	stuck := submit(t, repo, SubmitRequest{JobType: "a"})

	res, err := repo.RecoverStale(ctx, 0, time.Hour, now.Add(30*time.Minute))
	require.NoError(t, err)
	require.Zero(t, res)

	res, err = repo.RecoverStale(ctx, 0, time.Hour, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, res.RecoveredQueued)

	got, err := repo.Get(ctx, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, got.Status)
	require.Equal(t, StaleError, got.Error)
	require.Zero(t, got.Attempt)
}

func TestDepthCountsQueuedAndRunning(t *testing.T) {
	repo, now := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		submit(t, repo, SubmitRequest{JobType: "rewrite", QueueName: "content"})
	}
	submit(t, repo, SubmitRequest{JobType: "publish", QueueName: "publish"})

	done, err := repo.Claim(ctx, []string{"content"}, *now)
	require.NoError(t, err)
	require.NoError(t, repo.Complete(ctx, done.ID, nil, *now))
	_, err = repo.Claim(ctx, []string{"content"}, *now)
	require.NoError(t, err)

	n, err := repo.Depth(ctx, "content")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	depths, err := repo.QueueDepths(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"content": 2, "publish": 1}, depths)
}

func TestListFilters(t *testing.T) {
	repo, now := newTestRepo(t)
	ctx := context.Background()

	submit(t, repo, SubmitRequest{JobType: "rewrite"})
	submit(t, repo, SubmitRequest{JobType: "publish"})
	_, err := repo.Claim(ctx, nil, *now)
	require.NoError(t, err)

	jobs, err := repo.List(ctx, ListFilter{JobType: "publish"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	jobs, err = repo.List(ctx, ListFilter{Status: domain.JobRunning})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	jobs, err = repo.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestSchedulesCRUDAndDue(t *testing.T) {
	repo, now := newTestRepo(t)
	ctx := context.Background()

	s, err := repo.CreateSchedule(ctx, domain.Schedule{
		Name:     "nightly-digest",
		CronExpr: "0 2 * * *",
		JobType:  "digest",
		Enabled:  true,
		NextRun:  now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	require.Equal(t, DefaultQueue, s.QueueName)

	due, err := repo.DueSchedules(ctx, *now)
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = repo.DueSchedules(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, repo.MarkScheduleRun(ctx, s.ID, now.Add(time.Hour), now.Add(25*time.Hour)))
	got, err := repo.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	require.True(t, got.NextRun.Equal(now.Add(25*time.Hour)))

	all, err := repo.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, repo.DeleteSchedule(ctx, s.ID))
	require.ErrorIs(t, repo.DeleteSchedule(ctx, s.ID), ErrNotFound)
	_, err = repo.GetSchedule(ctx, s.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
