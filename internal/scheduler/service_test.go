package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"newsflow/internal/backpressure"
	"newsflow/internal/db"
	"newsflow/internal/domain"
	"newsflow/internal/ledger"
	"newsflow/internal/queue"
	"newsflow/internal/worker"
)

func newTestService(t *testing.T, limits map[string]int, opts Options) (*Service, queue.Repository) {
	t.Helper()
	s, repo, _ := newTestServiceWithLedger(t, limits, opts)
	return s, repo
}

func newTestServiceWithLedger(t *testing.T, limits map[string]int, opts Options) (*Service, queue.Repository, *ledger.Ledger) {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	repo := queue.NewSQLiteRepo(conn)
	return NewService(repo, backpressure.NewGate(repo, limits, 0), opts), repo, ledger.New(ledger.NewSQLiteStore(conn))
}

func TestCreate_ComputesNextRun(t *testing.T) {
	s, _ := newTestService(t, nil, Options{})
	s.now = func() time.Time { return time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC) }

	sch, err := s.Create(context.Background(), domain.Schedule{
		Name: "hourly", CronExpr: "0 * * * *", JobType: "transition", Enabled: true,
	})
	require.NoError(t, err)
	require.True(t, sch.NextRun.Equal(time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)), sch.NextRun)

	_, err = s.Create(context.Background(), domain.Schedule{Name: "bad", CronExpr: "nope", JobType: "x"})
	require.Error(t, err)
	_, err = s.Create(context.Background(), domain.Schedule{CronExpr: "* * * * *"})
	require.Error(t, err)
}

func TestProcessDueSchedules_SubmitsAndAdvances(t *testing.T) {
	s, repo := newTestService(t, nil, Options{})
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	sch, err := s.Create(ctx, domain.Schedule{
		Name: "publish", CronExpr: "*/5 * * * *", JobType: "transition", QueueName: "publish",
		Payload: []byte(`{"target":"published"}`), Enabled: true,
	})
	require.NoError(t, err)

	s.processDueSchedules(ctx, start.Add(5*time.Minute))

	jobs, err := repo.List(ctx, queue.ListFilter{QueueName: "publish"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "schedule:"+sch.ID, jobs[0].CorrelationID)
	require.NotEmpty(t, jobs[0].RequestID)

	got, err := repo.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	require.True(t, got.NextRun.Equal(start.Add(10*time.Minute)), got.NextRun)

	// not due again until the next slot
	s.processDueSchedules(ctx, start.Add(6*time.Minute))
	jobs, err = repo.List(ctx, queue.ListFilter{QueueName: "publish"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestProcessDueSchedules_EveryOccurrenceRunsItsHandler(t *testing.T) {
	s, repo, led := newTestServiceWithLedger(t, nil, Options{})
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	var calls atomic.Int32
	pool := worker.NewPool(repo, led, map[string]worker.Handler{
		"transition": worker.HandlerFunc(func(context.Context, domain.Job) (json.RawMessage, error) {
			calls.Add(1)
			return json.RawMessage(`{"ok":true}`), nil
		}),
	}, worker.Options{Size: 1, Backoff: func(int) time.Duration { return 0 }})

	_, err := s.Create(ctx, domain.Schedule{
		Name: "publish", CronExpr: "*/5 * * * *", JobType: "transition", QueueName: "publish",
		Payload: []byte(`{"target":"published"}`), Enabled: true,
	})
	require.NoError(t, err)

	for _, at := range []time.Time{start.Add(5 * time.Minute), start.Add(10 * time.Minute)} {
		s.processDueSchedules(ctx, at)
		ok, err := pool.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.EqualValues(t, 2, calls.Load())
	jobs, err := repo.List(ctx, queue.ListFilter{QueueName: "publish"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		require.Equal(t, domain.JobCompleted, j.Status)
	}
}

func TestProcessSchedule_DoubleFireSubmitsOnce(t *testing.T) {
	s, repo := newTestService(t, nil, Options{})
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	sch, err := s.Create(ctx, domain.Schedule{
		Name: "publish", CronExpr: "*/5 * * * *", JobType: "transition", QueueName: "publish", Enabled: true,
	})
	require.NoError(t, err)

	due := start.Add(5 * time.Minute)
	require.NoError(t, s.processSchedule(ctx, sch, due))
	require.NoError(t, s.processSchedule(ctx, sch, due))

	n, err := repo.Depth(ctx, "publish")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestProcessDueSchedules_SkipsWhenQueueFull(t *testing.T) {
	s, repo := newTestService(t, map[string]int{"publish": 1}, Options{})
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	_, err := repo.Submit(ctx, queue.SubmitRequest{JobType: "transition", QueueName: "publish"})
	require.NoError(t, err)

	sch, err := s.Create(ctx, domain.Schedule{
		Name: "publish", CronExpr: "*/5 * * * *", JobType: "transition", QueueName: "publish", Enabled: true,
	})
	require.NoError(t, err)

	s.processDueSchedules(ctx, start.Add(5*time.Minute))

	n, err := repo.Depth(ctx, "publish")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := repo.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	require.True(t, got.NextRun.Equal(start.Add(10*time.Minute)), "skipped occurrence still advances")
}

func TestSweep_UsesConfiguredThresholds(t *testing.T) {
	s, repo := newTestService(t, nil, Options{StaleRunning: time.Minute})
	ctx := context.Background()

	j, err := repo.Submit(ctx, queue.SubmitRequest{JobType: "rewrite", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = repo.Claim(ctx, nil, time.Now())
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.RecoverResult{RecoveredRunning: 1, DeadLettered: 1}, res)

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobDeadLettered, got.Status)
}

func TestStart_RejectsBadSweepSpec(t *testing.T) {
	s, _ := newTestService(t, nil, Options{SweepSpec: "every now and then"})
	require.Error(t, s.Start(context.Background()))
}

func TestValidateCronExpression(t *testing.T) {
	require.NoError(t, ValidateCronExpression("*/5 * * * *"))
	require.Error(t, ValidateCronExpression("61 * * * *"))
}
