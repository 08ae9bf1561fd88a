package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"newsflow/internal/db"
	"newsflow/internal/domain"
)

func newPostgresRepo(t *testing.T) Repository {
	t.Helper()

	dsn := os.Getenv("NEWSFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NEWSFLOW_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewPostgresRepo(pool)
}

func TestPostgresRepo_ConcurrentClaimsAreExclusive(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	queue := "pg-" + uuid.NewString()

	for i := 0; i < 10; i++ {
		_, err := repo.Submit(ctx, SubmitRequest{JobType: "rewrite", QueueName: queue})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := repo.Claim(ctx, []string{queue}, time.Now())
				if err != nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 10)
	for id, n := range seen {
		require.Equal(t, 1, n, "job %s claimed twice", id)
	}
}

func TestPostgresRepo_DeadLettersAfterMaxAttempts(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	queue := "pg-" + uuid.NewString()

	j, err := repo.Submit(ctx, SubmitRequest{JobType: "rewrite", QueueName: queue, MaxAttempts: 2})
	require.NoError(t, err)

	var status domain.JobStatus
	for i := 0; i < 2; i++ {
		_, err := repo.Claim(ctx, []string{queue}, time.Now())
		require.NoError(t, err)
		status, err = repo.Fail(ctx, j.ID, Failure{Error: "boom"}, 0, time.Now())
		require.NoError(t, err)
	}
	require.Equal(t, domain.JobDeadLettered, status)

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Attempt)

	depth, err := repo.Depth(ctx, queue)
	require.NoError(t, err)
	require.Zero(t, depth)
}
