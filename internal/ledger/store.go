package ledger

import (
	"context"
	"time"

	"newsflow/internal/domain"
)

// Store persists idempotency records. Uniqueness of the key is enforced by
// the store; Insert reports false when the key already exists.
type Store interface {
	Insert(ctx context.Context, rec domain.IdempotencyRecord) (bool, error)
	Get(ctx context.Context, key string) (domain.IdempotencyRecord, error)
	// TouchRunning records jobID as the latest toucher of a running key.
	TouchRunning(ctx context.Context, key, jobID string, now time.Time) error
	// Reacquire flips a failed key back to running; false if it was not failed.
	Reacquire(ctx context.Context, key, jobID string, now time.Time) (bool, error)
	Complete(ctx context.Context, key string, result []byte, jobID string, now time.Time) error
	// Fail never downgrades a completed key.
	Fail(ctx context.Context, key, errText, jobID string, now time.Time) error
}
