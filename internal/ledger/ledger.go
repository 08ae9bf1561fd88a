package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"newsflow/internal/domain"
)

var (
	ErrNotFound = errors.New("idempotency record not found")
	// ErrContended means the record kept changing underneath Acquire.
	ErrContended = errors.New("idempotency key contended")
)

// maxErrorLen bounds the error text kept on a failed record.
const maxErrorLen = 1000

// acquireRounds bounds re-reads after losing an insert or flip race.
const acquireRounds = 3

type State int

const (
	Acquired State = iota + 1
	AlreadyRunning
	AlreadyCompleted
)

func (s State) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case AlreadyRunning:
		return "already_running"
	case AlreadyCompleted:
		return "already_completed"
	}
	return "unknown"
}

// Outcome is the result of Acquire. OwnerJobID is set for AlreadyRunning,
// Result for AlreadyCompleted.
type Outcome struct {
	State      State
	OwnerJobID string
	Result     []byte
}

type Ledger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Acquire claims key for jobID. A completed key is never re-run; a running
// key is re-entered only by the job that already owns it; a failed key is
// flipped back to running.
func (l *Ledger) Acquire(ctx context.Context, key, taskName, jobID string) (Outcome, error) {
	for i := 0; i < acquireRounds; i++ {
		now := l.now().UTC()
		inserted, err := l.store.Insert(ctx, domain.IdempotencyRecord{
			Key:        key,
			TaskName:   taskName,
			Status:     domain.IdempotencyRunning,
			FirstJobID: jobID,
			LastJobID:  jobID,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("insert idempotency record: %w", err)
		}
		if inserted {
			return Outcome{State: Acquired}, nil
		}

		rec, err := l.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Outcome{}, err
		}

		switch rec.Status {
		case domain.IdempotencyCompleted:
			return Outcome{State: AlreadyCompleted, Result: rec.Result}, nil
		case domain.IdempotencyRunning:
			if jobID != rec.FirstJobID && jobID != rec.LastJobID {
				return Outcome{State: AlreadyRunning, OwnerJobID: rec.LastJobID}, nil
			}
			if err := l.store.TouchRunning(ctx, key, jobID, now); err != nil {
				return Outcome{}, err
			}
			return Outcome{State: Acquired}, nil
		case domain.IdempotencyFailed:
			ok, err := l.store.Reacquire(ctx, key, jobID, now)
			if err != nil {
				return Outcome{}, err
			}
			if ok {
				return Outcome{State: Acquired}, nil
			}
		default:
			return Outcome{}, fmt.Errorf("idempotency record %s has unknown status %q", key, rec.Status)
		}
	}
	return Outcome{}, ErrContended
}

func (l *Ledger) MarkCompleted(ctx context.Context, key string, result []byte, jobID string) error {
	return l.store.Complete(ctx, key, result, jobID, l.now().UTC())
}

func (l *Ledger) MarkFailed(ctx context.Context, key string, cause error, jobID string) error {
	msg := ""
	if cause != nil {
		msg = truncate(cause.Error(), maxErrorLen)
	}
	return l.store.Fail(ctx, key, msg, jobID, l.now().UTC())
}

func (l *Ledger) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	return l.store.Get(ctx, key)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
