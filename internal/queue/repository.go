package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"newsflow/internal/domain"
)

var (
	ErrEmpty        = errors.New("no jobs ready")
	ErrNotFound     = errors.New("job not found")
	ErrNotRunning   = errors.New("job is not running")
	ErrNotRetryable = errors.New("job is not in a retryable state")
	ErrInvalid      = errors.New("invalid job request")
)

const (
	DefaultQueue       = "default"
	DefaultMaxAttempts = 3
	DefaultListLimit   = 50
	MaxListLimit       = 500
	// StaleError is recorded on jobs moved by RecoverStale.
	StaleError = "stale: no progress within threshold"
)

type Repository interface {
	Submit(ctx context.Context, req SubmitRequest) (domain.Job, error)
	// Claim moves the oldest ready job of the given queues (all queues when
	// empty) to running. It returns ErrEmpty when nothing is ready.
	Claim(ctx context.Context, queues []string, now time.Time) (domain.Job, error)
	Complete(ctx context.Context, id string, result []byte, now time.Time) error
	// Fail records a failed attempt and requeues the job after delay, or
	// dead-letters it once attempts are exhausted. The resulting status is returned.
	Fail(ctx context.Context, id string, f Failure, delay time.Duration, now time.Time) (domain.JobStatus, error)
	Retry(ctx context.Context, id string, opts RetryOptions, now time.Time) (domain.Job, error)
	RecoverStale(ctx context.Context, staleRunning, staleQueued time.Duration, now time.Time) (RecoverResult, error)

	Get(ctx context.Context, id string) (domain.Job, error)
	// GetByIdempotencyKey returns the job submitted with an explicit key.
	GetByIdempotencyKey(ctx context.Context, key string) (domain.Job, error)
	List(ctx context.Context, f ListFilter) ([]domain.Job, error)
	Attempts(ctx context.Context, id string) ([]domain.JobAttempt, error)
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error)
	// Depth counts queued and running jobs of a queue.
	Depth(ctx context.Context, queue string) (int, error)
	QueueDepths(ctx context.Context) (map[string]int, error)

	CreateSchedule(ctx context.Context, s domain.Schedule) (domain.Schedule, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	MarkScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type SubmitRequest struct {
	JobType        string
	QueueName      string
	EntityID       *string
	Payload        []byte
	MaxAttempts    int
	Priority       domain.Priority
	IdempotencyKey *string
	CorrelationID  string
	RequestID      string
	// RunAt delays the first claim; zero means immediately.
	RunAt time.Time
}

func (r *SubmitRequest) normalize() error {
	if r.JobType == "" {
		return fmt.Errorf("%w: job_type is required", ErrInvalid)
	}
	if r.QueueName == "" {
		r.QueueName = DefaultQueue
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must be >= 0", ErrInvalid)
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.Priority == "" {
		r.Priority = domain.PriorityNormal
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalid, r.Priority)
	}
	if r.Payload == nil {
		r.Payload = []byte("{}")
	}
	return nil
}

// Failure describes one failed attempt.
type Failure struct {
	Error      string
	StackTrace string
}

type RetryOptions struct {
	// ResetAttempts restarts the attempt budget from zero.
	ResetAttempts bool
}

type RecoverResult struct {
	RecoveredRunning int `json:"recovered_running"`
	RecoveredQueued  int `json:"recovered_queued"`
	DeadLettered     int `json:"dead_lettered"`
}

type ListFilter struct {
	Status    domain.JobStatus
	JobType   string
	QueueName string
	Limit     int
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	if n > MaxListLimit {
		return MaxListLimit
	}
	return n
}

// retryBudget returns the attempt and max_attempts a manually retried job
// restarts with. A job already at its budget gets exactly one more attempt.
func retryBudget(attempt, maxAttempts int, opts RetryOptions) (int, int) {
	if opts.ResetAttempts {
		attempt = 0
	}
	if attempt >= maxAttempts {
		maxAttempts = attempt + 1
	}
	return attempt, maxAttempts
}

func deadLetterMetadata(j domain.Job, reason string) map[string]any {
	md := map[string]any{
		"reason":         reason,
		"max_attempts":   j.MaxAttempts,
		"correlation_id": j.CorrelationID,
		"request_id":     j.RequestID,
		"priority":       string(j.Priority),
	}
	if j.EntityID != nil {
		md["entity_id"] = *j.EntityID
	}
	return md
}
