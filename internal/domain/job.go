package domain

import "time"

type JobStatus string

const (
	JobQueued       JobStatus = "queued"
	JobRunning      JobStatus = "running"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobDeadLettered JobStatus = "dead_lettered"
)

// Finished reports whether finished_at must be set for the status.
func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobFailed || s == JobDeadLettered
}

// Retryable reports whether an operator may requeue a job in this status.
func (s JobStatus) Retryable() bool {
	return s == JobFailed || s == JobDeadLettered
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobCompleted, JobFailed, JobDeadLettered:
		return true
	}
	return false
}

// Priority is advisory metadata; claim order does not honor it.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

type Job struct {
	ID             string
	JobType        string
	QueueName      string
	EntityID       *string
	Status         JobStatus
	Priority       Priority
	Attempt        int
	MaxAttempts    int
	IdempotencyKey *string
	CorrelationID  string
	RequestID      string
	Payload        []byte
	Result         []byte
	Error          string
	QueuedAt       time.Time
	NextRunAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	UpdatedAt      time.Time
}

// JobAttempt is one finished execution of a job.
type JobAttempt struct {
	ID         int64
	JobID      string
	Attempt    int
	StartedAt  *time.Time
	FinishedAt time.Time
	Success    bool
	Error      string
}

// DeadLetterRecord is the immutable copy of a job that exhausted its retries.
type DeadLetterRecord struct {
	ID         string
	JobID      string
	JobType    string
	QueueName  string
	Attempt    int
	FailedAt   time.Time
	Error      string
	StackTrace string
	Payload    []byte
	Metadata   map[string]any
}
