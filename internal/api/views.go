package api

import (
	"encoding/json"
	"time"

	"newsflow/internal/domain"
)

type jobView struct {
	ID             string           `json:"id"`
	JobType        string           `json:"job_type"`
	QueueName      string           `json:"queue_name"`
	EntityID       *string          `json:"entity_id,omitempty"`
	Status         domain.JobStatus `json:"status"`
	Priority       domain.Priority  `json:"priority"`
	Attempt        int              `json:"attempt"`
	MaxAttempts    int              `json:"max_attempts"`
	Error          string           `json:"error,omitempty"`
	Payload        json.RawMessage  `json:"payload"`
	Result         json.RawMessage  `json:"result,omitempty"`
	IdempotencyKey *string          `json:"idempotency_key,omitempty"`
	CorrelationID  string           `json:"correlation_id"`
	RequestID      string           `json:"request_id,omitempty"`
	QueuedAt       time.Time        `json:"queued_at"`
	NextRunAt      time.Time        `json:"next_run_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
}

func newJobView(j domain.Job) jobView {
	return jobView{
		ID:             j.ID,
		JobType:        j.JobType,
		QueueName:      j.QueueName,
		EntityID:       j.EntityID,
		Status:         j.Status,
		Priority:       j.Priority,
		Attempt:        j.Attempt,
		MaxAttempts:    j.MaxAttempts,
		Error:          j.Error,
		Payload:        rawPayload(j.Payload),
		Result:         rawPayload(j.Result),
		IdempotencyKey: j.IdempotencyKey,
		CorrelationID:  j.CorrelationID,
		RequestID:      j.RequestID,
		QueuedAt:       j.QueuedAt,
		NextRunAt:      j.NextRunAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
	}
}

type attemptView struct {
	Attempt    int        `json:"attempt"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
}

type deadLetterView struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	JobType    string          `json:"job_type"`
	QueueName  string          `json:"queue_name"`
	Attempt    int             `json:"attempt"`
	FailedAt   time.Time       `json:"failed_at"`
	Error      string          `json:"error"`
	StackTrace string          `json:"stack_trace,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   map[string]any  `json:"metadata"`
}

type contentView struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Status    domain.ContentStatus   `json:"status"`
	Allowed   []domain.ContentStatus `json:"allowed"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

func newContentView(c domain.ContentItem) contentView {
	return contentView{
		ID:        c.ID,
		Title:     c.Title,
		Status:    c.Status,
		Allowed:   c.Status.AllowedTargets(),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

type scheduleView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	JobType     string          `json:"job_type"`
	QueueName   string          `json:"queue_name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    domain.Priority `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Enabled     bool            `json:"enabled"`
	LastRun     *time.Time      `json:"last_run,omitempty"`
	NextRun     time.Time       `json:"next_run"`
}

func newScheduleView(s domain.Schedule) scheduleView {
	return scheduleView{
		ID:          s.ID,
		Name:        s.Name,
		CronExpr:    s.CronExpr,
		JobType:     s.JobType,
		QueueName:   s.QueueName,
		Payload:     rawPayload(s.Payload),
		Priority:    s.Priority,
		MaxAttempts: s.MaxAttempts,
		Enabled:     s.Enabled,
		LastRun:     s.LastRun,
		NextRun:     s.NextRun,
	}
}

// rawPayload embeds JSON payloads as-is and anything else as a JSON string.
func rawPayload(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	s, _ := json.Marshal(string(b))
	return s
}
