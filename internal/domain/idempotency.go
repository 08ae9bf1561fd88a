package domain

import "time"

type IdempotencyStatus string

const (
	IdempotencyRunning   IdempotencyStatus = "running"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

type IdempotencyRecord struct {
	Key        string
	TaskName   string
	Status     IdempotencyStatus
	FirstJobID string
	LastJobID  string
	Result     []byte
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
