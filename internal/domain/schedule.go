package domain

import "time"

type Schedule struct {
	ID          string
	Name        string
	CronExpr    string
	JobType     string
	QueueName   string
	Payload     []byte
	Priority    Priority
	MaxAttempts int
	Enabled     bool
	LastRun     *time.Time
	NextRun     time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
