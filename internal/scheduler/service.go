package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"newsflow/internal/backpressure"
	"newsflow/internal/domain"
	"newsflow/internal/queue"
)

type Options struct {
	// Interval is how often due schedules are checked.
	Interval time.Duration
	// SweepSpec is the cron expression of the stale-job sweep; empty disables it.
	SweepSpec    string
	StaleRunning time.Duration
	StaleQueued  time.Duration
}

// Service turns due schedules into jobs and periodically recovers stale jobs.
type Service struct {
	repo     queue.Repository
	gate     *backpressure.Gate
	cron     *cron.Cron
	stop     chan struct{}
	stopOnce sync.Once
	opts     Options
	now      func() time.Time
}

func NewService(repo queue.Repository, gate *backpressure.Gate, opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	return &Service{
		repo: repo,
		gate: gate,
		cron: cron.New(),
		stop: make(chan struct{}),
		opts: opts,
		now:  time.Now,
	}
}

// Start blocks until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if s.opts.SweepSpec != "" {
		if _, err := s.cron.AddFunc(s.opts.SweepSpec, func() { _, _ = s.Sweep(ctx) }); err != nil {
			return fmt.Errorf("sweep schedule %q: %w", s.opts.SweepSpec, err)
		}
	}
	s.cron.Start()
	defer func() { <-s.cron.Stop().Done() }()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", s.opts.Interval).
		Str("sweep", s.opts.SweepSpec).
		Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case now := <-ticker.C:
			s.processDueSchedules(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Sweep runs stale recovery with the configured thresholds.
func (s *Service) Sweep(ctx context.Context) (queue.RecoverResult, error) {
	res, err := s.repo.RecoverStale(ctx, s.opts.StaleRunning, s.opts.StaleQueued, s.now())
	if err != nil {
		log.Error().Err(err).Msg("stale job sweep failed")
		return res, err
	}
	if res != (queue.RecoverResult{}) {
		log.Warn().
			Int("recovered_running", res.RecoveredRunning).
			Int("recovered_queued", res.RecoveredQueued).
			Int("dead_lettered", res.DeadLettered).
			Msg("stale jobs recovered")
	}
	return res, nil
}

// Create validates the cron expression and stores the schedule with its
// first run time.
func (s *Service) Create(ctx context.Context, schedule domain.Schedule) (domain.Schedule, error) {
	if schedule.Name == "" || schedule.JobType == "" {
		return domain.Schedule{}, errors.New("name and job_type are required")
	}
	next, err := NextRunTime(schedule.CronExpr, s.now())
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	schedule.NextRun = next
	return s.repo.CreateSchedule(ctx, schedule)
}

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.repo.DueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", schedule.CronExpr).Msg("invalid cron expression")
		return err
	}
	nextRun := cronSchedule.Next(now)

	// A full queue skips this occurrence rather than piling up behind it.
	if _, err := s.gate.Admit(ctx, schedule.QueueName); err != nil {
		var ae *backpressure.AdmissionError
		if !errors.As(err, &ae) {
			return err
		}
		log.Warn().
			Str("schedule_id", schedule.ID).
			Str("queue", ae.Queue).
			Int("depth", ae.Depth).
			Int("limit", ae.Limit).
			Msg("scheduled job skipped, queue at capacity")
		return s.repo.MarkScheduleRun(ctx, schedule.ID, now, nextRun)
	}

	// one key per occurrence: later runs are new work, a double fire is not
	key := fmt.Sprintf("schedule:%s:%d", schedule.ID, schedule.NextRun.Unix())
	job, err := s.repo.Submit(ctx, queue.SubmitRequest{
		JobType:        schedule.JobType,
		IdempotencyKey: &key,
		QueueName:      schedule.QueueName,
		Payload:        schedule.Payload,
		Priority:       schedule.Priority,
		MaxAttempts:    schedule.MaxAttempts,
		CorrelationID:  "schedule:" + schedule.ID,
		RequestID:      uuid.NewString(),
	})
	if err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to enqueue scheduled job")
		return err
	}

	if err := s.repo.MarkScheduleRun(ctx, schedule.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to update schedule run times")
		return err
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("job_id", job.ID).
		Time("next_run", nextRun).
		Msg("scheduled job enqueued")

	return nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
