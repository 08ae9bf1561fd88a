package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"newsflow/internal/domain"
	"newsflow/internal/ledger"
	"newsflow/internal/queue"
)

// Handler runs the body of one job type. The returned result is stored on
// the job and cached in the idempotency ledger.
type Handler interface {
	Handle(ctx context.Context, job domain.Job) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, job domain.Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

const DefaultBackoffCap = 60 * time.Second

type Options struct {
	Size      int
	PollEvery time.Duration
	// Queues limits the pool to the named queues; empty means all.
	Queues []string
	// Backoff returns the requeue delay after a failed attempt. Defaults to
	// exponential backoff capped at BackoffCap.
	Backoff    func(attempt int) time.Duration
	BackoffCap time.Duration
}

type Pool struct {
	repo      queue.Repository
	ledger    *ledger.Ledger
	handlers  map[string]Handler
	sem       chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	pollEvery time.Duration
	queues    []string
	backoff   func(attempt int) time.Duration
	now       func() time.Time
}

func NewPool(repo queue.Repository, l *ledger.Ledger, handlers map[string]Handler, opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultBackoffCap
	}
	if opts.Backoff == nil {
		limit := opts.BackoffCap
		opts.Backoff = func(attempt int) time.Duration { return backoffExp(attempt, limit) }
	}
	return &Pool{
		repo:      repo,
		ledger:    l,
		handlers:  handlers,
		sem:       make(chan struct{}, opts.Size),
		stop:      make(chan struct{}),
		pollEvery: opts.PollEvery,
		queues:    opts.Queues,
		backoff:   opts.Backoff,
		now:       time.Now,
	}
}

// Run polls for ready jobs until ctx is done or Stop is called, then waits
// for in-flight jobs to finish.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()

	log.Info().Int("size", cap(p.sem)).Strs("queues", p.queues).Dur("poll", p.pollEvery).Msg("worker pool started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			p.drain(ctx)
		}
	}
}

// drain claims jobs while a worker slot is free and work is ready.
func (p *Pool) drain(ctx context.Context) {
	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		}

		job, err := p.repo.Claim(ctx, p.queues, p.now())
		if err != nil {
			<-p.sem
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				log.Error().Err(err).Msg("claim job")
			}
			return
		}

		p.wg.Add(1)
		go func(j domain.Job) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.process(ctx, j)
		}(job)
	}
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// ProcessNext claims and runs a single job synchronously. It reports false
// when no job was ready.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	job, err := p.repo.Claim(ctx, p.queues, p.now())
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.process(ctx, job)
	return true, nil
}

func (p *Pool) process(ctx context.Context, job domain.Job) {
	logger := log.With().
		Str("job_id", job.ID).
		Str("job_type", job.JobType).
		Str("queue", job.QueueName).
		Int("attempt", job.Attempt).
		Str("correlation_id", job.CorrelationID).
		Logger()
	// bookkeeping must land even when shutdown cancels ctx mid-job
	bg := context.WithoutCancel(ctx)

	logger.Info().Msg("job started")

	h, ok := p.handlers[job.JobType]
	if !ok {
		p.fail(bg, logger, job, fmt.Errorf("no handler registered for job type %q", job.JobType), "")
		return
	}

	entityID := ""
	if job.EntityID != nil {
		entityID = *job.EntityID
	}
	key := ledger.ResolveKey(job.IdempotencyKey, job.JobType, entityID, job.Payload)

	outcome, err := p.ledger.Acquire(bg, key, job.JobType, job.ID)
	if err != nil {
		p.fail(bg, logger, job, fmt.Errorf("acquire idempotency key: %w", err), "")
		return
	}
	switch outcome.State {
	case ledger.AlreadyCompleted:
		p.complete(bg, logger, job, outcome.Result, "job completed from cached result")
		return
	case ledger.AlreadyRunning:
		dup, _ := json.Marshal(map[string]string{"duplicate_of": outcome.OwnerJobID})
		p.complete(bg, logger.With().Str("duplicate_of", outcome.OwnerJobID).Logger(), job, dup, "job is a duplicate of a running job")
		return
	}

	result, stack, err := invoke(ctx, h, job)
	if err != nil {
		if lerr := p.ledger.MarkFailed(bg, key, err, job.ID); lerr != nil {
			logger.Error().Err(lerr).Str("key", key).Msg("mark idempotency key failed")
		}
		p.fail(bg, logger, job, err, stack)
		return
	}

	if err := p.ledger.MarkCompleted(bg, key, result, job.ID); err != nil {
		logger.Error().Err(err).Str("key", key).Msg("mark idempotency key completed")
	}
	p.complete(bg, logger, job, result, "job completed")
}

func invoke(ctx context.Context, h Handler, job domain.Job) (result json.RawMessage, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			stack = string(debug.Stack())
		}
	}()
	result, err = h.Handle(ctx, job)
	return result, "", err
}

func (p *Pool) complete(ctx context.Context, logger zerolog.Logger, job domain.Job, result []byte, msg string) {
	if err := p.repo.Complete(ctx, job.ID, result, p.now()); err != nil {
		logger.Error().Err(err).Msg("record job completion")
		return
	}
	logger.Info().Msg(msg)
}

func (p *Pool) fail(ctx context.Context, logger zerolog.Logger, job domain.Job, cause error, stack string) {
	delay := p.backoff(job.Attempt)
	status, err := p.repo.Fail(ctx, job.ID, queue.Failure{Error: cause.Error(), StackTrace: stack}, delay, p.now())
	if err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("record job failure")
		return
	}
	if status == domain.JobDeadLettered {
		logger.Error().Err(cause).Int("max_attempts", job.MaxAttempts).Msg("job dead-lettered")
		return
	}
	logger.Warn().Err(cause).Dur("retry_in", delay).Msg("job failed, requeued")
}

// backoffExp doubles from one second per attempt up to limit.
func backoffExp(attempt int, limit time.Duration) time.Duration {
	if attempt <= 1 {
		return min(time.Second, limit)
	}
	if attempt > 31 {
		return limit
	}
	d := time.Second << (attempt - 1) // 1,2,4,8...
	if d > limit {
		d = limit
	}
	return d
}
