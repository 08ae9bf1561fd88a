package transition

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"newsflow/internal/domain"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("transition conflict")
	ErrNotFound          = errors.New("content item not found")
	// ErrLocked is returned by a Store when another caller holds the row.
	ErrLocked = errors.New("content item locked")
)

type InvalidTransitionError struct {
	From    domain.ContentStatus
	To      domain.ContentStatus
	Allowed []domain.ContentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s (allowed: %v)", e.From, e.To, e.Allowed)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ConflictError reports lock contention or a failed expected-state precondition.
type ConflictError struct {
	EntityID string
	Expected domain.ContentStatus
	Actual   domain.ContentStatus
	Locked   bool
}

func (e *ConflictError) Error() string {
	if e.Locked {
		return fmt.Sprintf("content %s is being transitioned elsewhere", e.EntityID)
	}
	return fmt.Sprintf("content %s: expected status %s, actual %s", e.EntityID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type Validation struct {
	Valid   bool
	Allowed []domain.ContentStatus
}

// Validate checks from -> to against the lifecycle table without side effects.
func Validate(from, to domain.ContentStatus) Validation {
	return Validation{Valid: from.CanTransition(to), Allowed: from.AllowedTargets()}
}

type Guard struct {
	store Store
}

func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// Apply moves the entity to target. The row lock is never waited on: a
// concurrent holder yields a *ConflictError and the caller retries the
// whole operation. The previous status is returned for chaining.
func (g *Guard) Apply(ctx context.Context, entityID string, target domain.ContentStatus, expected *domain.ContentStatus) (domain.ContentItem, domain.ContentStatus, error) {
	lk, err := g.store.Lock(ctx, entityID)
	if errors.Is(err, ErrLocked) {
		return domain.ContentItem{}, "", &ConflictError{EntityID: entityID, Locked: true}
	}
	if err != nil {
		return domain.ContentItem{}, "", err
	}
	defer lk.Release(context.WithoutCancel(ctx))

	item := lk.Item()
	current := item.Status
	if expected != nil && *expected != current {
		return domain.ContentItem{}, current, &ConflictError{EntityID: entityID, Expected: *expected, Actual: current}
	}

	v := Validate(current, target)
	if !v.Valid {
		return domain.ContentItem{}, current, &InvalidTransitionError{From: current, To: target, Allowed: v.Allowed}
	}
	if current == target {
		return item, current, nil
	}

	updated, err := lk.Commit(ctx, target)
	if errors.Is(err, ErrLocked) {
		return domain.ContentItem{}, current, &ConflictError{EntityID: entityID, Locked: true}
	}
	if err != nil {
		return domain.ContentItem{}, current, fmt.Errorf("write status: %w", err)
	}

	log.Info().
		Str("content_id", entityID).
		Str("from", string(current)).
		Str("to", string(target)).
		Msg("content status changed")
	return updated, current, nil
}

// Get returns the entity without locking it.
func (g *Guard) Get(ctx context.Context, entityID string) (domain.ContentItem, error) {
	return g.store.Get(ctx, entityID)
}

// Create registers a content item. An empty status starts it as new.
func (g *Guard) Create(ctx context.Context, item domain.ContentItem) (domain.ContentItem, error) {
	if item.Status != "" && !item.Status.Valid() {
		return domain.ContentItem{}, fmt.Errorf("unknown content status %q", item.Status)
	}
	return g.store.Create(ctx, item)
}
