package transition

import (
	"context"

	"newsflow/internal/domain"
)

// Store persists content items and hands out non-blocking row locks.
type Store interface {
	Create(ctx context.Context, item domain.ContentItem) (domain.ContentItem, error)
	Get(ctx context.Context, id string) (domain.ContentItem, error)
	// Lock returns ErrLocked immediately when the row is held elsewhere
	// and ErrNotFound when it does not exist.
	Lock(ctx context.Context, id string) (Locked, error)
}

// Locked is an acquired entity lock. Commit writes the new status and
// releases the lock; Release after Commit is a no-op.
type Locked interface {
	Item() domain.ContentItem
	Commit(ctx context.Context, status domain.ContentStatus) (domain.ContentItem, error)
	Release(ctx context.Context)
}
