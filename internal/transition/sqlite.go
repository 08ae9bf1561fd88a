package transition

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"newsflow/internal/db"
	"newsflow/internal/domain"
)

// SQLiteStore implements the row lock as a conditional update on
// lock_token. A lock older than lockTTL is considered abandoned and may be
// taken over; lockTTL <= 0 disables takeover.
type SQLiteStore struct {
	db      *sql.DB
	lockTTL time.Duration
	now     func() time.Time
}

func NewSQLiteStore(conn *sql.DB, lockTTL time.Duration) *SQLiteStore {
	return &SQLiteStore{db: conn, lockTTL: lockTTL, now: time.Now}
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Create(ctx context.Context, item domain.ContentItem) (domain.ContentItem, error) {
	if item.ID == "" {
		item.ID = "cnt_" + uuid.NewString()
	}
	if item.Status == "" {
		item.Status = domain.ContentNew
	}
	now := s.now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
INSERT INTO content_items (id,title,status,created_at,updated_at) VALUES (?,?,?,?,?)`,
		item.ID, item.Title, string(item.Status), db.Nanos(now), db.Nanos(now))
	if err != nil {
		return domain.ContentItem{}, err
	}
	return item, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.ContentItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,title,status,created_at,updated_at FROM content_items WHERE id=?`, id)
	var (
		item               domain.ContentItem
		status             string
		created, updatedAt int64
	)
	if err := row.Scan(&item.ID, &item.Title, &status, &created, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ContentItem{}, ErrNotFound
		}
		return domain.ContentItem{}, err
	}
	item.Status = domain.ContentStatus(status)
	item.CreatedAt = db.FromNanos(created)
	item.UpdatedAt = db.FromNanos(updatedAt)
	return item, nil
}

func (s *SQLiteStore) Lock(ctx context.Context, id string) (Locked, error) {
	token := uuid.NewString()
	now := s.now()
	staleBefore := int64(math.MinInt64)
	if s.lockTTL > 0 {
		staleBefore = db.Nanos(now.Add(-s.lockTTL))
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE content_items SET lock_token=?, locked_at=?
WHERE id=? AND (lock_token IS NULL OR locked_at < ?)`, token, db.Nanos(now), id, staleBefore)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrLocked
	}
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &sqliteLock{store: s, token: token, item: item}, nil
}

type sqliteLock struct {
	store *SQLiteStore
	token string
	item  domain.ContentItem
	done  bool
}

func (l *sqliteLock) Item() domain.ContentItem { return l.item }

func (l *sqliteLock) Commit(ctx context.Context, status domain.ContentStatus) (domain.ContentItem, error) {
	now := l.store.now().UTC()
	res, err := l.store.db.ExecContext(ctx, `
UPDATE content_items SET status=?, updated_at=?, lock_token=NULL, locked_at=NULL
WHERE id=? AND lock_token=?`, string(status), db.Nanos(now), l.item.ID, l.token)
	if err != nil {
		return domain.ContentItem{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// the lock went stale and was taken over
		return domain.ContentItem{}, ErrLocked
	}
	l.done = true
	out := l.item
	out.Status = status
	out.UpdatedAt = now
	return out, nil
}

func (l *sqliteLock) Release(ctx context.Context) {
	if l.done {
		return
	}
	l.done = true
	if _, err := l.store.db.ExecContext(ctx, `
UPDATE content_items SET lock_token=NULL, locked_at=NULL WHERE id=? AND lock_token=?`, l.item.ID, l.token); err != nil {
		log.Warn().Err(err).Str("content_id", l.item.ID).Msg("release content lock")
	}
}
