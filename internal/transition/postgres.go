package transition

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"newsflow/internal/domain"
)

// lockNotAvailable is the SQLSTATE raised by FOR UPDATE NOWAIT on contention.
const lockNotAvailable = "55P03"

// PostgresStore holds the row lock with SELECT ... FOR UPDATE NOWAIT for the
// lifetime of one transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Create(ctx context.Context, item domain.ContentItem) (domain.ContentItem, error) {
	if item.ID == "" {
		item.ID = "cnt_" + uuid.NewString()
	}
	if item.Status == "" {
		item.Status = domain.ContentNew
	}
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
INSERT INTO content_items (id,title,status,created_at,updated_at) VALUES ($1,$2,$3,$4,$4)`,
		item.ID, item.Title, string(item.Status), now)
	if err != nil {
		return domain.ContentItem{}, err
	}
	return item, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.ContentItem, error) {
	return scanContent(s.pool.QueryRow(ctx,
		`SELECT id,title,status,created_at,updated_at FROM content_items WHERE id=$1`, id))
}

func (s *PostgresStore) Lock(ctx context.Context, id string) (Locked, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	item, err := scanContent(tx.QueryRow(ctx,
		`SELECT id,title,status,created_at,updated_at FROM content_items WHERE id=$1 FOR UPDATE NOWAIT`, id))
	if err != nil {
		_ = tx.Rollback(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
			return nil, ErrLocked
		}
		return nil, err
	}
	return &postgresLock{tx: tx, item: item}, nil
}

type postgresLock struct {
	tx   pgx.Tx
	item domain.ContentItem
}

func (l *postgresLock) Item() domain.ContentItem { return l.item }

func (l *postgresLock) Commit(ctx context.Context, status domain.ContentStatus) (domain.ContentItem, error) {
	now := time.Now().UTC()
	if _, err := l.tx.Exec(ctx,
		`UPDATE content_items SET status=$1, updated_at=$2 WHERE id=$3`, string(status), now, l.item.ID); err != nil {
		return domain.ContentItem{}, err
	}
	if err := l.tx.Commit(ctx); err != nil {
		return domain.ContentItem{}, err
	}
	out := l.item
	out.Status = status
	out.UpdatedAt = now
	return out, nil
}

func (l *postgresLock) Release(ctx context.Context) {
	if err := l.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		log.Warn().Err(err).Str("content_id", l.item.ID).Msg("rollback content lock")
	}
}

func scanContent(row pgx.Row) (domain.ContentItem, error) {
	var (
		item   domain.ContentItem
		status string
	)
	if err := row.Scan(&item.ID, &item.Title, &status, &item.CreatedAt, &item.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ContentItem{}, ErrNotFound
		}
		return domain.ContentItem{}, err
	}
	item.Status = domain.ContentStatus(status)
	return item, nil
}
