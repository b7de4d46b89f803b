package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"streamfeed/models"
	"streamfeed/storage"
)

const countTable = "notification_counts"

// CounterStore keeps notification counters in notification_counts.
type CounterStore struct {
	*DB
}

var _ storage.CounterStore = (*CounterStore)(nil)

func NewCounterStore(db *DB) *CounterStore {
	return &CounterStore{DB: db}
}

func (s *CounterStore) GetCount(ctx context.Context, key string) (models.NotificationCount, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sb := s.flavor.NewSelectBuilder()
	sb.Select("owner_id", "unread_count", "unseen_count").From(countTable).Where(sb.Equal("counter_key", key))

	query, args := sb.Build()
	var count models.NotificationCount
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count.OwnerID, &count.UnreadCount, &count.UnseenCount)
	if errors.Is(err, sql.ErrNoRows) {
		return count, fmt.Errorf("%w: count %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return count, fmt.Errorf("query error: %w", err)
	}
	return count, nil
}

// SetCount upserts the counter. Both SQLite and PostgreSQL accept the
// ON CONFLICT clause.
func (s *CounterStore) SetCount(ctx context.Context, key string, count models.NotificationCount) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ib := s.flavor.NewInsertBuilder()
	ib.InsertInto(countTable).
		Cols("counter_key", "owner_id", "unread_count", "unseen_count").
		Values(key, count.OwnerID, count.UnreadCount, count.UnseenCount)
	ib.SQL("ON CONFLICT (counter_key) DO UPDATE SET " +
		"owner_id = excluded.owner_id, " +
		"unread_count = excluded.unread_count, " +
		"unseen_count = excluded.unseen_count")

	query, args := ib.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert error: %w", err)
	}
	return nil
}
