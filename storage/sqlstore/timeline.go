package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"

	"streamfeed/models"
	"streamfeed/storage"
)

const timelineTable = "timeline_entries"

// TimelineStore keeps feeds in the timeline_entries table.
type TimelineStore struct {
	*DB
}

var _ storage.TimelineStore = (*TimelineStore)(nil)

func NewTimelineStore(db *DB) *TimelineStore {
	return &TimelineStore{DB: db}
}

func (s *TimelineStore) Capabilities() storage.Capabilities {
	return storage.Capabilities{Filtering: true, Ordering: true}
}

func (s *TimelineStore) AddMany(ctx context.Context, key string, records []storage.Record) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.addMany(ctx, s.db, key, records)
}

func (s *TimelineStore) addMany(ctx context.Context, q querier, key string, records []storage.Record) error {
	if len(records) == 0 {
		return nil
	}

	ib := s.flavor.NewInsertBuilder()
	ib.InsertIgnoreInto(timelineTable).Cols("feed_key", "id", "payload")
	for _, r := range records {
		ib.Values(key, r.ID.Key(), s.codec.encode(r.Value))
	}

	sql, args := ib.Build()
	logQuery(sql, args)
	if _, err := q.ExecContext(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	return nil
}

func (s *TimelineStore) RemoveMany(ctx context.Context, key string, ids []models.SerializationID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.removeMany(ctx, s.db, key, ids)
}

func (s *TimelineStore) removeMany(ctx context.Context, q querier, key string, ids []models.SerializationID) error {
	if len(ids) == 0 {
		return nil
	}

	del := s.flavor.NewDeleteBuilder()
	del.DeleteFrom(timelineTable).Where(
		del.Equal("feed_key", key),
		del.In("id", idArgs(ids)...),
	)

	sql, args := del.Build()
	logQuery(sql, args)
	if _, err := q.ExecContext(ctx, sql, args...); err != nil {
		return fmt.Errorf("delete error: %w", err)
	}
	return nil
}

func (s *TimelineStore) GetSlice(ctx context.Context, key string, start, stop int, q storage.Query) ([]storage.Record, error) {
	if start < 0 || stop < start {
		return nil, fmt.Errorf("%w: invalid slice [%d:%d]", models.ErrValidation, start, stop)
	}
	if stop == start {
		return []storage.Record{}, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sb := s.flavor.NewSelectBuilder()
	sb.Select("id", "payload").From(timelineTable).Where(sb.Equal("feed_key", key))
	applyFilter(sb, q.Filter)

	sb.OrderBy("id")
	if q.Ascending {
		sb.Asc()
	} else {
		sb.Desc()
	}
	sb.Limit(stop - start).Offset(start)

	sql, args := sb.Build()
	logQuery(sql, args)
	rows, err := s.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	records := []storage.Record{}
	for rows.Next() {
		var rawID string
		var payload []byte
		if err := rows.Scan(&rawID, &payload); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		id, err := models.ParseSerializationID(rawID)
		if err != nil {
			log.WithFields(log.Fields{"key": key, "id": rawID}).WithError(err).Warn("Skipping timeline row")
			continue
		}
		value, err := s.codec.decode(payload)
		if err != nil {
			log.WithFields(log.Fields{"key": key, "id": rawID}).WithError(err).Warn("Skipping timeline row")
			continue
		}
		records = append(records, storage.Record{ID: id, Value: value})
	}
	return records, rows.Err()
}

func applyFilter(sb *sqlbuilder.SelectBuilder, f storage.Filter) {
	if f.GT != nil {
		sb.Where(sb.GreaterThan("id", f.GT.Key()))
	}
	if f.GTE != nil {
		sb.Where(sb.GreaterEqualThan("id", f.GTE.Key()))
	}
	if f.LT != nil {
		sb.Where(sb.LessThan("id", f.LT.Key()))
	}
	if f.LTE != nil {
		sb.Where(sb.LessEqualThan("id", f.LTE.Key()))
	}
}

func (s *TimelineStore) Trim(ctx context.Context, key string, length int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.inTx(ctx, func(q querier) error {
		return s.trim(ctx, q, key, length)
	})
}

// trim finds the id at position length and deletes it and everything older.
func (s *TimelineStore) trim(ctx context.Context, q querier, key string, length int) error {
	if length <= 0 {
		return s.delete(ctx, q, key)
	}

	sb := s.flavor.NewSelectBuilder()
	sb.Select("id").From(timelineTable).Where(sb.Equal("feed_key", key))
	sb.OrderBy("id").Desc().Limit(1).Offset(length)

	query, args := sb.Build()
	var cutoff string
	err := q.QueryRowContext(ctx, query, args...).Scan(&cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query error: %w", err)
	}

	del := s.flavor.NewDeleteBuilder()
	del.DeleteFrom(timelineTable).Where(
		del.Equal("feed_key", key),
		del.LessEqualThan("id", cutoff),
	)
	query, args = del.Build()
	logQuery(query, args)
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete error: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.WithFields(log.Fields{
			"key":     key,
			"length":  length,
			"removed": n,
		}).Debug("Trimmed timeline")
	}
	return nil
}

func (s *TimelineStore) Count(ctx context.Context, key string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sb := s.flavor.NewSelectBuilder()
	sb.Select("COUNT(*)").From(timelineTable).Where(sb.Equal("feed_key", key))

	query, args := sb.Build()
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("query error: %w", err)
	}
	return count, nil
}

func (s *TimelineStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.delete(ctx, s.db, key)
}

func (s *TimelineStore) delete(ctx context.Context, q querier, key string) error {
	del := s.flavor.NewDeleteBuilder()
	del.DeleteFrom(timelineTable).Where(del.Equal("feed_key", key))

	query, args := del.Build()
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete error: %w", err)
	}
	return nil
}

// IndexOf counts the newer entries of the feed.
func (s *TimelineStore) IndexOf(ctx context.Context, key string, id models.SerializationID) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	exists := s.flavor.NewSelectBuilder()
	exists.Select("COUNT(*)").From(timelineTable).Where(
		exists.Equal("feed_key", key),
		exists.Equal("id", id.Key()),
	)
	query, args := exists.Build()
	var found int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&found); err != nil {
		return 0, fmt.Errorf("query error: %w", err)
	}
	if found == 0 {
		return 0, fmt.Errorf("%w: %s in %s", storage.ErrNotFound, id, key)
	}

	newer := s.flavor.NewSelectBuilder()
	newer.Select("COUNT(*)").From(timelineTable).Where(
		newer.Equal("feed_key", key),
		newer.GreaterThan("id", id.Key()),
	)
	query, args = newer.Build()
	var index int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&index); err != nil {
		return 0, fmt.Errorf("query error: %w", err)
	}
	return index, nil
}

// Apply runs the batch in one transaction.
func (s *TimelineStore) Apply(ctx context.Context, b *storage.Batch) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.inTx(ctx, func(q querier) error {
		for _, op := range b.Ops() {
			var err error
			switch op.Kind {
			case storage.OpAdd:
				err = s.addMany(ctx, q, op.Key, op.Records)
			case storage.OpRemove:
				err = s.removeMany(ctx, q, op.Key, op.IDs)
			case storage.OpTrim:
				err = s.trim(ctx, q, op.Key, op.Length)
			default:
				err = fmt.Errorf("%w: batch op %s", storage.ErrNotSupported, op.Kind)
			}
			if err != nil {
				return fmt.Errorf("batch %s on %s: %w", op.Kind, op.Key, err)
			}
		}
		return nil
	})
}

// Keys lists every feed key that holds entries.
func (s *TimelineStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sb := s.flavor.NewSelectBuilder()
	sb.Select("DISTINCT feed_key").From(timelineTable).OrderBy("feed_key")

	query, args := sb.Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Tidy trims every feed to length. It returns the number of feeds visited.
func (s *TimelineStore) Tidy(ctx context.Context, length int) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}

	log.WithFields(log.Fields{
		"feeds":  len(keys),
		"length": length,
	}).Info("Tidying timelines")

	for _, key := range keys {
		if err := s.Trim(ctx, key, length); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
