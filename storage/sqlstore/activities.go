package sqlstore

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"streamfeed/models"
	"streamfeed/storage"
)

const (
	activityTable = "activities"
	// maxIDsPerQuery keeps IN lists below the SQLite variable limit.
	maxIDsPerQuery = 500
)

// ActivityStore keeps activities in the activities table.
type ActivityStore struct {
	*DB
}

var _ storage.ActivityStore = (*ActivityStore)(nil)

func NewActivityStore(db *DB) *ActivityStore {
	return &ActivityStore{DB: db}
}

func (s *ActivityStore) AddMany(ctx context.Context, records []storage.Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.inTx(ctx, func(q querier) error {
		for _, chunk := range lo.Chunk(records, maxIDsPerQuery) {
			ib := s.flavor.NewInsertBuilder()
			ib.InsertIgnoreInto(activityTable).Cols("id", "payload")
			for _, r := range chunk {
				ib.Values(r.ID.Key(), s.codec.encode(r.Value))
			}
			query, args := ib.Build()
			if _, err := q.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert error: %w", err)
			}
		}
		return nil
	})
}

func (s *ActivityStore) GetMany(ctx context.Context, ids []models.SerializationID) (map[models.SerializationID][]byte, error) {
	out := make(map[models.SerializationID][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for _, chunk := range lo.Chunk(lo.Uniq(ids), maxIDsPerQuery) {
		sb := s.flavor.NewSelectBuilder()
		sb.Select("id", "payload").From(activityTable).Where(sb.In("id", idArgs(chunk)...))

		query, args := sb.Build()
		if err := s.scanInto(ctx, out, query, args); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *ActivityStore) scanInto(ctx context.Context, out map[models.SerializationID][]byte, query string, args []any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rawID string
		var payload []byte
		if err := rows.Scan(&rawID, &payload); err != nil {
			return fmt.Errorf("scan error: %w", err)
		}
		id, err := models.ParseSerializationID(rawID)
		if err != nil {
			log.WithField("id", rawID).WithError(err).Warn("Skipping activity row")
			continue
		}
		value, err := s.codec.decode(payload)
		if err != nil {
			log.WithField("id", rawID).WithError(err).Warn("Skipping activity row")
			continue
		}
		out[id] = value
	}
	return rows.Err()
}

func (s *ActivityStore) RemoveMany(ctx context.Context, ids []models.SerializationID) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.inTx(ctx, func(q querier) error {
		for _, chunk := range lo.Chunk(ids, maxIDsPerQuery) {
			del := s.flavor.NewDeleteBuilder()
			del.DeleteFrom(activityTable).Where(del.In("id", idArgs(chunk)...))
			query, args := del.Build()
			if _, err := q.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("delete error: %w", err)
			}
		}
		return nil
	})
}

// Flush deletes every activity.
func (s *ActivityStore) Flush(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	del := s.flavor.NewDeleteBuilder()
	del.DeleteFrom(activityTable)
	query, args := del.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete error: %w", err)
	}
	return nil
}
