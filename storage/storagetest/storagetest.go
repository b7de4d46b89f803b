// Package storagetest holds behaviour tests every storage backend must pass.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamfeed/models"
	"streamfeed/storage"
)

var base = time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC).UnixMilli()

// ID returns the n-th test id. Higher n is newer.
func ID(n int) models.SerializationID {
	return models.NewSerializationID(base+int64(n), int64(n), models.Love.ID)
}

// Records returns records for ids 1..n with payload "v<n>".
func Records(n int) []storage.Record {
	out := make([]storage.Record, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, storage.Record{ID: ID(i), Value: []byte(fmt.Sprintf("v%d", i))})
	}
	return out
}

func ids(records []storage.Record) []models.SerializationID {
	out := make([]models.SerializationID, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

// TimelineStore runs the timeline contract against fresh stores.
func TimelineStore(t *testing.T, newStore func(t *testing.T) storage.TimelineStore) {
	ctx := context.Background()

	t.Run("add is idempotent and ordered", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddMany(ctx, "feed:1", Records(3)))
		require.NoError(t, s.AddMany(ctx, "feed:1", Records(3)))

		count, err := s.Count(ctx, "feed:1")
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		got, err := s.GetSlice(ctx, "feed:1", 0, 10, storage.Query{})
		require.NoError(t, err)
		assert.Equal(t, []models.SerializationID{ID(3), ID(2), ID(1)}, ids(got))
		assert.Equal(t, "v3", string(got[0].Value))
	})

	t.Run("keys are isolated", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddMany(ctx, "feed:1", Records(2)))

		count, err := s.Count(ctx, "feed:2")
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("slice bounds", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddMany(ctx, "feed:1", Records(5)))

		got, err := s.GetSlice(ctx, "feed:1", 1, 3, storage.Query{})
		require.NoError(t, err)
		assert.Equal(t, []models.SerializationID{ID(4), ID(3)}, ids(got))

		got, err = s.GetSlice(ctx, "feed:1", 10, 20, storage.Query{})
		require.NoError(t, err)
		assert.Empty(t, got)

		_, err = s.GetSlice(ctx, "feed:1", 3, 1, storage.Query{})
		assert.Error(t, err)
	})

	t.Run("remove skips absent ids", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddMany(ctx, "feed:1", Records(3)))
		require.NoError(t, s.RemoveMany(ctx, "feed:1", []models.SerializationID{ID(2), ID(9)}))

		got, err := s.GetSlice(ctx, "feed:1", 0, 10, storage.Query{})
		require.NoError(t, err)
		assert.Equal(t, []models.SerializationID{ID(3), ID(1)}, ids(got))
	})

	t.Run("trim keeps newest", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddMany(ctx, "feed:1", Records(10)))
		require.NoError(t, s.Trim(ctx, "feed:1", 4))

		got, err := s.GetSlice(ctx, "feed:1", 0, 100, storage.Query{})
		require.NoError(t, err)
		assert.Equal(t, []models.SerializationID{ID(10), ID(9), ID(8), ID(7)}, ids(got))

		require.NoError(t, s.Trim(ctx, "feed:1", 10))
		count, err := s.Count(ctx, "feed:1")
		require.NoError(t, err)
		assert.Equal(t, 4, count)
	})

	t.Run("index of", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddMany(ctx, "feed:1", Records(3)))

		idx, err := s.IndexOf(ctx, "feed:1", ID(1))
		require.NoError(t, err)
		assert.Equal(t, 2, idx)

		_, err = s.IndexOf(ctx, "feed:1", ID(7))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddMany(ctx, "feed:1", Records(3)))
		require.NoError(t, s.Delete(ctx, "feed:1"))

		count, err := s.Count(ctx, "feed:1")
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("filter and order", func(t *testing.T) {
		s := newStore(t)
		if !s.Capabilities().Filtering || !s.Capabilities().Ordering {
			t.Skip("backend has no filtering or ordering")
		}
		require.NoError(t, s.AddMany(ctx, "feed:1", Records(6)))

		lt, gte := ID(5), ID(2)
		got, err := s.GetSlice(ctx, "feed:1", 0, 10, storage.Query{Filter: storage.Filter{LT: &lt, GTE: &gte}})
		require.NoError(t, err)
		assert.Equal(t, []models.SerializationID{ID(4), ID(3), ID(2)}, ids(got))

		got, err = s.GetSlice(ctx, "feed:1", 0, 2, storage.Query{Ascending: true})
		require.NoError(t, err)
		assert.Equal(t, []models.SerializationID{ID(1), ID(2)}, ids(got))

		gt, lte := ID(4), ID(5)
		got, err = s.GetSlice(ctx, "feed:1", 0, 10, storage.Query{Filter: storage.Filter{GT: &gt, LTE: &lte}})
		require.NoError(t, err)
		assert.Equal(t, []models.SerializationID{ID(5)}, ids(got))
	})

	t.Run("batch applies in order", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddMany(ctx, "feed:1", Records(3)))

		err := storage.WithBatch(ctx, s, func(b *storage.Batch) error {
			b.RemoveMany("feed:1", []models.SerializationID{ID(3)})
			b.AddMany("feed:1", []storage.Record{{ID: ID(3), Value: []byte("replaced")}})
			b.AddMany("feed:2", Records(2))
			b.Trim("feed:1", 2)
			return nil
		})
		require.NoError(t, err)

		got, err := s.GetSlice(ctx, "feed:1", 0, 10, storage.Query{})
		require.NoError(t, err)
		assert.Equal(t, []models.SerializationID{ID(3), ID(2)}, ids(got))
		assert.Equal(t, "replaced", string(got[0].Value))

		count, err := s.Count(ctx, "feed:2")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("failed batch writes nothing", func(t *testing.T) {
		s := newStore(t)
		err := storage.WithBatch(ctx, s, func(b *storage.Batch) error {
			b.AddMany("feed:1", Records(2))
			return fmt.Errorf("boom")
		})
		require.Error(t, err)

		count, err := s.Count(ctx, "feed:1")
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

// ActivityStore runs the activity store contract.
func ActivityStore(t *testing.T, newStore func(t *testing.T) storage.ActivityStore) {
	ctx := context.Background()

	t.Run("add get remove", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddMany(ctx, Records(3)))
		require.NoError(t, s.AddMany(ctx, []storage.Record{{ID: ID(1), Value: []byte("ignored")}}))

		got, err := s.GetMany(ctx, []models.SerializationID{ID(1), ID(3), ID(7)})
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Equal(t, "v1", string(got[ID(1)]))

		require.NoError(t, s.RemoveMany(ctx, []models.SerializationID{ID(1), ID(8)}))
		got, err = s.GetMany(ctx, []models.SerializationID{ID(1), ID(2)})
		require.NoError(t, err)
		assert.Len(t, got, 1)

		got, err = s.GetMany(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("flush", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddMany(ctx, Records(3)))
		require.NoError(t, s.Flush(ctx))

		got, err := s.GetMany(ctx, []models.SerializationID{ID(1), ID(2), ID(3)})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

// CounterStore runs the counter store contract.
func CounterStore(t *testing.T, newStore func(t *testing.T) storage.CounterStore) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.GetCount(ctx, "notification:1:count")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	count := models.NotificationCount{OwnerID: 1, UnreadCount: 4, UnseenCount: 2}
	require.NoError(t, s.SetCount(ctx, "notification:1:count", count))
	count.UnseenCount = 0
	require.NoError(t, s.SetCount(ctx, "notification:1:count", count))

	got, err := s.GetCount(ctx, "notification:1:count")
	require.NoError(t, err)
	assert.Equal(t, count, got)
}

// FollowGraph runs the follow graph contract.
func FollowGraph(t *testing.T, newGraph func(t *testing.T) storage.FollowGraph) {
	ctx := context.Background()
	g := newGraph(t)

	require.NoError(t, g.Follow(ctx, 1, 10, models.PriorityLow))
	require.NoError(t, g.Follow(ctx, 2, 10, models.PriorityHigh))
	require.NoError(t, g.Follow(ctx, 1, 11, models.PriorityLow))
	require.NoError(t, g.Follow(ctx, 1, 10, models.PriorityHigh))

	followers, err := g.Followers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, followers, 2)
	assert.Equal(t, int64(1), followers[0].UserID)
	assert.Equal(t, models.PriorityHigh, followers[0].Priority)
	assert.Equal(t, int64(2), followers[1].UserID)

	following, err := g.Following(ctx, 1)
	require.NoError(t, err)
	require.Len(t, following, 2)
	assert.Equal(t, int64(10), following[0].TargetID)
	assert.Equal(t, int64(11), following[1].TargetID)

	require.NoError(t, g.Unfollow(ctx, 1, 10, 11, 12))
	following, err = g.Following(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, following)

	followers, err = g.Followers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, followers, 1)
	assert.Equal(t, int64(2), followers[0].UserID)
}
