package models_test

import (
	"streamfeed/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregatedActivityMinimizes(t *testing.T) {
	agg := models.NewAggregatedActivity("3-2024-05-17")
	for i := int64(1); i <= 100; i++ {
		require.NoError(t, agg.Append(newActivity(t, i, models.Love, i, day)))
	}

	assert.Equal(t, 100, agg.ActivityCount())
	assert.Equal(t, 85, agg.MinimizedActivities)
	assert.Equal(t, 100, agg.ActorCount())
	assert.Equal(t, 98, agg.OtherActorCount())
	assert.Len(t, agg.Activities, 15)

	expected := make([]int64, 0, 15)
	for i := int64(86); i <= 100; i++ {
		expected = append(expected, i)
	}
	assert.Equal(t, expected, agg.ObjectIDs())
	assert.False(t, agg.IsSeen())
	assert.False(t, agg.IsRead())
	assert.Equal(t, []models.Verb{models.Love}, agg.Verbs())
}

func TestAggregatedActivityAppend(t *testing.T) {
	agg := models.NewAggregatedActivity("group")
	first := newActivity(t, 1, models.Love, 1, day)
	second := newActivity(t, 2, models.Love, 2, day.Add(time.Hour))

	require.NoError(t, agg.Append(second))
	require.NoError(t, agg.Append(first))
	assert.ErrorIs(t, agg.Append(first), models.ErrDuplicateActivity)

	assert.Equal(t, second.Time, agg.CreatedAt)
	assert.Equal(t, second.Time, agg.UpdatedAt)

	last, ok := agg.LastActivity()
	require.True(t, ok)
	assert.True(t, last.Equal(second))
	assert.Equal(t, []int64{2, 1}, actorIDs(agg.LastActivities()))

	added, err := agg.AppendMany([]models.Activity{first, second, newActivity(t, 3, models.Love, 3, day.Add(2*time.Hour))})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 3, agg.ActivityCount())
}

func actorIDs(activities []models.Activity) []int64 {
	ids := make([]int64, len(activities))
	for i, a := range activities {
		ids[i] = a.ActorID
	}
	return ids
}

func TestAggregatedActivityRemove(t *testing.T) {
	agg := models.NewAggregatedActivity("group")
	first := newActivity(t, 1, models.Love, 1, day)
	second := newActivity(t, 2, models.Love, 2, day.Add(time.Hour))
	require.NoError(t, agg.Append(first))
	require.NoError(t, agg.Append(second))

	missing := newActivity(t, 3, models.Love, 3, day)
	assert.ErrorIs(t, agg.Remove(missing.SerializationID()), models.ErrActivityNotFound)

	require.NoError(t, agg.Remove(second.SerializationID()))
	assert.Equal(t, first.Time, agg.UpdatedAt)
	assert.ErrorIs(t, agg.Remove(first.SerializationID()), models.ErrEmptyAggregate)

	removed, err := agg.RemoveMany([]models.SerializationID{missing.SerializationID()})
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestAggregatedActivitySeenRead(t *testing.T) {
	agg := models.NewAggregatedActivity("group")
	require.NoError(t, agg.Append(newActivity(t, 1, models.Love, 1, day)))

	agg.UpdateSeenAt(day.Add(time.Minute))
	assert.True(t, agg.IsSeen())
	assert.False(t, agg.IsRead())

	require.NoError(t, agg.Append(newActivity(t, 2, models.Love, 2, day.Add(time.Hour))))
	assert.False(t, agg.IsSeen())

	agg.UpdateReadAt(day.Add(time.Hour))
	assert.True(t, agg.IsRead())
}

func TestAggregatedActivityDehydrate(t *testing.T) {
	agg := models.NewAggregatedActivity("group")
	first := newActivity(t, 1, models.Love, 1, day)
	second := newActivity(t, 2, models.Love, 2, day.Add(time.Hour))
	require.NoError(t, agg.Append(first))
	require.NoError(t, agg.Append(second))

	dry := agg.Dehydrate()
	assert.True(t, dry.Dehydrated)
	assert.Empty(t, dry.Activities)
	assert.Equal(t, agg.IDs(), dry.ActivityIDs)
	assert.Equal(t, agg.SerializationID(), dry.SerializationID())
	assert.True(t, dry.Contains(first.SerializationID()))
	assert.ErrorIs(t, dry.Append(newActivity(t, 3, models.Love, 3, day)), models.ErrValidation)

	hydrated, missing := dry.Hydrate(models.LookupMap(map[models.SerializationID]models.Activity{
		first.SerializationID(): first,
	}))
	assert.Equal(t, []models.SerializationID{second.SerializationID()}, missing)
	assert.Len(t, hydrated.Activities, 1)

	lookup := models.LookupMap(map[models.SerializationID]models.Activity{
		first.SerializationID():  first,
		second.SerializationID(): second,
	})
	hydrated, missing = dry.Hydrate(lookup)
	assert.Empty(t, missing)
	assert.True(t, agg.Equal(hydrated))
}

func TestAggregatedActivityClone(t *testing.T) {
	agg := models.NewAggregatedActivity("group")
	require.NoError(t, agg.Append(newActivity(t, 1, models.Love, 1, day)))

	clone := agg.Clone()
	require.NoError(t, clone.Append(newActivity(t, 2, models.Love, 2, day.Add(time.Second))))

	assert.Equal(t, 1, agg.ActivityCount())
	assert.Equal(t, 2, clone.ActivityCount())
	assert.False(t, agg.Equal(clone))
}

func TestCountAggregates(t *testing.T) {
	seen := models.NewAggregatedActivity("a")
	require.NoError(t, seen.Append(newActivity(t, 1, models.Love, 1, day)))
	seen.UpdateSeenAt(day.Add(time.Minute))

	fresh := models.NewAggregatedActivity("b")
	require.NoError(t, fresh.Append(newActivity(t, 1, models.Love, 2, day)))

	count := models.CountAggregates(7, []*models.AggregatedActivity{seen, fresh})
	assert.Equal(t, models.NotificationCount{OwnerID: 7, UnreadCount: 2, UnseenCount: 1}, count)
}
