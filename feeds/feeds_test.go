package feeds_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamfeed/feeds"
	"streamfeed/models"
	"streamfeed/serializer"
	"streamfeed/storage"
	"streamfeed/storage/memory"
)

var day = time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)

func newActivity(t *testing.T, actor int64, verb models.Verb, object int64, at time.Time) models.Activity {
	t.Helper()
	a, err := models.NewActivity(actor, verb, object, nil, at, nil)
	require.NoError(t, err)
	return a
}

// loves returns n love activities of distinct objects, one minute apart,
// oldest first.
func loves(t *testing.T, n int) []models.Activity {
	t.Helper()
	out := make([]models.Activity, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, newActivity(t, int64(i+1), models.Love, int64(100+i), day.Add(time.Duration(i)*time.Minute)))
	}
	return out
}

func neverTrim() feeds.Options {
	return feeds.Options{Rand: func() float64 { return 1 }}
}

// plainTimeline hides the optional capabilities of the memory store.
type plainTimeline struct {
	*memory.TimelineStore
}

func (plainTimeline) Capabilities() storage.Capabilities {
	return storage.Capabilities{}
}

func TestSimpleFeedAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	feed := feeds.NewSimpleFeed(1, memory.NewTimelineStore(), nil, nil, neverTrim())
	a := newActivity(t, 1, models.Love, 42, day)

	require.NoError(t, feed.Add(ctx, a))
	require.NoError(t, feed.Add(ctx, a))

	count, err := feed.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, "feed:1", feed.Key())
}

func TestSimpleFeedSliceIsNewestFirst(t *testing.T) {
	ctx := context.Background()
	feed := feeds.NewSimpleFeed(1, memory.NewTimelineStore(), nil, nil, neverTrim())
	acts := loves(t, 3)
	require.NoError(t, feed.AddMany(ctx, acts))

	got, err := feed.Slice(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Equal(acts[2]))
	assert.True(t, got[2].Equal(acts[0]))

	_, err = feed.Slice(ctx, 2, 1)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestSimpleFeedTrimsToMaxLength(t *testing.T) {
	ctx := context.Background()
	feed := feeds.NewSimpleFeed(1, memory.NewTimelineStore(), nil, nil, feeds.Options{
		MaxLength:  3,
		TrimChance: 1,
		Rand:       func() float64 { return 0 },
	})
	acts := loves(t, 5)
	require.NoError(t, feed.AddMany(ctx, acts))

	got, err := feed.Slice(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Equal(acts[4]))

	require.NoError(t, feed.AddMany(ctx, acts[:1], feeds.WithoutTrim()))
	count, err := feed.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	require.NoError(t, feed.Trim(ctx, 0))
	count, err = feed.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSimpleFeedHydratesReferences(t *testing.T) {
	ctx := context.Background()
	activities := memory.NewActivityStore()
	timeline := memory.NewTimelineStore()
	feed := feeds.NewSimpleFeed(1, timeline, activities, nil, neverTrim())
	acts := loves(t, 3)

	require.NoError(t, feed.InsertActivities(ctx, acts[:2]))
	require.NoError(t, feed.AddMany(ctx, acts))

	records, err := timeline.GetSlice(ctx, feed.Key(), 0, 1, storage.Query{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, acts[2].SerializationID().String(), string(records[0].Value))

	got, err := feed.Slice(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2, "the activity missing from the store is skipped")
	assert.True(t, got[0].Equal(acts[1]))

	require.NoError(t, feed.DeleteActivities(ctx, acts[:1]))
	assert.Equal(t, 1, activities.Len())
}

func TestSimpleFeedRemove(t *testing.T) {
	ctx := context.Background()
	feed := feeds.NewSimpleFeed(1, memory.NewTimelineStore(), nil, nil, neverTrim())
	acts := loves(t, 3)
	require.NoError(t, feed.AddMany(ctx, acts))

	require.NoError(t, feed.RemoveActivities(ctx, acts[1:2]))
	require.NoError(t, feed.Remove(ctx, acts[1].SerializationID()))

	_, err := feed.IndexOf(ctx, acts[1].SerializationID())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	index, err := feed.IndexOf(ctx, acts[0].SerializationID())
	require.NoError(t, err)
	assert.Equal(t, 1, index)
}

func TestSimpleFeedPage(t *testing.T) {
	ctx := context.Background()
	feed := feeds.NewSimpleFeed(1, memory.NewTimelineStore(), nil, nil, neverTrim())
	acts := loves(t, 5)
	require.NoError(t, feed.AddMany(ctx, acts))

	page, err := feed.Page(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotNil(t, page.Cursor)
	assert.Equal(t, acts[3].SerializationID().String(), *page.Cursor)

	page, err = feed.Page(ctx, *page.Cursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.Items[0].Equal(acts[2]))

	page, err = feed.Page(ctx, *page.Cursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Nil(t, page.Cursor)

	page, err = feed.Page(ctx, "not-a-cursor", 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 5)
}

func TestPageRejectsNonPositiveLimit(t *testing.T) {
	ctx := context.Background()
	simple := feeds.NewSimpleFeed(1, memory.NewTimelineStore(), nil, nil, neverTrim())
	require.NoError(t, simple.AddMany(ctx, loves(t, 2)))
	aggregated, err := feeds.NewAggregatedFeed(1, memory.NewTimelineStore(), nil, serializer.Text, nil, neverTrim())
	require.NoError(t, err)
	require.NoError(t, aggregated.AddActivities(ctx, loves(t, 2)))

	for _, limit := range []int{0, -1} {
		_, err := simple.Page(ctx, "", limit)
		assert.ErrorIs(t, err, models.ErrValidation)
		_, err = aggregated.Page(ctx, "", limit)
		assert.ErrorIs(t, err, models.ErrValidation)
	}
}

func TestSimpleFeedFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	feed := feeds.NewSimpleFeed(1, memory.NewTimelineStore(), nil, nil, neverTrim())
	acts := loves(t, 4)
	require.NoError(t, feed.AddMany(ctx, acts))

	bound := acts[1].SerializationID()
	view, err := feed.Filter(storage.Filter{GTE: &bound})
	require.NoError(t, err)
	view, err = view.OrderBy("id")
	require.NoError(t, err)

	got, err := view.Slice(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Equal(acts[1]))
	assert.True(t, got[2].Equal(acts[3]))

	_, err = view.OrderBy("actor")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestFilterNeedsCapability(t *testing.T) {
	feed := feeds.NewSimpleFeed(1, plainTimeline{memory.NewTimelineStore()}, nil, nil, neverTrim())

	_, err := feed.Filter(storage.Filter{})
	assert.ErrorIs(t, err, storage.ErrNotSupported)

	_, err = feed.OrderBy("-id")
	assert.ErrorIs(t, err, storage.ErrNotSupported)
}

func TestSimpleFeedWritesIntoSharedBatch(t *testing.T) {
	ctx := context.Background()
	timeline := memory.NewTimelineStore()
	feed := feeds.NewSimpleFeed(1, timeline, nil, nil, neverTrim())

	batch := storage.NewBatch()
	require.NoError(t, feed.AddMany(ctx, loves(t, 2), feeds.WithBatch(batch)))

	count, err := feed.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, timeline.Apply(ctx, batch))
	count, err = feed.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func newAggregatedFeed(t *testing.T, activities storage.ActivityStore, family serializer.Family) *feeds.AggregatedFeed {
	t.Helper()
	feed, err := feeds.NewAggregatedFeed(1, memory.NewTimelineStore(), activities, family, nil, feeds.Options{
		KeyFormat: "aggregated:%d",
		Rand:      func() float64 { return 1 },
	})
	require.NoError(t, err)
	return feed
}

func TestAggregatedFeedMerges(t *testing.T) {
	for _, family := range []serializer.Family{serializer.Text, serializer.Msgpack} {
		t.Run(string(family), func(t *testing.T) {
			ctx := context.Background()
			feed := newAggregatedFeed(t, nil, family)
			acts := loves(t, 3)

			added, err := feed.AddMany(ctx, acts[:2])
			require.NoError(t, err)
			require.Len(t, added, 1)

			added, err = feed.AddMany(ctx, acts[2:])
			require.NoError(t, err)
			require.Len(t, added, 1)
			assert.Equal(t, 3, added[0].ActivityCount())

			count, err := feed.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			comment := newActivity(t, 9, models.Comment, 7, day)
			_, err = feed.AddMany(ctx, []models.Activity{comment})
			require.NoError(t, err)

			aggs, err := feed.Aggregates(ctx, 0, 10)
			require.NoError(t, err)
			require.Len(t, aggs, 2)
			assert.Equal(t, models.Love, aggs[0].Verb(), "the love aggregate was updated last")
		})
	}
}

func TestAggregatedFeedDuplicateAddIsNoop(t *testing.T) {
	ctx := context.Background()
	feed := newAggregatedFeed(t, nil, serializer.Text)
	acts := loves(t, 2)

	_, err := feed.AddMany(ctx, acts)
	require.NoError(t, err)
	added, err := feed.AddMany(ctx, acts[:1])
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestAggregatedFeedCapsActivities(t *testing.T) {
	ctx := context.Background()
	feed := newAggregatedFeed(t, nil, serializer.Text)

	_, err := feed.AddMany(ctx, loves(t, 100))
	require.NoError(t, err)

	aggs, err := feed.Aggregates(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Len(t, aggs[0].Activities, models.DefaultMaxAggregatedActivities)
	assert.Equal(t, 100, aggs[0].ActivityCount())
}

func TestAggregatedFeedRemove(t *testing.T) {
	ctx := context.Background()
	feed := newAggregatedFeed(t, nil, serializer.Text)
	acts := loves(t, 2)
	comment := newActivity(t, 9, models.Comment, 7, day)

	_, err := feed.AddMany(ctx, append(acts, comment))
	require.NoError(t, err)

	require.NoError(t, feed.RemoveActivities(ctx, []models.Activity{acts[0], comment}))

	aggs, err := feed.Aggregates(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, 1, aggs[0].ActivityCount())
	assert.True(t, aggs[0].Activities[0].Equal(acts[1]))

	// Absent ids are ignored.
	require.NoError(t, feed.RemoveActivities(ctx, []models.Activity{comment}))
}

func TestAggregatedFeedDehydrates(t *testing.T) {
	ctx := context.Background()
	activities := memory.NewActivityStore()
	feed := newAggregatedFeed(t, activities, serializer.Text)
	acts := loves(t, 3)

	require.NoError(t, feed.InsertActivities(ctx, acts[1:]))
	_, err := feed.AddMany(ctx, acts)
	require.NoError(t, err)

	got, err := feed.ActivitySlice(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2, "the activity missing from the store is skipped")
	assert.True(t, got[0].Equal(acts[2]))

	contains, err := feed.Contains(ctx, acts[2])
	require.NoError(t, err)
	assert.True(t, contains)

	contains, err = feed.Contains(ctx, newActivity(t, 1, models.Add, 1, day))
	require.NoError(t, err)
	assert.False(t, contains)
}

func TestAggregatedFeedPage(t *testing.T) {
	ctx := context.Background()
	feed := newAggregatedFeed(t, nil, serializer.Text)
	for i := 0; i < 3; i++ {
		_, err := feed.AddMany(ctx, []models.Activity{newActivity(t, 1, models.Love, 1, day.AddDate(0, 0, i))})
		require.NoError(t, err)
	}

	page, err := feed.Page(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotNil(t, page.Cursor)

	page, err = feed.Page(ctx, *page.Cursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Nil(t, page.Cursor)
}

type recorder struct {
	mu     sync.Mutex
	counts []models.NotificationCount
}

func (r *recorder) Publish(_ context.Context, count models.NotificationCount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, count)
	return nil
}

func newNotificationFeed(t *testing.T, publisher feeds.Publisher) *feeds.NotificationFeed {
	t.Helper()
	feed, err := feeds.NewNotificationFeed(7, memory.NewTimelineStore(), nil, serializer.Text, neverTrim(), feeds.NotificationDeps{
		Counts:    memory.NewCounterStore(),
		Locker:    memory.NewLocker(),
		Publisher: publisher,
	})
	require.NoError(t, err)
	return feed
}

func TestNotificationFeedCounts(t *testing.T) {
	ctx := context.Background()
	published := &recorder{}
	feed := newNotificationFeed(t, published)

	// Two loves of the same object aggregate, a love of another does not.
	_, err := feed.AddMany(ctx, []models.Activity{
		newActivity(t, 1, models.Love, 42, day),
		newActivity(t, 2, models.Love, 42, day.Add(time.Minute)),
		newActivity(t, 3, models.Love, 43, day),
	})
	require.NoError(t, err)

	count, err := feed.DenormalizedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationCount{OwnerID: 7, UnreadCount: 2, UnseenCount: 2}, count)

	unseen, err := feed.CountUnseen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, unseen)

	require.NoError(t, feed.MarkAll(ctx, true, false))
	count, err = feed.DenormalizedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count.UnseenCount)
	assert.Equal(t, 2, count.UnreadCount)

	require.NoError(t, feed.MarkAll(ctx, true, true))
	count, err = feed.DenormalizedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationCount{OwnerID: 7}, count)

	require.Len(t, published.counts, 3)
	assert.Equal(t, count, published.counts[2])
}

func TestNotificationFeedMarkActivities(t *testing.T) {
	ctx := context.Background()
	feed := newNotificationFeed(t, nil)

	added, err := feed.AddMany(ctx, []models.Activity{
		newActivity(t, 1, models.Love, 42, day),
		newActivity(t, 3, models.Love, 43, day),
	})
	require.NoError(t, err)
	require.Len(t, added, 2)

	require.NoError(t, feed.MarkActivities(ctx, []models.SerializationID{added[0].SerializationID()}, false, true))

	unread, err := feed.CountUnread(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	aggs, err := feed.Aggregates(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	assert.Equal(t, added[0].Group, aggs[0].Group)
	assert.True(t, aggs[0].IsRead())
	assert.False(t, aggs[1].IsRead())
}

func TestNotificationFeedNewActivityIsUnseenAgain(t *testing.T) {
	ctx := context.Background()
	feed := newNotificationFeed(t, nil)

	// Ahead of the clock, so marking stamps the aggregate's own update time.
	future := time.Date(2100, 1, 1, 12, 0, 0, 0, time.UTC)

	_, err := feed.AddMany(ctx, []models.Activity{newActivity(t, 1, models.Love, 42, future)})
	require.NoError(t, err)
	require.NoError(t, feed.MarkAll(ctx, true, true))

	_, err = feed.AddMany(ctx, []models.Activity{newActivity(t, 2, models.Love, 42, future.Add(time.Minute))})
	require.NoError(t, err)

	count, err := feed.DenormalizedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count.UnseenCount)
}

func TestNotificationFeedConcurrentWritersShareOneAggregate(t *testing.T) {
	ctx := context.Background()
	timeline := memory.NewTimelineStore()
	deps := feeds.NotificationDeps{Counts: memory.NewCounterStore(), Locker: memory.NewLocker()}
	workers := make([]*feeds.NotificationFeed, 4)
	for i := range workers {
		feed, err := feeds.NewNotificationFeed(7, timeline, nil, serializer.Text, neverTrim(), deps)
		require.NoError(t, err)
		workers[i] = feed
	}

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*writers)
	for i := 0; i < writers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			a := newActivity(t, int64(i+1), models.Love, 42, day.Add(time.Duration(i)*time.Second))
			_, err := workers[i%len(workers)].AddMany(ctx, []models.Activity{a})
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			errs <- workers[(i+1)%len(workers)].MarkAll(ctx, true, false)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	aggs, err := workers[0].Aggregates(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, writers, aggs[0].ActivityCount())

	count, err := workers[0].DenormalizedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count.UnreadCount)
}

func TestNotificationFeedNeedsCounterAndLocker(t *testing.T) {
	_, err := feeds.NewNotificationFeed(1, memory.NewTimelineStore(), nil, serializer.Text, feeds.Options{}, feeds.NotificationDeps{})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, feeds.Options{TrimChance: 0.5}.Validate())
	assert.ErrorIs(t, feeds.Options{TrimChance: 2}.Validate(), models.ErrValidation)
}
