package fanout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamfeed/fanout"
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

type fixture struct {
	manager *fanout.Manager
	graph   *memory.FollowGraph
}

func newFixture(t *testing.T, opts fanout.Options) fixture {
	t.Helper()
	activities := memory.NewActivityStore()
	feedOpts := feeds.Options{Rand: func() float64 { return 1 }}

	userOpts := feedOpts
	userOpts.KeyFormat = "user:%d"
	timelineOpts := feedOpts
	timelineOpts.KeyFormat = "timeline:%d"
	aggregatedOpts := feedOpts
	aggregatedOpts.KeyFormat = "aggregated:%d"

	aggregated, err := feeds.AggregatedClass("aggregated", memory.NewTimelineStore(), activities, serializer.Text, nil, aggregatedOpts)
	require.NoError(t, err)

	graph := memory.NewFollowGraph()
	opts.UserFeed = feeds.SimpleClass("user", memory.NewTimelineStore(), activities, nil, userOpts)
	opts.Classes = []feeds.Class{
		feeds.SimpleClass("timeline", memory.NewTimelineStore(), activities, nil, timelineOpts),
		aggregated,
	}
	opts.Activities = feeds.NewActivities(activities, nil)
	opts.Graph = graph

	manager, err := fanout.NewManager(opts)
	require.NoError(t, err)
	return fixture{manager: manager, graph: graph}
}

func (f fixture) activities(t *testing.T, class string, userID int64) []models.Activity {
	t.Helper()
	c, ok := f.manager.Class(class)
	require.True(t, ok)
	got, err := c.For(userID).ActivitySlice(context.Background(), 0, 100)
	require.NoError(t, err)
	return got
}

func TestAddUserActivityReachesFollowers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fanout.Options{})
	require.NoError(t, f.graph.Follow(ctx, 2, 1, models.PriorityHigh))
	require.NoError(t, f.graph.Follow(ctx, 3, 1, models.PriorityLow))

	a := newActivity(t, 1, models.Love, 42, day)
	require.NoError(t, f.manager.AddUserActivity(ctx, 1, a))

	for _, class := range []string{"user"} {
		got := f.activities(t, class, 1)
		require.Len(t, got, 1)
		assert.True(t, got[0].Equal(a))
	}
	for _, follower := range []int64{2, 3} {
		for _, class := range []string{"timeline", "aggregated"} {
			got := f.activities(t, class, follower)
			require.Len(t, got, 1, "%s of %d", class, follower)
			assert.True(t, got[0].Equal(a))
		}
	}
	assert.Empty(t, f.activities(t, "timeline", 4))

	require.NoError(t, f.manager.RemoveUserActivity(ctx, 1, a))
	assert.Empty(t, f.activities(t, "user", 1))
	assert.Empty(t, f.activities(t, "timeline", 2))
	assert.Empty(t, f.activities(t, "aggregated", 3))
}

func TestFollowAndUnfollow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fanout.Options{})

	first := newActivity(t, 1, models.Love, 42, day)
	second := newActivity(t, 1, models.Comment, 43, day.Add(time.Minute))
	require.NoError(t, f.manager.AddUserActivity(ctx, 1, first))
	require.NoError(t, f.manager.AddUserActivity(ctx, 1, second))

	require.NoError(t, f.manager.FollowUser(ctx, 5, 1, models.PriorityHigh))

	got := f.activities(t, "timeline", 5)
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(second))

	followers, err := f.graph.Followers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, followers, 1)
	assert.Equal(t, int64(5), followers[0].UserID)

	// New activities now reach the follower.
	third := newActivity(t, 1, models.Add, 44, day.Add(2*time.Minute))
	require.NoError(t, f.manager.AddUserActivity(ctx, 1, third))
	assert.Len(t, f.activities(t, "timeline", 5), 3)

	require.NoError(t, f.manager.UnfollowUser(ctx, 5, 1))
	assert.Empty(t, f.activities(t, "timeline", 5))
	assert.Empty(t, f.activities(t, "aggregated", 5))

	followers, err = f.graph.Followers(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, followers)
}

func TestFollowManyUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fanout.Options{})

	require.NoError(t, f.manager.AddUserActivity(ctx, 1, newActivity(t, 1, models.Love, 1, day)))
	require.NoError(t, f.manager.AddUserActivity(ctx, 2, newActivity(t, 2, models.Love, 2, day.Add(time.Minute))))

	require.NoError(t, f.manager.FollowManyUsers(ctx, 9, []int64{1, 2, 2}, models.PriorityLow))
	assert.Len(t, f.activities(t, "timeline", 9), 2)

	require.NoError(t, f.manager.UnfollowManyUsers(ctx, 9, []int64{1}))
	got := f.activities(t, "timeline", 9)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ActorID)
}

func TestUnfollowRemovesActivitiesBeyondFollowLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fanout.Options{FollowActivityLimit: 1})

	require.NoError(t, f.manager.FollowUser(ctx, 5, 1, models.PriorityHigh))
	require.NoError(t, f.manager.AddUserActivity(ctx, 1, newActivity(t, 1, models.Love, 42, day)))
	require.NoError(t, f.manager.AddUserActivity(ctx, 1, newActivity(t, 1, models.Comment, 43, day.Add(time.Minute))))
	require.NoError(t, f.manager.AddUserActivity(ctx, 2, newActivity(t, 2, models.Love, 44, day.Add(2*time.Minute))))
	require.NoError(t, f.graph.Follow(ctx, 5, 2, models.PriorityHigh))
	require.NoError(t, f.manager.AddUserActivity(ctx, 2, newActivity(t, 2, models.Love, 45, day.Add(3*time.Minute))))
	require.Len(t, f.activities(t, "timeline", 5), 3)

	require.NoError(t, f.manager.UnfollowUser(ctx, 5, 1))
	for _, class := range []string{"timeline", "aggregated"} {
		got := f.activities(t, class, 5)
		require.Len(t, got, 1, class)
		assert.Equal(t, int64(2), got[0].ActorID)
	}
}

func TestFollowWritesOnCallerGoroutine(t *testing.T) {
	ctx := context.Background()
	dispatcher := &recordingDispatcher{}
	f := newFixture(t, fanout.Options{Dispatcher: dispatcher})

	a := newActivity(t, 1, models.Love, 42, day)
	require.NoError(t, f.manager.AddUserActivity(ctx, 1, a))
	require.Empty(t, dispatcher.jobs)

	require.NoError(t, f.manager.FollowUser(ctx, 5, 1, models.PriorityLow))
	assert.Empty(t, dispatcher.jobs)
	for _, class := range []string{"timeline", "aggregated"} {
		got := f.activities(t, class, 5)
		require.Len(t, got, 1, class)
		assert.True(t, got[0].Equal(a))
	}

	require.NoError(t, f.manager.UnfollowUser(ctx, 5, 1))
	assert.Empty(t, dispatcher.jobs)
	assert.Empty(t, f.activities(t, "timeline", 5))
	assert.Empty(t, f.activities(t, "aggregated", 5))
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []fanout.Job
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job fanout.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

func TestFanoutChunksFollowers(t *testing.T) {
	ctx := context.Background()
	dispatcher := &recordingDispatcher{}
	f := newFixture(t, fanout.Options{Dispatcher: dispatcher, FanoutChunkSize: 2})

	for follower := int64(10); follower < 15; follower++ {
		require.NoError(t, f.graph.Follow(ctx, follower, 1, models.PriorityLow))
	}
	require.NoError(t, f.graph.Follow(ctx, 20, 1, models.PriorityHigh))

	require.NoError(t, f.manager.AddUserActivity(ctx, 1, newActivity(t, 1, models.Love, 42, day)))

	// One high chunk and three low chunks, for each of the two classes.
	require.Len(t, dispatcher.jobs, 8)
	assert.Equal(t, models.PriorityHigh, dispatcher.jobs[0].Priority)
	assert.Equal(t, []int64{20}, dispatcher.jobs[0].UserIDs)
	for _, job := range dispatcher.jobs {
		assert.NotEmpty(t, job.ID.String())
		assert.Equal(t, fanout.OperationAdd, job.Operation)
		assert.True(t, job.Trim)
		assert.LessOrEqual(t, len(job.UserIDs), 2)
	}

	// Nothing was written until the jobs run.
	assert.Empty(t, f.activities(t, "timeline", 10))
	for _, job := range dispatcher.jobs {
		require.NoError(t, f.manager.Fanout(ctx, job))
	}
	assert.Len(t, f.activities(t, "timeline", 10), 1)
	assert.Len(t, f.activities(t, "aggregated", 14), 1)
}

func TestFanoutRejectsUnknownClass(t *testing.T) {
	f := newFixture(t, fanout.Options{})
	err := f.manager.Fanout(context.Background(), fanout.Job{Class: "nope", Operation: fanout.OperationAdd})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestBatchImport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fanout.Options{})
	require.NoError(t, f.graph.Follow(ctx, 2, 1, models.PriorityLow))

	var backlog []models.Activity
	for i := 0; i < 7; i++ {
		backlog = append(backlog, newActivity(t, 1, models.Add, int64(i+1), day.Add(time.Duration(i)*time.Hour)))
	}
	require.NoError(t, f.manager.BatchImport(ctx, 1, backlog, 3, true))

	assert.Len(t, f.activities(t, "user", 1), 7)
	assert.Len(t, f.activities(t, "timeline", 2), 7)

	foreign := append(backlog, newActivity(t, 3, models.Add, 99, day))
	err := f.manager.BatchImport(ctx, 1, foreign, 3, false)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestUpdateUserActivities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fanout.Options{})
	require.NoError(t, f.graph.Follow(ctx, 2, 1, models.PriorityLow))

	a := newActivity(t, 1, models.Comment, 42, day)
	require.NoError(t, f.manager.AddUserActivity(ctx, 1, a))

	updated := a
	updated.ExtraContext = map[string]any{"text": "edited"}
	require.NoError(t, f.manager.UpdateUserActivities(ctx, []models.Activity{updated}))

	got := f.activities(t, "timeline", 2)
	require.Len(t, got, 1)
	assert.Equal(t, "edited", got[0].ExtraContext["text"])
}

func TestNewManagerValidates(t *testing.T) {
	_, err := fanout.NewManager(fanout.Options{})
	assert.ErrorIs(t, err, models.ErrValidation)

	class := feeds.SimpleClass("timeline", memory.NewTimelineStore(), nil, nil, feeds.Options{})
	_, err = fanout.NewManager(fanout.Options{
		UserFeed:  class,
		Classes:   []feeds.Class{class, class},
		Directory: fanout.StaticDirectory{},
	})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestGraphDirectory(t *testing.T) {
	ctx := context.Background()
	graph := memory.NewFollowGraph()
	require.NoError(t, graph.Follow(ctx, 2, 1, models.PriorityHigh))
	require.NoError(t, graph.Follow(ctx, 3, 1, models.PriorityLow))
	require.NoError(t, graph.Follow(ctx, 4, 1, models.PriorityLow))

	var directory fanout.FollowerDirectory = fanout.GraphDirectory{Graph: graph}
	got, err := directory.FollowerIDs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, map[models.Priority][]int64{
		models.PriorityHigh: {2},
		models.PriorityLow:  {3, 4},
	}, got)
}

var _ storage.FollowGraph = (*memory.FollowGraph)(nil)
