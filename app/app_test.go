package app_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamfeed/app"
	"streamfeed/config"
	"streamfeed/feeds"
	"streamfeed/models"
)

var day = time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)

func inlineConfig() *config.TomlConfig {
	cfg := config.Default()
	cfg.Fanout.Workers = 0
	return cfg
}

func newApp(t *testing.T, cfg *config.TomlConfig) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	return a
}

func love(t *testing.T, actor, object int64, at time.Time) models.Activity {
	t.Helper()
	a, err := models.NewActivity(actor, models.Love, object, nil, at, nil)
	require.NoError(t, err)
	return a
}

func TestNewBuildsConfiguredClasses(t *testing.T) {
	a := newApp(t, inlineConfig())

	assert.Equal(t, "notification", a.Notifications)
	assert.Equal(t, "user", a.Manager.UserClass().Name)
	kinds := map[string]string{}
	for _, class := range a.Manager.Classes() {
		kinds[class.Name] = class.Kind
	}
	assert.Equal(t, map[string]string{
		"timeline":     feeds.KindSimple,
		"aggregated":   feeds.KindAggregated,
		"notification": feeds.KindNotification,
	}, kinds)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := inlineConfig()
	cfg.Serializer = "xml"
	_, err := app.New(context.Background(), cfg)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestFanoutReachesEveryClass(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, inlineConfig())

	require.NoError(t, a.Manager.FollowUser(ctx, 2, 1, models.PriorityHigh))
	require.NoError(t, a.Manager.AddUserActivity(ctx, 1, love(t, 1, 42, day)))

	for name, feed := range a.Manager.Feeds(2) {
		count, err := feed.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count, name)
	}

	class, ok := a.Manager.Class(a.Notifications)
	require.True(t, ok)
	count, err := class.For(2).(*feeds.NotificationFeed).DenormalizedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationCount{OwnerID: 2, UnreadCount: 1, UnseenCount: 1}, count)
}

func TestPooledFanout(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Fanout.Workers = 2
	a, err := app.New(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, a.Manager.FollowUser(ctx, 2, 1, models.PriorityLow))
	require.NoError(t, a.Manager.AddUserActivity(ctx, 1, love(t, 1, 42, day)))

	timeline, ok := a.Manager.Class("timeline")
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		count, err := timeline.For(2).Count(ctx)
		return err == nil && count == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
}

func TestTidy(t *testing.T) {
	ctx := context.Background()
	cfg := inlineConfig()
	cfg.UserFeed.MaxLength = 2
	never := 0.0
	cfg.UserFeed.TrimChance = &never
	a := newApp(t, cfg)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Manager.AddUserActivity(ctx, 1, love(t, 1, int64(i+1), day.Add(time.Duration(i)*time.Minute))))
	}
	userFeed := a.Manager.UserFeed(1)
	count, err := userFeed.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	visited, err := a.Tidy(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, visited)
	count, err = userFeed.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	visited, err = a.Tidy(ctx, 1)
	assert.Error(t, err, "the memory store only trims per class")
	assert.Zero(t, visited)
}

func TestSQLBackend(t *testing.T) {
	ctx := context.Background()
	cfg := inlineConfig()
	cfg.Storage.Backend = config.BackendSQL
	cfg.Storage.Path = filepath.Join(t.TempDir(), "feeds.db")
	cfg.Serializer = "msgpack"
	a := newApp(t, cfg)

	require.NoError(t, a.Manager.FollowUser(ctx, 2, 1, models.PriorityHigh))
	activity := love(t, 1, 42, day)
	require.NoError(t, a.Manager.AddUserActivity(ctx, 1, activity))

	timeline, ok := a.Manager.Class("timeline")
	require.True(t, ok)
	got, err := timeline.For(2).ActivitySlice(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(activity))

	visited, err := a.Tidy(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, visited)
}
