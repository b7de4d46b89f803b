package feeds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"streamfeed/aggregator"
	"streamfeed/models"
	"streamfeed/serializer"
	"streamfeed/storage"
)

const (
	KindNotification = "notification"

	countLockTTL = 2 * time.Second
	writeLockTTL = 10 * time.Second
)

// Publisher receives the notification count of an owner whenever it changes.
type Publisher interface {
	Publish(ctx context.Context, count models.NotificationCount) error
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(ctx context.Context, count models.NotificationCount) error

func (f PublisherFunc) Publish(ctx context.Context, count models.NotificationCount) error {
	return f(ctx, count)
}

// NotificationFeed is an aggregated feed that tracks seen and read state and
// keeps a denormalised count of unseen and unread aggregates.
type NotificationFeed struct {
	*AggregatedFeed
	counts    storage.CounterStore
	locker    storage.Locker
	publisher Publisher
	now       func() time.Time
}

var _ Feed = (*NotificationFeed)(nil)

// NotificationDeps are the stores a notification feed needs besides its
// timeline. Publisher may be nil.
type NotificationDeps struct {
	Counts    storage.CounterStore
	Locker    storage.Locker
	Publisher Publisher
}

func NewNotificationFeed(ownerID int64, timeline storage.TimelineStore, activities storage.ActivityStore, family serializer.Family, opts Options, deps NotificationDeps) (*NotificationFeed, error) {
	if deps.Counts == nil || deps.Locker == nil {
		return nil, fmt.Errorf("%w: notification feed needs a counter store and a locker", models.ErrValidation)
	}
	agg, err := newAggregatedFeed(KindNotification, ownerID, timeline, activities, family, &aggregator.Notification{}, opts)
	if err != nil {
		return nil, err
	}
	return &NotificationFeed{
		AggregatedFeed: agg,
		counts:         deps.Counts,
		locker:         deps.Locker,
		publisher:      deps.Publisher,
		now:            time.Now,
	}, nil
}

// NotificationClass returns a feed class building NotificationFeeds.
func NotificationClass(name string, timeline storage.TimelineStore, activities storage.ActivityStore, family serializer.Family, opts Options, deps NotificationDeps) (Class, error) {
	if _, err := NewNotificationFeed(0, timeline, activities, family, opts, deps); err != nil {
		return Class{}, err
	}
	return Class{
		Name:     name,
		Kind:     KindNotification,
		Timeline: timeline,
		New:      func(ownerID int64) Feed {
			feed, _ := NewNotificationFeed(ownerID, timeline, activities, family, opts, deps)
			return feed
		},
	}, nil
}

func (f *NotificationFeed) countKey() string { return f.key + ":count" }
func (f *NotificationFeed) lockKey() string  { return f.key + ":lock" }

// withLock runs fn while holding the owner lock. Every read-merge-commit of
// the timeline and the count refresh that follows it happen under the lock.
func (f *NotificationFeed) withLock(ctx context.Context, ttl time.Duration, fn func() error) error {
	unlock, err := f.locker.Lock(ctx, f.lockKey(), ttl)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", f.key, err)
	}
	defer unlock()
	return fn()
}

// AddMany merges activities and refreshes the count. A shared batch is
// ignored so the published count never runs ahead of the timeline.
func (f *NotificationFeed) AddMany(ctx context.Context, activities []models.Activity, opts ...WriteOption) ([]*models.AggregatedActivity, error) {
	if len(activities) == 0 {
		return nil, nil
	}
	var added []*models.AggregatedActivity
	err := f.withLock(ctx, writeLockTTL, func() error {
		var err error
		added, err = f.AggregatedFeed.AddMany(ctx, activities, append(opts, WithBatch(nil))...)
		if err != nil || len(added) == 0 {
			return err
		}
		return f.denormalizeLocked(ctx)
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

func (f *NotificationFeed) AddActivities(ctx context.Context, activities []models.Activity, opts ...WriteOption) error {
	_, err := f.AddMany(ctx, activities, opts...)
	return err
}

func (f *NotificationFeed) RemoveMany(ctx context.Context, ids []models.SerializationID, opts ...WriteOption) error {
	if len(ids) == 0 {
		return nil
	}
	return f.withLock(ctx, writeLockTTL, func() error {
		if err := f.AggregatedFeed.RemoveMany(ctx, ids, append(opts, WithBatch(nil))...); err != nil {
			return err
		}
		return f.denormalizeLocked(ctx)
	})
}

func (f *NotificationFeed) RemoveActivities(ctx context.Context, activities []models.Activity, opts ...WriteOption) error {
	return f.RemoveMany(ctx, activityIDs(activities), opts...)
}

// Delete drops the timeline and resets the count.
func (f *NotificationFeed) Delete(ctx context.Context) error {
	return f.withLock(ctx, writeLockTTL, func() error {
		if err := f.AggregatedFeed.Delete(ctx); err != nil {
			return err
		}
		return f.denormalizeLocked(ctx)
	})
}

// CountUnseen counts the unseen aggregates among the MaxLength newest.
func (f *NotificationFeed) CountUnseen(ctx context.Context) (int, error) {
	count, err := f.count(ctx)
	return count.UnseenCount, err
}

// CountUnread counts the unread aggregates among the MaxLength newest.
func (f *NotificationFeed) CountUnread(ctx context.Context) (int, error) {
	count, err := f.count(ctx)
	return count.UnreadCount, err
}

func (f *NotificationFeed) count(ctx context.Context) (models.NotificationCount, error) {
	aggs, err := f.Aggregates(ctx, 0, f.opts.MaxLength)
	if err != nil {
		return models.NotificationCount{OwnerID: f.owner}, err
	}
	return models.CountAggregates(f.owner, aggs), nil
}

// DenormalizedCount returns the stored count, computing it on first use.
func (f *NotificationFeed) DenormalizedCount(ctx context.Context) (models.NotificationCount, error) {
	count, err := f.counts.GetCount(ctx, f.countKey())
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return count, err
	}
	if err := f.DenormalizeCount(ctx); err != nil {
		return count, err
	}
	return f.counts.GetCount(ctx, f.countKey())
}

// DenormalizeCount recomputes the count under the owner lock, stores it and
// publishes it when it changed.
func (f *NotificationFeed) DenormalizeCount(ctx context.Context) error {
	return f.withLock(ctx, countLockTTL, func() error {
		return f.denormalizeLocked(ctx)
	})
}

func (f *NotificationFeed) denormalizeLocked(ctx context.Context) error {
	count, err := f.count(ctx)
	if err != nil {
		return err
	}

	stored, err := f.counts.GetCount(ctx, f.countKey())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err == nil && stored == count {
		return nil
	}

	if err := f.counts.SetCount(ctx, f.countKey(), count); err != nil {
		return fmt.Errorf("failed to store count of %s: %w", f.key, err)
	}
	if f.publisher == nil {
		return nil
	}
	if err := f.publisher.Publish(ctx, count); err != nil {
		log.WithFields(log.Fields{
			"key":   f.key,
			"owner": f.owner,
		}).WithError(err).Warn("Failed to publish notification count")
		return nil
	}
	notificationsPublished.Inc()
	return nil
}

// MarkAll marks every aggregate in the feed as seen and/or read.
func (f *NotificationFeed) MarkAll(ctx context.Context, seen, read bool) error {
	return f.mark(ctx, nil, seen, read)
}

// MarkActivities marks the aggregates stored under ids as seen and/or read.
func (f *NotificationFeed) MarkActivities(ctx context.Context, ids []models.SerializationID, seen, read bool) error {
	if len(ids) == 0 {
		return nil
	}
	return f.mark(ctx, ids, seen, read)
}

func (f *NotificationFeed) mark(ctx context.Context, ids []models.SerializationID, seen, read bool) error {
	if !seen && !read {
		return nil
	}
	return f.withLock(ctx, writeLockTTL, func() error {
		return f.markLocked(ctx, ids, seen, read)
	})
}

func (f *NotificationFeed) markLocked(ctx context.Context, ids []models.SerializationID, seen, read bool) error {
	current, err := f.stored(ctx, 0, f.opts.MaxLength, storage.Query{})
	if err != nil {
		return err
	}

	now := models.NormalizeTime(f.now())
	var diff aggregator.Diff
	for _, s := range current {
		if ids != nil && !lo.Contains(ids, s.id) {
			continue
		}
		changeSeen := seen && !s.agg.IsSeen()
		changeRead := read && !s.agg.IsRead()
		if !changeSeen && !changeRead {
			continue
		}

		// Activities may carry times ahead of the clock.
		at := now
		if s.agg.UpdatedAt.After(at) {
			at = s.agg.UpdatedAt
		}
		updated := s.agg.Clone()
		if changeSeen {
			updated.UpdateSeenAt(at)
		}
		if changeRead {
			updated.UpdateReadAt(at)
		}
		diff.Changed = append(diff.Changed, aggregator.Change{Before: s.agg, After: updated})
	}

	cfg := writeConfig{trim: false}
	if err := f.commit(ctx, cfg, current, diff); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"key":     f.key,
		"changed": len(diff.Changed),
		"seen":    seen,
		"read":    read,
	}).Debug("Marked notifications")
	return f.denormalizeLocked(ctx)
}
