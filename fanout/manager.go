// Package fanout distributes a user's activities to the feeds of everyone
// following them.
package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"streamfeed/feeds"
	"streamfeed/models"
	"streamfeed/storage"
	"streamfeed/tasks"
)

const (
	DefaultFanoutChunkSize     = 100
	DefaultFollowActivityLimit = 5000
	DefaultImportChunkSize     = 500
)

var (
	jobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamfeed_fanout_jobs_dispatched_total",
		Help: "Fan-out jobs handed to the dispatcher",
	}, []string{"class", "operation", "priority"})

	feedsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamfeed_fanout_feeds_written_total",
		Help: "Follower feeds written by fan-out jobs",
	}, []string{"class", "operation"})

	followsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamfeed_fanout_follow_changes_total",
		Help: "Follow and unfollow copies applied to a follower's feeds",
	}, []string{"operation"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamfeed_fanout_job_duration_seconds",
		Help:    "Duration of a fan-out job",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // Start at 1ms, double each bucket, 14 buckets
	}, []string{"class", "operation"})
)

// Options wires a Manager. UserFeed holds each user's own activities,
// Classes are the feeds fanned out to.
type Options struct {
	UserFeed   feeds.Class
	Classes    []feeds.Class
	Activities feeds.Activities
	Directory  FollowerDirectory
	// Graph records follow edges when set.
	Graph storage.FollowGraph
	// Submitter runs jobs. Defaults to running them inline.
	Submitter tasks.Submitter
	// Dispatcher overrides Submitter.
	Dispatcher Dispatcher

	FanoutChunkSize     int
	FollowActivityLimit int
}

// Manager coordinates writes to user feeds and their followers' feeds.
type Manager struct {
	userFeed   feeds.Class
	classes    []feeds.Class
	activities feeds.Activities
	directory  FollowerDirectory
	graph      storage.FollowGraph
	dispatcher Dispatcher

	chunkSize   int
	followLimit int
}

var _ Handler = (*Manager)(nil)

func NewManager(opts Options) (*Manager, error) {
	if opts.UserFeed.New == nil {
		return nil, fmt.Errorf("%w: a user feed class is required", models.ErrValidation)
	}
	if opts.Directory == nil {
		if opts.Graph == nil {
			return nil, fmt.Errorf("%w: a follower directory or follow graph is required", models.ErrValidation)
		}
		opts.Directory = GraphDirectory{Graph: opts.Graph}
	}
	names := map[string]bool{}
	for _, class := range opts.Classes {
		if class.Name == "" || class.New == nil || class.Timeline == nil {
			return nil, fmt.Errorf("%w: incomplete feed class %q", models.ErrValidation, class.Name)
		}
		if names[class.Name] {
			return nil, fmt.Errorf("%w: duplicate feed class %q", models.ErrValidation, class.Name)
		}
		names[class.Name] = true
	}

	m := &Manager{
		userFeed:    opts.UserFeed,
		classes:     opts.Classes,
		activities:  opts.Activities,
		directory:   opts.Directory,
		graph:       opts.Graph,
		dispatcher:  opts.Dispatcher,
		chunkSize:   opts.FanoutChunkSize,
		followLimit: opts.FollowActivityLimit,
	}
	if m.chunkSize <= 0 {
		m.chunkSize = DefaultFanoutChunkSize
	}
	if m.followLimit <= 0 {
		m.followLimit = DefaultFollowActivityLimit
	}
	if m.dispatcher == nil {
		submitter := opts.Submitter
		if submitter == nil {
			submitter = tasks.Inline{}
		}
		m.dispatcher = &TaskDispatcher{Submitter: submitter, Handler: m}
	}
	return m, nil
}

// Classes returns the feed classes fanned out to.
func (m *Manager) Classes() []feeds.Class {
	return m.classes
}

// UserClass returns the class of the users' own feeds.
func (m *Manager) UserClass() feeds.Class {
	return m.userFeed
}

// Class looks up a feed class by name. The user feed class is included.
func (m *Manager) Class(name string) (feeds.Class, bool) {
	if name == m.userFeed.Name {
		return m.userFeed, true
	}
	return lo.Find(m.classes, func(c feeds.Class) bool { return c.Name == name })
}

// UserFeed returns the feed holding the activities of userID.
func (m *Manager) UserFeed(userID int64) feeds.Feed {
	return m.userFeed.For(userID)
}

// Feeds returns every fanned out feed of userID keyed by class name.
func (m *Manager) Feeds(userID int64) map[string]feeds.Feed {
	out := make(map[string]feeds.Feed, len(m.classes))
	for _, class := range m.classes {
		out[class.Name] = class.For(userID)
	}
	return out
}

// AddUserActivity stores the activity, adds it to the user's own feed and
// fans it out to every follower.
func (m *Manager) AddUserActivity(ctx context.Context, userID int64, activity models.Activity) error {
	if err := m.activities.Insert(ctx, []models.Activity{activity}); err != nil {
		return fmt.Errorf("failed to store activity: %w", err)
	}
	if err := m.UserFeed(userID).AddActivities(ctx, []models.Activity{activity}); err != nil {
		return err
	}

	followers, err := m.directory.FollowerIDs(ctx, userID)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"user":      userID,
		"activity":  activity.SerializationID().String(),
		"followers": countFollowers(followers),
	}).Debug("Fanning out activity")
	return m.fanoutAll(ctx, followers, OperationAdd, []models.Activity{activity}, true)
}

// RemoveUserActivity removes the activity from the user's feed and from
// every follower's feed. Feeds are not trimmed.
func (m *Manager) RemoveUserActivity(ctx context.Context, userID int64, activity models.Activity) error {
	if err := m.UserFeed(userID).RemoveActivities(ctx, []models.Activity{activity}); err != nil {
		return err
	}
	followers, err := m.directory.FollowerIDs(ctx, userID)
	if err != nil {
		return err
	}
	return m.fanoutAll(ctx, followers, OperationRemove, []models.Activity{activity}, false)
}

// UpdateUserActivities rewrites stored activities. Feeds holding references
// show the new version on their next read.
func (m *Manager) UpdateUserActivities(ctx context.Context, activities []models.Activity) error {
	return m.activities.Update(ctx, activities)
}

// FollowUser copies up to FollowActivityLimit of the target's activities into
// every feed of userID.
func (m *Manager) FollowUser(ctx context.Context, userID, targetID int64, priority models.Priority) error {
	return m.FollowManyUsers(ctx, userID, []int64{targetID}, priority)
}

// FollowManyUsers copies the recent activities of every target into the feeds
// of userID. The copy runs on the caller's goroutine so a later unfollow
// always sees it.
func (m *Manager) FollowManyUsers(ctx context.Context, userID int64, targetIDs []int64, priority models.Priority) error {
	targetIDs = lo.Uniq(targetIDs)
	if m.graph != nil {
		for _, target := range targetIDs {
			if err := m.graph.Follow(ctx, userID, target, priority); err != nil {
				return err
			}
		}
	}

	activities, err := m.recentActivities(ctx, targetIDs)
	if err != nil {
		return err
	}
	if len(activities) == 0 {
		return nil
	}

	var result *multierror.Error
	for _, class := range m.classes {
		if err := class.For(userID).AddActivities(ctx, activities); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to copy into %s of %d: %w", class.Name, userID, err))
		}
	}
	followsTotal.WithLabelValues(string(OperationAdd)).Inc()
	return result.ErrorOrNil()
}

// UnfollowUser removes every activity of the target from the feeds of userID.
func (m *Manager) UnfollowUser(ctx context.Context, userID, targetID int64) error {
	return m.UnfollowManyUsers(ctx, userID, []int64{targetID})
}

// UnfollowManyUsers scans each feed of userID up to its max length and
// removes the entries acted by any of targetIDs. Feeds are not trimmed.
func (m *Manager) UnfollowManyUsers(ctx context.Context, userID int64, targetIDs []int64) error {
	targetIDs = lo.Uniq(targetIDs)
	if m.graph != nil {
		if err := m.graph.Unfollow(ctx, userID, targetIDs...); err != nil {
			return err
		}
	}

	var result *multierror.Error
	for _, class := range m.classes {
		feed := class.For(userID)
		held, err := feed.ActivitySlice(ctx, 0, feed.MaxLength())
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to read %s of %d: %w", class.Name, userID, err))
			continue
		}
		stale := lo.Filter(held, func(a models.Activity, _ int) bool {
			return lo.Contains(targetIDs, a.ActorID)
		})
		if len(stale) == 0 {
			continue
		}
		if err := feed.RemoveActivities(ctx, stale, feeds.WithoutTrim()); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to remove from %s of %d: %w", class.Name, userID, err))
		}
	}
	followsTotal.WithLabelValues(string(OperationRemove)).Inc()
	return result.ErrorOrNil()
}

func (m *Manager) recentActivities(ctx context.Context, userIDs []int64) ([]models.Activity, error) {
	var out []models.Activity
	for _, id := range userIDs {
		activities, err := m.UserFeed(id).ActivitySlice(ctx, 0, m.followLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to read feed of %d: %w", id, err)
		}
		out = append(out, activities...)
	}
	return out, nil
}

// BatchImport loads a backlog of activities of one user. Every activity must
// belong to userID. The user's own feed is trimmed once at the end.
func (m *Manager) BatchImport(ctx context.Context, userID int64, activities []models.Activity, chunkSize int, fanout bool) error {
	if len(activities) == 0 {
		return nil
	}
	for _, a := range activities {
		if a.ActorID != userID {
			return fmt.Errorf("%w: activity %s belongs to %d, not %d", models.ErrValidation, a.SerializationID(), a.ActorID, userID)
		}
	}
	if chunkSize <= 0 {
		chunkSize = DefaultImportChunkSize
	}

	var followers map[models.Priority][]int64
	if fanout {
		var err error
		if followers, err = m.directory.FollowerIDs(ctx, userID); err != nil {
			return err
		}
	}

	if err := m.activities.Insert(ctx, activities); err != nil {
		return fmt.Errorf("failed to store activities: %w", err)
	}

	userFeed := m.UserFeed(userID)
	chunks := lo.Chunk(activities, chunkSize)
	for i, chunk := range chunks {
		log.WithFields(log.Fields{
			"user":  userID,
			"chunk": i + 1,
			"of":    len(chunks),
			"size":  len(chunk),
		}).Info("Importing activities")

		if err := userFeed.AddActivities(ctx, chunk, feeds.WithoutTrim()); err != nil {
			return err
		}
		if fanout {
			if err := m.fanoutAll(ctx, followers, OperationAdd, chunk, false); err != nil {
				return err
			}
		}
	}
	return userFeed.Trim(ctx, 0)
}

// fanoutAll dispatches jobs for every class and priority.
func (m *Manager) fanoutAll(ctx context.Context, followers map[models.Priority][]int64, op Operation, activities []models.Activity, trim bool) error {
	var result *multierror.Error
	for _, priority := range []models.Priority{models.PriorityHigh, models.PriorityLow} {
		ids := followers[priority]
		if len(ids) == 0 {
			continue
		}
		if err := m.dispatchClasses(ctx, ids, priority, op, activities, trim); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// dispatchClasses splits userIDs into chunks and dispatches one job per
// chunk and class.
func (m *Manager) dispatchClasses(ctx context.Context, userIDs []int64, priority models.Priority, op Operation, activities []models.Activity, trim bool) error {
	var result *multierror.Error
	for _, class := range m.classes {
		for _, chunk := range lo.Chunk(lo.Uniq(userIDs), m.chunkSize) {
			job := Job{
				ID:         uuid.New(),
				Class:      class.Name,
				Priority:   priority,
				Operation:  op,
				UserIDs:    chunk,
				Activities: activities,
				Trim:       trim,
			}
			if err := m.dispatcher.Dispatch(ctx, job); err != nil {
				result = multierror.Append(result, fmt.Errorf("failed to dispatch %s: %w", job, err))
				continue
			}
			jobsDispatched.WithLabelValues(class.Name, string(op), string(priority)).Inc()
		}
	}
	return result.ErrorOrNil()
}

// Fanout executes one job. Writes to every feed of the chunk share one
// timeline batch.
func (m *Manager) Fanout(ctx context.Context, job Job) error {
	class, ok := m.Class(job.Class)
	if !ok {
		return tasks.Permanent(fmt.Errorf("%w: unknown feed class %q", models.ErrValidation, job.Class))
	}

	start := time.Now()
	defer func() {
		jobDuration.WithLabelValues(class.Name, string(job.Operation)).Observe(time.Since(start).Seconds())
	}()

	opts := []feeds.WriteOption{}
	if !job.Trim {
		opts = append(opts, feeds.WithoutTrim())
	}

	err := storage.WithBatch(ctx, class.Timeline, func(batch *storage.Batch) error {
		opts := append(opts, feeds.WithBatch(batch))
		for _, userID := range job.UserIDs {
			feed := class.For(userID)
			var err error
			switch job.Operation {
			case OperationAdd:
				err = feed.AddActivities(ctx, job.Activities, opts...)
			case OperationRemove:
				err = feed.RemoveActivities(ctx, job.Activities, opts...)
			default:
				return tasks.Permanent(fmt.Errorf("%w: unknown operation %q", models.ErrValidation, job.Operation))
			}
			if err != nil {
				return fmt.Errorf("failed to %s for %s: %w", job.Operation, feed.Key(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	feedsWritten.WithLabelValues(class.Name, string(job.Operation)).Add(float64(len(job.UserIDs)))
	log.WithFields(log.Fields{
		"job":        job.ID.String(),
		"class":      class.Name,
		"operation":  job.Operation,
		"users":      len(job.UserIDs),
		"activities": len(job.Activities),
	}).Debug("Fan-out job done")
	return nil
}

func countFollowers(followers map[models.Priority][]int64) int {
	n := 0
	for _, ids := range followers {
		n += len(ids)
	}
	return n
}
