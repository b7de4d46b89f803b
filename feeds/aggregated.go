package feeds

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"streamfeed/aggregator"
	"streamfeed/models"
	"streamfeed/serializer"
	"streamfeed/storage"
)

const KindAggregated = "aggregated"

// AggregatedFeed keeps aggregated activities. New activities are merged into
// the MergeMaxLength most recent aggregates.
type AggregatedFeed struct {
	base
	aggregator  *aggregator.Aggregator
	activities  storage.ActivityStore
	activitySer serializer.Serializer[models.Activity]
	aggSer      serializer.Serializer[*models.AggregatedActivity]
}

var _ Feed = (*AggregatedFeed)(nil)

// storedAggregate is an aggregate together with the id it is stored under.
// Hydration may drop activities, so the id is not recomputed.
type storedAggregate struct {
	id  models.SerializationID
	agg *models.AggregatedActivity
}

// NewAggregatedFeed builds the aggregated feed of ownerID. With an activity
// store aggregates are written dehydrated and hydrated on read.
func NewAggregatedFeed(ownerID int64, timeline storage.TimelineStore, activities storage.ActivityStore, family serializer.Family, policy aggregator.Policy, opts Options) (*AggregatedFeed, error) {
	return newAggregatedFeed(KindAggregated, ownerID, timeline, activities, family, policy, opts)
}

func newAggregatedFeed(kind string, ownerID int64, timeline storage.TimelineStore, activities storage.ActivityStore, family serializer.Family, policy aggregator.Policy, opts Options) (*AggregatedFeed, error) {
	activitySer, aggSer, err := serializer.ForFamily(family, activities != nil)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		policy = &aggregator.RecentVerb{}
	}
	b := newBase(kind, ownerID, timeline, opts)
	return &AggregatedFeed{
		base:        b,
		aggregator:  aggregator.New(policy, b.opts.MaxAggregated),
		activities:  activities,
		activitySer: activitySer,
		aggSer:      aggSer,
	}, nil
}

// AggregatedClass returns a feed class building AggregatedFeeds. The
// serializer family and policy are checked once here.
func AggregatedClass(name string, timeline storage.TimelineStore, activities storage.ActivityStore, family serializer.Family, policy aggregator.Policy, opts Options) (Class, error) {
	if _, err := NewAggregatedFeed(0, timeline, activities, family, policy, opts); err != nil {
		return Class{}, err
	}
	return Class{
		Name:     name,
		Kind:     KindAggregated,
		Timeline: timeline,
		New:      func(ownerID int64) Feed {
			feed, _ := NewAggregatedFeed(ownerID, timeline, activities, family, policy, opts)
			return feed
		},
	}, nil
}

// AddMany merges activities into the recent aggregates and writes the
// difference as one batch. It returns the new and updated aggregates,
// ranked.
func (f *AggregatedFeed) AddMany(ctx context.Context, activities []models.Activity, opts ...WriteOption) ([]*models.AggregatedActivity, error) {
	if len(activities) == 0 {
		return nil, nil
	}
	current, err := f.stored(ctx, 0, f.opts.MergeMaxLength, storage.Query{})
	if err != nil {
		return nil, err
	}

	diff, err := f.aggregator.Merge(aggregates(current), activities)
	if err != nil {
		return nil, fmt.Errorf("failed to merge into %s: %w", f.key, err)
	}
	if err := f.commit(ctx, newWriteConfig(opts), current, diff); err != nil {
		return nil, err
	}
	feedWrites.WithLabelValues(f.kind, "add").Add(float64(len(activities)))
	return f.aggregator.Rank(diff.Added()), nil
}

func (f *AggregatedFeed) AddActivities(ctx context.Context, activities []models.Activity, opts ...WriteOption) error {
	_, err := f.AddMany(ctx, activities, opts...)
	return err
}

// RemoveMany takes activities out of the aggregates in the feed. Aggregates
// left without activities are deleted. It never trims.
func (f *AggregatedFeed) RemoveMany(ctx context.Context, ids []models.SerializationID, opts ...WriteOption) error {
	if len(ids) == 0 {
		return nil
	}
	current, err := f.stored(ctx, 0, f.opts.MaxLength, storage.Query{})
	if err != nil {
		return err
	}

	diff, err := f.aggregator.Remove(aggregates(current), ids)
	if err != nil {
		return fmt.Errorf("failed to remove from %s: %w", f.key, err)
	}
	cfg := newWriteConfig(opts)
	cfg.trim = false
	if err := f.commit(ctx, cfg, current, diff); err != nil {
		return err
	}
	feedWrites.WithLabelValues(f.kind, "remove").Add(float64(len(ids)))
	return nil
}

func (f *AggregatedFeed) RemoveActivities(ctx context.Context, activities []models.Activity, opts ...WriteOption) error {
	return f.RemoveMany(ctx, activityIDs(activities), opts...)
}

// commit removes every replaced or deleted aggregate and writes every new or
// updated one.
func (f *AggregatedFeed) commit(ctx context.Context, cfg writeConfig, current []storedAggregate, diff aggregator.Diff) error {
	if diff.Empty() {
		return nil
	}
	ids := make(map[*models.AggregatedActivity]models.SerializationID, len(current))
	for _, s := range current {
		ids[s.agg] = s.id
	}

	remove := lo.Map(diff.Removed(), func(agg *models.AggregatedActivity, _ int) models.SerializationID {
		if id, ok := ids[agg]; ok {
			return id
		}
		return agg.SerializationID()
	})
	add, err := f.aggregateRecords(diff.Added())
	if err != nil {
		return err
	}

	if err := f.write(ctx, cfg, remove, add); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.key, err)
	}
	return nil
}

func (f *AggregatedFeed) aggregateRecords(aggs []*models.AggregatedActivity) ([]storage.Record, error) {
	records := make([]storage.Record, 0, len(aggs))
	for _, agg := range aggs {
		payload, err := f.aggSer.Dumps(agg)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize %s: %w", agg, err)
		}
		records = append(records, storage.Record{ID: agg.SerializationID(), Value: payload})
	}
	return records, nil
}

// Contains reports whether the same action as a is already part of one of
// the aggregates in the feed.
func (f *AggregatedFeed) Contains(ctx context.Context, a models.Activity) (bool, error) {
	current, err := f.Aggregates(ctx, 0, f.opts.MaxLength)
	if err != nil {
		return false, err
	}
	for _, agg := range current {
		if lo.ContainsBy(agg.Activities, a.SameAction) {
			return true, nil
		}
	}
	return false, nil
}

// Aggregates returns aggregates [start, stop), most recently updated first.
func (f *AggregatedFeed) Aggregates(ctx context.Context, start, stop int) ([]*models.AggregatedActivity, error) {
	return f.slice(ctx, start, stop, storage.Query{})
}

// ActivitySlice flattens aggregates [start, stop), newest activity first
// within each aggregate.
func (f *AggregatedFeed) ActivitySlice(ctx context.Context, start, stop int) ([]models.Activity, error) {
	aggs, err := f.Aggregates(ctx, start, stop)
	if err != nil {
		return nil, err
	}
	var out []models.Activity
	for _, agg := range aggs {
		out = append(out, agg.LastActivities()...)
	}
	return out, nil
}

func (f *AggregatedFeed) view() View[*models.AggregatedActivity] {
	return View[*models.AggregatedActivity]{caps: f.timeline.Capabilities(), slice: f.slice}
}

func (f *AggregatedFeed) Filter(filter storage.Filter) (View[*models.AggregatedActivity], error) {
	return f.view().Filter(filter)
}

func (f *AggregatedFeed) OrderBy(field string) (View[*models.AggregatedActivity], error) {
	return f.view().OrderBy(field)
}

// Page returns up to limit aggregates stored before cursor.
func (f *AggregatedFeed) Page(ctx context.Context, cursor string, limit int) (*Page[*models.AggregatedActivity], error) {
	page, err := paginate(ctx, cursor, limit, f.stored, func(s storedAggregate) models.SerializationID { return s.id })
	if err != nil {
		return nil, err
	}
	return &Page[*models.AggregatedActivity]{Items: aggregates(page.Items), Cursor: page.Cursor}, nil
}

// InsertActivities stores the activities in the activity store. It is a
// no-op without one.
func (f *AggregatedFeed) InsertActivities(ctx context.Context, activities []models.Activity) error {
	return insertActivities(ctx, f.activities, f.activitySer, activities)
}

func (f *AggregatedFeed) slice(ctx context.Context, start, stop int, q storage.Query) ([]*models.AggregatedActivity, error) {
	stored, err := f.stored(ctx, start, stop, q)
	if err != nil {
		return nil, err
	}
	return aggregates(stored), nil
}

// stored reads and hydrates aggregates. Corrupt payloads and aggregates
// whose activities are all gone are skipped.
func (f *AggregatedFeed) stored(ctx context.Context, start, stop int, q storage.Query) ([]storedAggregate, error) {
	began := time.Now()
	defer func() {
		readDuration.WithLabelValues(f.kind).Observe(time.Since(began).Seconds())
	}()

	records, err := f.records(ctx, start, stop, q)
	if err != nil {
		return nil, err
	}

	loaded := make([]storedAggregate, 0, len(records))
	var refs []models.SerializationID
	for _, r := range records {
		agg, err := f.aggSer.Loads(r.Value)
		if err != nil {
			f.logCorrupt(r.ID, err)
			continue
		}
		agg.MaxActivities = f.opts.MaxAggregated
		if agg.Dehydrated {
			refs = append(refs, agg.ActivityIDs...)
		}
		loaded = append(loaded, storedAggregate{id: r.ID, agg: agg})
	}

	lookup, err := fetchActivities(ctx, f.activities, f.activitySer, refs)
	if err != nil {
		return nil, err
	}

	out := make([]storedAggregate, 0, len(loaded))
	for _, s := range loaded {
		if !s.agg.Dehydrated {
			out = append(out, s)
			continue
		}
		hydrated, missing := s.agg.Hydrate(lookup)
		if len(missing) > 0 {
			hydrationMisses.Add(float64(len(missing)))
			log.WithFields(log.Fields{
				"key":     f.key,
				"group":   s.agg.Group,
				"missing": len(missing),
			}).Warn("Aggregate references missing activities")
		}
		if len(hydrated.Activities) == 0 {
			continue
		}
		out = append(out, storedAggregate{id: s.id, agg: hydrated})
	}
	return out, nil
}

func aggregates(stored []storedAggregate) []*models.AggregatedActivity {
	return lo.Map(stored, func(s storedAggregate, _ int) *models.AggregatedActivity { return s.agg })
}
