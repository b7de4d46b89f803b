package feeds

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"streamfeed/models"
	"streamfeed/serializer"
	"streamfeed/storage"
)

const KindSimple = "simple"

// SimpleFeed is a plain reverse chronological feed. With an activity store
// it keeps references only and hydrates them on read.
type SimpleFeed struct {
	base
	activities storage.ActivityStore
	serializer serializer.Serializer[models.Activity]
	entries    serializer.EntrySerializer
}

var _ Feed = (*SimpleFeed)(nil)

// NewSimpleFeed builds the feed of ownerID. activities may be nil, in which
// case full activities are written to the timeline.
func NewSimpleFeed(ownerID int64, timeline storage.TimelineStore, activities storage.ActivityStore, ser serializer.Serializer[models.Activity], opts Options) *SimpleFeed {
	if ser == nil {
		ser = serializer.ActivityText{}
	}
	return &SimpleFeed{
		base:       newBase(KindSimple, ownerID, timeline, opts),
		activities: activities,
		serializer: ser,
		entries:    serializer.EntrySerializer{Activity: ser},
	}
}

// SimpleClass returns a feed class building SimpleFeeds.
func SimpleClass(name string, timeline storage.TimelineStore, activities storage.ActivityStore, ser serializer.Serializer[models.Activity], opts Options) Class {
	return Class{
		Name:     name,
		Kind:     KindSimple,
		Timeline: timeline,
		New:      func(ownerID int64) Feed {
			return NewSimpleFeed(ownerID, timeline, activities, ser, opts)
		},
	}
}

func (f *SimpleFeed) Add(ctx context.Context, a models.Activity, opts ...WriteOption) error {
	return f.AddMany(ctx, []models.Activity{a}, opts...)
}

// AddMany writes activities to the timeline. Ids already present are left
// untouched.
func (f *SimpleFeed) AddMany(ctx context.Context, activities []models.Activity, opts ...WriteOption) error {
	if len(activities) == 0 {
		return nil
	}
	records := make([]storage.Record, 0, len(activities))
	for _, a := range activities {
		entry := models.Full(a)
		if f.activities != nil {
			entry = models.Reference(a.SerializationID())
		}
		payload, err := f.entries.Dumps(entry)
		if err != nil {
			return fmt.Errorf("failed to serialize %s: %w", a, err)
		}
		records = append(records, storage.Record{ID: entry.ID(), Value: payload})
	}

	if err := f.write(ctx, newWriteConfig(opts), nil, records); err != nil {
		return fmt.Errorf("failed to add to %s: %w", f.key, err)
	}
	feedWrites.WithLabelValues(f.kind, "add").Add(float64(len(records)))
	return nil
}

func (f *SimpleFeed) AddActivities(ctx context.Context, activities []models.Activity, opts ...WriteOption) error {
	return f.AddMany(ctx, activities, opts...)
}

func (f *SimpleFeed) Remove(ctx context.Context, id models.SerializationID, opts ...WriteOption) error {
	return f.RemoveMany(ctx, []models.SerializationID{id}, opts...)
}

// RemoveMany deletes ids from the timeline. Absent ids are ignored.
func (f *SimpleFeed) RemoveMany(ctx context.Context, ids []models.SerializationID, opts ...WriteOption) error {
	if len(ids) == 0 {
		return nil
	}
	cfg := newWriteConfig(opts)
	cfg.trim = false
	if err := f.write(ctx, cfg, lo.Uniq(ids), nil); err != nil {
		return fmt.Errorf("failed to remove from %s: %w", f.key, err)
	}
	feedWrites.WithLabelValues(f.kind, "remove").Add(float64(len(ids)))
	return nil
}

func (f *SimpleFeed) RemoveActivities(ctx context.Context, activities []models.Activity, opts ...WriteOption) error {
	return f.RemoveMany(ctx, activityIDs(activities), opts...)
}

// InsertActivities stores the activities in the activity store. It is a
// no-op without one.
func (f *SimpleFeed) InsertActivities(ctx context.Context, activities []models.Activity) error {
	return insertActivities(ctx, f.activities, f.serializer, activities)
}

// DeleteActivities removes activities from the activity store.
func (f *SimpleFeed) DeleteActivities(ctx context.Context, activities []models.Activity) error {
	return Activities{Store: f.activities, Serializer: f.serializer}.Delete(ctx, activities)
}

// Slice returns activities [start, stop), newest first.
func (f *SimpleFeed) Slice(ctx context.Context, start, stop int) ([]models.Activity, error) {
	return f.slice(ctx, start, stop, storage.Query{})
}

func (f *SimpleFeed) ActivitySlice(ctx context.Context, start, stop int) ([]models.Activity, error) {
	return f.Slice(ctx, start, stop)
}

func (f *SimpleFeed) view() View[models.Activity] {
	return View[models.Activity]{caps: f.timeline.Capabilities(), slice: f.slice}
}

// Filter returns a view bounded by serialization id.
func (f *SimpleFeed) Filter(filter storage.Filter) (View[models.Activity], error) {
	return f.view().Filter(filter)
}

// OrderBy returns a view ordered by "id" or "-id".
func (f *SimpleFeed) OrderBy(field string) (View[models.Activity], error) {
	return f.view().OrderBy(field)
}

// Page returns up to limit activities older than cursor.
func (f *SimpleFeed) Page(ctx context.Context, cursor string, limit int) (*Page[models.Activity], error) {
	return paginate(ctx, cursor, limit, f.slice, models.Activity.SerializationID)
}

func (f *SimpleFeed) slice(ctx context.Context, start, stop int, q storage.Query) ([]models.Activity, error) {
	began := time.Now()
	defer func() {
		readDuration.WithLabelValues(f.kind).Observe(time.Since(began).Seconds())
	}()

	records, err := f.records(ctx, start, stop, q)
	if err != nil {
		return nil, err
	}

	entries := make([]models.Entry, 0, len(records))
	for _, r := range records {
		entry, err := f.entries.Loads(r.Value)
		if err != nil {
			f.logCorrupt(r.ID, err)
			continue
		}
		entries = append(entries, entry)
	}

	lookup, err := f.lookup(ctx, entries)
	if err != nil {
		return nil, err
	}

	activities := make([]models.Activity, 0, len(entries))
	for _, entry := range entries {
		a, err := models.Resolve(entry, lookup)
		if err != nil {
			hydrationMisses.Inc()
			log.WithFields(log.Fields{
				"key": f.key,
				"id":  entry.ID().String(),
			}).Warn("Activity missing from activity store")
			continue
		}
		activities = append(activities, a)
	}
	return activities, nil
}

// lookup fetches every referenced activity with one GetMany.
func (f *SimpleFeed) lookup(ctx context.Context, entries []models.Entry) (models.Lookup, error) {
	var refs []models.SerializationID
	for _, e := range entries {
		if e.IsReference() {
			refs = append(refs, e.ID())
		}
	}
	return fetchActivities(ctx, f.activities, f.serializer, refs)
}

func activityIDs(activities []models.Activity) []models.SerializationID {
	return lo.Map(activities, func(a models.Activity, _ int) models.SerializationID {
		return a.SerializationID()
	})
}

func insertActivities(ctx context.Context, store storage.ActivityStore, ser serializer.Serializer[models.Activity], activities []models.Activity) error {
	if store == nil || len(activities) == 0 {
		return nil
	}
	records := make([]storage.Record, 0, len(activities))
	for _, a := range activities {
		payload, err := ser.Dumps(a)
		if err != nil {
			return fmt.Errorf("failed to serialize %s: %w", a, err)
		}
		records = append(records, storage.Record{ID: a.SerializationID(), Value: payload})
	}
	return store.AddMany(ctx, records)
}

// fetchActivities loads ids from the store. Payloads that cannot be decoded
// are logged and left out.
func fetchActivities(ctx context.Context, store storage.ActivityStore, ser serializer.Serializer[models.Activity], ids []models.SerializationID) (models.Lookup, error) {
	if store == nil || len(ids) == 0 {
		return nil, nil
	}
	payloads, err := store.GetMany(ctx, lo.Uniq(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to load activities: %w", err)
	}
	found := make(map[models.SerializationID]models.Activity, len(payloads))
	for id, payload := range payloads {
		a, err := ser.Loads(payload)
		if err != nil {
			corruptEntries.Inc()
			log.WithField("id", id.String()).WithError(err).Warn("Skipping corrupt activity")
			continue
		}
		found[id] = a
	}
	return models.LookupMap(found), nil
}
