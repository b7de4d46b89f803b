package models

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/samber/lo"
)

// DefaultMaxAggregatedActivities caps the live activity list of an aggregate.
const DefaultMaxAggregatedActivities = 15

// AggregatedActivity is a bounded group of activities sharing a group key.
// Activities are kept oldest first; once the cap is hit the oldest ones are
// dropped and only counted in MinimizedActivities.
//
// A dehydrated aggregate holds ActivityIDs instead of Activities. It must be
// hydrated before it can be mutated.
type AggregatedActivity struct {
	Group               string
	Activities          []Activity
	ActivityIDs         []SerializationID
	Dehydrated          bool
	MinimizedActivities int
	MaxActivities       int
	CreatedAt           time.Time
	UpdatedAt           time.Time
	SeenAt              time.Time
	ReadAt              time.Time
}

func NewAggregatedActivity(group string) *AggregatedActivity {
	return &AggregatedActivity{
		Group:         group,
		MaxActivities: DefaultMaxAggregatedActivities,
	}
}

func (agg *AggregatedActivity) maxActivities() int {
	if agg.MaxActivities <= 0 {
		return DefaultMaxAggregatedActivities
	}
	return agg.MaxActivities
}

// IDs returns the serialization ids of the kept activities, oldest first.
func (agg *AggregatedActivity) IDs() []SerializationID {
	if agg.Dehydrated {
		return slices.Clone(agg.ActivityIDs)
	}
	return lo.Map(agg.Activities, func(a Activity, _ int) SerializationID {
		return a.SerializationID()
	})
}

// SerializationID orders aggregates by their last update, like activities.
// The tail comes from the newest kept activity.
func (agg *AggregatedActivity) SerializationID() SerializationID {
	var tail int64
	if ids := agg.IDs(); len(ids) > 0 {
		tail = ids[len(ids)-1].Tail
	}
	return SerializationID{Millis: agg.UpdatedAt.UnixMilli(), Tail: tail}
}

// Contains reports whether an activity with the given id is kept.
func (agg *AggregatedActivity) Contains(id SerializationID) bool {
	return slices.Contains(agg.IDs(), id)
}

func (agg *AggregatedActivity) requireHydrated() error {
	if agg.Dehydrated {
		return fmt.Errorf("%w: aggregate %q is dehydrated", ErrValidation, agg.Group)
	}
	return nil
}

// Append adds an activity, keeping the list ordered by serialization id.
func (agg *AggregatedActivity) Append(a Activity) error {
	if err := agg.requireHydrated(); err != nil {
		return err
	}
	id := a.SerializationID()
	pos, found := slices.BinarySearchFunc(agg.Activities, id, func(x Activity, target SerializationID) int {
		return x.SerializationID().Compare(target)
	})
	if found {
		return fmt.Errorf("%w: %s in %q", ErrDuplicateActivity, id, agg.Group)
	}
	agg.Activities = slices.Insert(agg.Activities, pos, a)

	if agg.CreatedAt.IsZero() {
		agg.CreatedAt = a.Time
	}
	if a.Time.After(agg.UpdatedAt) {
		agg.UpdatedAt = a.Time
	}

	if len(agg.Activities) > agg.maxActivities() {
		agg.Activities = slices.Delete(agg.Activities, 0, 1)
		agg.MinimizedActivities++
	}
	return nil
}

// AppendMany appends every activity and skips duplicates. It returns the
// number of activities actually added.
func (agg *AggregatedActivity) AppendMany(activities []Activity) (int, error) {
	added := 0
	for _, a := range activities {
		err := agg.Append(a)
		switch {
		case err == nil:
			added++
		case errors.Is(err, ErrDuplicateActivity):
			continue
		default:
			return added, err
		}
	}
	return added, nil
}

// Remove drops the activity with the given id. Removing the last activity is
// refused with ErrEmptyAggregate; delete the aggregate instead.
func (agg *AggregatedActivity) Remove(id SerializationID) error {
	if err := agg.requireHydrated(); err != nil {
		return err
	}
	idx := slices.IndexFunc(agg.Activities, func(a Activity) bool { return a.SerializationID() == id })
	if idx < 0 {
		return fmt.Errorf("%w: %s in %q", ErrActivityNotFound, id, agg.Group)
	}
	if len(agg.Activities) == 1 {
		return fmt.Errorf("%w: %q", ErrEmptyAggregate, agg.Group)
	}

	agg.Activities = slices.Delete(agg.Activities, idx, idx+1)
	agg.UpdatedAt = lo.MaxBy(agg.Activities, func(a, b Activity) bool { return a.Time.After(b.Time) }).Time
	if agg.MinimizedActivities > 0 {
		agg.MinimizedActivities--
	}
	return nil
}

// RemoveMany removes what is present and returns the ids it removed. The last
// activity is never removed.
func (agg *AggregatedActivity) RemoveMany(ids []SerializationID) ([]SerializationID, error) {
	var removed []SerializationID
	for _, id := range ids {
		err := agg.Remove(id)
		switch {
		case err == nil:
			removed = append(removed, id)
		case errors.Is(err, ErrActivityNotFound):
			continue
		default:
			return removed, err
		}
	}
	return removed, nil
}

// ActivityCount includes the minimized activities.
func (agg *AggregatedActivity) ActivityCount() int {
	if agg.Dehydrated {
		return len(agg.ActivityIDs) + agg.MinimizedActivities
	}
	return len(agg.Activities) + agg.MinimizedActivities
}

// ActorIDs returns the distinct actors of the kept activities in order of
// first appearance.
func (agg *AggregatedActivity) ActorIDs() []int64 {
	return lo.Uniq(lo.Map(agg.Activities, func(a Activity, _ int) int64 { return a.ActorID }))
}

// ObjectIDs returns the distinct objects of the kept activities.
func (agg *AggregatedActivity) ObjectIDs() []int64 {
	return lo.Uniq(lo.Map(agg.Activities, func(a Activity, _ int) int64 { return a.ObjectID }))
}

// ActorCount assumes every minimized activity had a distinct actor.
func (agg *AggregatedActivity) ActorCount() int {
	return agg.MinimizedActivities + len(agg.ActorIDs())
}

// OtherActorCount is the number of actors besides the two usually named in a
// rendered notification.
func (agg *AggregatedActivity) OtherActorCount() int {
	return agg.ActorCount() - 2
}

func (agg *AggregatedActivity) Verbs() []Verb {
	return lo.UniqBy(lo.Map(agg.Activities, func(a Activity, _ int) Verb { return a.Verb }), func(v Verb) int {
		return v.ID
	})
}

// Verb returns the verb of the oldest kept activity.
func (agg *AggregatedActivity) Verb() Verb {
	if len(agg.Activities) == 0 {
		return Verb{}
	}
	return agg.Activities[0].Verb
}

// LastActivity returns the newest kept activity.
func (agg *AggregatedActivity) LastActivity() (Activity, bool) {
	if len(agg.Activities) == 0 {
		return Activity{}, false
	}
	return agg.Activities[len(agg.Activities)-1], true
}

// LastActivities returns the kept activities newest first.
func (agg *AggregatedActivity) LastActivities() []Activity {
	return lo.Reverse(slices.Clone(agg.Activities))
}

func (agg *AggregatedActivity) IsSeen() bool {
	return !agg.SeenAt.IsZero() && !agg.SeenAt.Before(agg.UpdatedAt)
}

func (agg *AggregatedActivity) IsRead() bool {
	return !agg.ReadAt.IsZero() && !agg.ReadAt.Before(agg.UpdatedAt)
}

func (agg *AggregatedActivity) UpdateSeenAt(t time.Time) {
	agg.SeenAt = NormalizeTime(t)
}

func (agg *AggregatedActivity) UpdateReadAt(t time.Time) {
	agg.ReadAt = NormalizeTime(t)
}

// Clone returns a deep copy.
func (agg *AggregatedActivity) Clone() *AggregatedActivity {
	clone := *agg
	clone.ActivityIDs = slices.Clone(agg.ActivityIDs)
	clone.Activities = lo.Map(agg.Activities, func(a Activity, _ int) Activity {
		a.ExtraContext = maps.Clone(a.ExtraContext)
		if a.TargetID != nil {
			target := *a.TargetID
			a.TargetID = &target
		}
		return a
	})
	return &clone
}

// Equal compares group, bookkeeping and kept activities.
func (agg *AggregatedActivity) Equal(other *AggregatedActivity) bool {
	if other == nil {
		return false
	}
	if agg.Group != other.Group ||
		agg.MinimizedActivities != other.MinimizedActivities ||
		!agg.CreatedAt.Equal(other.CreatedAt) ||
		!agg.UpdatedAt.Equal(other.UpdatedAt) ||
		!agg.SeenAt.Equal(other.SeenAt) ||
		!agg.ReadAt.Equal(other.ReadAt) {
		return false
	}
	if agg.Dehydrated || other.Dehydrated {
		return slices.Equal(agg.IDs(), other.IDs())
	}
	return slices.EqualFunc(agg.Activities, other.Activities, func(a, b Activity) bool { return a.Equal(b) })
}

// Dehydrate returns a copy holding only activity ids.
func (agg *AggregatedActivity) Dehydrate() *AggregatedActivity {
	clone := agg.Clone()
	clone.ActivityIDs = agg.IDs()
	clone.Activities = nil
	clone.Dehydrated = true
	return clone
}

// Hydrate resolves every id through lookup. Ids that cannot be resolved are
// returned so the caller can report them; they are left out of the copy.
func (agg *AggregatedActivity) Hydrate(lookup Lookup) (*AggregatedActivity, []SerializationID) {
	if !agg.Dehydrated {
		return agg.Clone(), nil
	}
	clone := agg.Clone()
	clone.Activities = make([]Activity, 0, len(agg.ActivityIDs))
	var missing []SerializationID
	for _, id := range agg.ActivityIDs {
		a, err := Resolve(Reference(id), lookup)
		if err != nil {
			missing = append(missing, id)
			continue
		}
		clone.Activities = append(clone.Activities, a)
	}
	clone.ActivityIDs = nil
	clone.Dehydrated = false
	return clone, missing
}

func (agg *AggregatedActivity) String() string {
	return fmt.Sprintf("AggregatedActivity(%s-%s) Actors %d: Objects %v", agg.Group, agg.Verb().PastTense, agg.ActorCount(), agg.ObjectIDs())
}
