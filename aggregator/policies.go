package aggregator

import (
	"fmt"
	"sort"

	"streamfeed/models"
)

// Policy decides which aggregate an activity belongs to and how aggregates
// are ordered.
type Policy interface {
	Group(a models.Activity) string
	Rank(aggregates []*models.AggregatedActivity) []*models.AggregatedActivity
}

// RecentVerb groups activities by verb and calendar day (UTC)
type RecentVerb struct{}

func (p *RecentVerb) Group(a models.Activity) string {
	return fmt.Sprintf("%d-%s", a.Verb.ID, a.Time.UTC().Format("2006-01-02"))
}

func (p *RecentVerb) Rank(aggregates []*models.AggregatedActivity) []*models.AggregatedActivity {
	return byUpdatedAt(aggregates)
}

// Notification groups activities by verb, object and calendar day, so "5
// people loved your photo" becomes one entry per photo.
type Notification struct{}

func (p *Notification) Group(a models.Activity) string {
	return fmt.Sprintf("%d-%d-%s", a.Verb.ID, a.ObjectID, a.Time.UTC().Format("2006-01-02"))
}

func (p *Notification) Rank(aggregates []*models.AggregatedActivity) []*models.AggregatedActivity {
	return byUpdatedAt(aggregates)
}

// byUpdatedAt sorts newest first. Ties fall back to the serialization id so
// the order is total.
func byUpdatedAt(aggregates []*models.AggregatedActivity) []*models.AggregatedActivity {
	sort.SliceStable(aggregates, func(i, j int) bool {
		return aggregates[j].SerializationID().Less(aggregates[i].SerializationID())
	})
	return aggregates
}

// ByName returns a policy by its configuration name.
func ByName(name string) (Policy, error) {
	switch name {
	case "recent_verb", "":
		return &RecentVerb{}, nil
	case "notification":
		return &Notification{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown aggregation policy %q", models.ErrValidation, name)
	}
}

var _ Policy = (*RecentVerb)(nil)
var _ Policy = (*Notification)(nil)
