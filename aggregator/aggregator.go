// Package aggregator groups activities into aggregated activities and merges
// new activities into an existing window of aggregates.
package aggregator

import (
	"errors"
	"slices"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"streamfeed/models"
)

// Change pairs the stored version of an aggregate with its updated copy.
type Change struct {
	Before *models.AggregatedActivity
	After  *models.AggregatedActivity
}

// Diff is the outcome of a merge or removal.
type Diff struct {
	New     []*models.AggregatedActivity
	Changed []Change
	Deleted []*models.AggregatedActivity
}

// Empty reports whether the diff has nothing to write.
func (d Diff) Empty() bool {
	return len(d.New) == 0 && len(d.Changed) == 0 && len(d.Deleted) == 0
}

// Removed returns what has to be deleted from a timeline: every Before and
// every Deleted aggregate.
func (d Diff) Removed() []*models.AggregatedActivity {
	out := make([]*models.AggregatedActivity, 0, len(d.Changed)+len(d.Deleted))
	for _, c := range d.Changed {
		out = append(out, c.Before)
	}
	return append(out, d.Deleted...)
}

// Added returns what has to be written to a timeline: every New and every
// After aggregate.
func (d Diff) Added() []*models.AggregatedActivity {
	out := make([]*models.AggregatedActivity, 0, len(d.New)+len(d.Changed))
	out = append(out, d.New...)
	for _, c := range d.Changed {
		out = append(out, c.After)
	}
	return out
}

// Aggregator applies a Policy. MaxActivities caps every aggregate it creates.
type Aggregator struct {
	Policy        Policy
	MaxActivities int
}

func New(policy Policy, maxActivities int) *Aggregator {
	if maxActivities <= 0 {
		maxActivities = models.DefaultMaxAggregatedActivities
	}
	return &Aggregator{Policy: policy, MaxActivities: maxActivities}
}

// Aggregate groups activities and ranks the result. Duplicates are ignored.
func (ag *Aggregator) Aggregate(activities []models.Activity) ([]*models.AggregatedActivity, error) {
	sorted := slices.Clone(activities)
	models.SortActivities(sorted)

	byGroup := map[string]*models.AggregatedActivity{}
	var order []string
	for _, a := range sorted {
		group := ag.Policy.Group(a)
		agg, ok := byGroup[group]
		if !ok {
			agg = models.NewAggregatedActivity(group)
			agg.MaxActivities = ag.MaxActivities
			byGroup[group] = agg
			order = append(order, group)
		}
		if err := agg.Append(a); err != nil && !errors.Is(err, models.ErrDuplicateActivity) {
			return nil, err
		}
	}

	out := make([]*models.AggregatedActivity, 0, len(order))
	for _, group := range order {
		out = append(out, byGroup[group])
	}
	return ag.Policy.Rank(out), nil
}

// Merge folds new activities into the current window. Aggregates whose group
// is not in current come back as New; existing ones gain the activities on a
// copy and come back as Changed, but only when at least one activity was not
// already present. Deleted is always empty.
func (ag *Aggregator) Merge(current []*models.AggregatedActivity, activities []models.Activity) (Diff, error) {
	var diff Diff

	fresh, err := ag.Aggregate(activities)
	if err != nil {
		return diff, err
	}

	byGroup := make(map[string]*models.AggregatedActivity, len(current))
	for _, agg := range current {
		byGroup[agg.Group] = agg
	}

	for _, agg := range fresh {
		existing, ok := byGroup[agg.Group]
		if !ok {
			diff.New = append(diff.New, agg)
			continue
		}

		updated := existing.Clone()
		added, err := updated.AppendMany(agg.Activities)
		if err != nil {
			return diff, err
		}
		if added == 0 {
			continue
		}
		diff.Changed = append(diff.Changed, Change{Before: existing, After: updated})
	}

	log.WithFields(log.Fields{
		"activities": len(activities),
		"window":     len(current),
		"new":        len(diff.New),
		"changed":    len(diff.Changed),
	}).Debug("Merged activities")

	return diff, nil
}

// Remove takes activities out of the window. Aggregates losing every kept
// activity are Deleted, the others come back as Changed. Ids found nowhere
// are ignored.
func (ag *Aggregator) Remove(current []*models.AggregatedActivity, ids []models.SerializationID) (Diff, error) {
	var diff Diff
	ids = lo.Uniq(ids)

	for _, agg := range current {
		var hits []models.SerializationID
		for _, id := range ids {
			if agg.Contains(id) {
				hits = append(hits, id)
			}
		}
		if len(hits) == 0 {
			continue
		}

		if len(hits) >= len(agg.IDs()) {
			diff.Deleted = append(diff.Deleted, agg)
			continue
		}

		updated := agg.Clone()
		if _, err := updated.RemoveMany(hits); err != nil {
			return diff, err
		}
		diff.Changed = append(diff.Changed, Change{Before: agg, After: updated})
	}
	return diff, nil
}

// Rank orders aggregates with the policy.
func (ag *Aggregator) Rank(aggregates []*models.AggregatedActivity) []*models.AggregatedActivity {
	return ag.Policy.Rank(aggregates)
}
