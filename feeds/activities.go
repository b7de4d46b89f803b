package feeds

import (
	"context"
	"fmt"

	"streamfeed/models"
	"streamfeed/serializer"
	"streamfeed/storage"
)

// Activities writes to the global activity store that reference storing
// feeds hydrate from. The zero value has no store and does nothing.
type Activities struct {
	Store      storage.ActivityStore
	Serializer serializer.Serializer[models.Activity]
}

func NewActivities(store storage.ActivityStore, ser serializer.Serializer[models.Activity]) Activities {
	if ser == nil {
		ser = serializer.ActivityText{}
	}
	return Activities{Store: store, Serializer: ser}
}

// Insert stores activities. Activities already stored are left untouched.
func (a Activities) Insert(ctx context.Context, activities []models.Activity) error {
	return insertActivities(ctx, a.Store, a.Serializer, activities)
}

func (a Activities) Delete(ctx context.Context, activities []models.Activity) error {
	if a.Store == nil || len(activities) == 0 {
		return nil
	}
	return a.Store.RemoveMany(ctx, activityIDs(activities))
}

// Update overwrites stored activities, e.g. after their extra context
// changed. The serialization id must stay the same.
func (a Activities) Update(ctx context.Context, activities []models.Activity) error {
	if err := a.Delete(ctx, activities); err != nil {
		return fmt.Errorf("failed to replace activities: %w", err)
	}
	return a.Insert(ctx, activities)
}

// Get loads one activity.
func (a Activities) Get(ctx context.Context, id models.SerializationID) (models.Activity, error) {
	lookup, err := fetchActivities(ctx, a.Store, a.Serializer, []models.SerializationID{id})
	if err != nil {
		return models.Activity{}, err
	}
	return models.Resolve(models.Reference(id), lookup)
}
