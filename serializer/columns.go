package serializer

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"streamfeed/models"
)

// activityRow is the column layout of an activity in wide-column stores.
type activityRow struct {
	ActorID      int64          `msgpack:"actor_id"`
	VerbID       int            `msgpack:"verb_id"`
	ObjectID     int64          `msgpack:"object_id"`
	TargetID     *int64         `msgpack:"target_id"`
	Time         int64          `msgpack:"time"`
	ExtraContext map[string]any `msgpack:"extra_context"`
}

// aggregatedRow is the column layout of an aggregate. Exactly one of
// Activities and ActivityIDs is filled.
type aggregatedRow struct {
	Group       string   `msgpack:"group"`
	Activities  [][]byte `msgpack:"activities,omitempty"`
	ActivityIDs []string `msgpack:"activity_ids,omitempty"`
	Minimized   int      `msgpack:"minimized_activities"`
	CreatedAt   int64    `msgpack:"created_at"`
	UpdatedAt   int64    `msgpack:"updated_at"`
	SeenAt      int64    `msgpack:"seen_at"`
	ReadAt      int64    `msgpack:"read_at"`
}

// ActivityColumns encodes activities as msgpack column maps.
type ActivityColumns struct{}

var _ Serializer[models.Activity] = ActivityColumns{}

func (ActivityColumns) Dumps(a models.Activity) ([]byte, error) {
	row := activityRow{
		ActorID:      a.ActorID,
		VerbID:       a.Verb.ID,
		ObjectID:     a.ObjectID,
		TargetID:     a.TargetID,
		Time:         a.Time.UnixMicro(),
		ExtraContext: a.ExtraContext,
	}
	b, err := msgpack.Marshal(&row)
	if err != nil {
		return nil, malformed("activity", err)
	}
	return b, nil
}

func (ActivityColumns) Loads(data []byte) (models.Activity, error) {
	var row activityRow
	if err := msgpack.Unmarshal(data, &row); err != nil {
		return models.Activity{}, malformed("activity", err)
	}
	verb, err := models.VerbByID(row.VerbID)
	if err != nil {
		return models.Activity{}, err
	}
	return newActivity(row.ActorID, verb, row.ObjectID, row.TargetID, time.UnixMicro(row.Time), row.ExtraContext)
}

// AggregatedColumns encodes aggregates as msgpack column maps.
type AggregatedColumns struct {
	Activity      Serializer[models.Activity]
	Dehydrate     bool
	MaxActivities int
}

var _ Serializer[*models.AggregatedActivity] = (*AggregatedColumns)(nil)

func (s *AggregatedColumns) Dumps(agg *models.AggregatedActivity) ([]byte, error) {
	row := aggregatedRow{
		Group:     agg.Group,
		Minimized: agg.MinimizedActivities,
		CreatedAt: unixMicro(agg.CreatedAt),
		UpdatedAt: unixMicro(agg.UpdatedAt),
		SeenAt:    unixMicro(agg.SeenAt),
		ReadAt:    unixMicro(agg.ReadAt),
	}

	if s.Dehydrate || agg.Dehydrated {
		for _, id := range agg.IDs() {
			row.ActivityIDs = append(row.ActivityIDs, id.String())
		}
	} else {
		for _, a := range agg.Activities {
			payload, err := s.Activity.Dumps(a)
			if err != nil {
				return nil, err
			}
			row.Activities = append(row.Activities, payload)
		}
	}

	b, err := msgpack.Marshal(&row)
	if err != nil {
		return nil, malformed("aggregated activity", err)
	}
	return b, nil
}

func (s *AggregatedColumns) Loads(data []byte) (*models.AggregatedActivity, error) {
	var row aggregatedRow
	if err := msgpack.Unmarshal(data, &row); err != nil {
		return nil, malformed("aggregated activity", err)
	}

	agg := models.NewAggregatedActivity(row.Group)
	if s.MaxActivities > 0 {
		agg.MaxActivities = s.MaxActivities
	}
	agg.MinimizedActivities = row.Minimized
	agg.CreatedAt = fromUnixMicro(row.CreatedAt)
	agg.UpdatedAt = fromUnixMicro(row.UpdatedAt)
	agg.SeenAt = fromUnixMicro(row.SeenAt)
	agg.ReadAt = fromUnixMicro(row.ReadAt)

	if s.Dehydrate {
		agg.Dehydrated = true
		agg.ActivityIDs = make([]models.SerializationID, 0, len(row.ActivityIDs))
		for _, raw := range row.ActivityIDs {
			id, err := models.ParseSerializationID(raw)
			if err != nil {
				return nil, err
			}
			agg.ActivityIDs = append(agg.ActivityIDs, id)
		}
		return agg, nil
	}

	agg.Activities = make([]models.Activity, 0, len(row.Activities))
	for _, payload := range row.Activities {
		a, err := s.Activity.Loads(payload)
		if err != nil {
			return nil, err
		}
		agg.Activities = append(agg.Activities, a)
	}
	return agg, nil
}

func unixMicro(t time.Time) int64 {
	if t.IsZero() {
		return -1
	}
	return t.UnixMicro()
}

func fromUnixMicro(v int64) time.Time {
	if v < 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}
