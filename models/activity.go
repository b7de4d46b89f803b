package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// maxObjectID is the exclusive upper bound of an object id; the serialization
// id reserves ten decimal digits for it.
const maxObjectID = 10_000_000_000

// Activity is a single "actor verb object (target)" event.
type Activity struct {
	ActorID      int64          `json:"actor_id"`
	Verb         Verb           `json:"verb"`
	ObjectID     int64          `json:"object_id"`
	TargetID     *int64         `json:"target_id,omitempty"`
	Time         time.Time      `json:"time"`
	ExtraContext map[string]any `json:"extra_context,omitempty"`
}

// NewActivity validates the ids and normalises the time to UTC with
// microsecond precision so it survives every serializer unchanged.
func NewActivity(actorID int64, verb Verb, objectID int64, targetID *int64, t time.Time, extra map[string]any) (Activity, error) {
	if objectID < 0 || objectID >= maxObjectID {
		return Activity{}, fmt.Errorf("%w: object id %d does not fit in 10 digits", ErrValidation, objectID)
	}
	if verb.ID < 0 || verb.ID >= maxVerbID {
		return Activity{}, fmt.Errorf("%w: verb id %d does not fit in 3 digits", ErrValidation, verb.ID)
	}
	if t.IsZero() {
		return Activity{}, fmt.Errorf("%w: activity time is required", ErrValidation)
	}
	if t.Before(time.Unix(0, 0)) {
		return Activity{}, fmt.Errorf("%w: activity time %s is before the unix epoch", ErrValidation, t.UTC().Format(time.RFC3339))
	}
	if extra == nil {
		extra = map[string]any{}
	}

	return Activity{
		ActorID:      actorID,
		Verb:         verb,
		ObjectID:     objectID,
		TargetID:     targetID,
		Time:         NormalizeTime(t),
		ExtraContext: extra,
	}, nil
}

// NormalizeTime truncates to microseconds in UTC.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// SerializationID is unique per (time ms, object, verb) and orders
// activities chronologically.
func (a Activity) SerializationID() SerializationID {
	return NewSerializationID(a.Time.UnixMilli(), a.ObjectID, a.Verb.ID)
}

// Target returns the target id and whether one is set.
func (a Activity) Target() (int64, bool) {
	if a.TargetID == nil {
		return 0, false
	}
	return *a.TargetID, true
}

// SameAction reports whether both activities describe the same
// (verb, actor, object, target) tuple regardless of time.
func (a Activity) SameAction(other Activity) bool {
	if a.Verb.ID != other.Verb.ID || a.ActorID != other.ActorID || a.ObjectID != other.ObjectID {
		return false
	}
	at, aok := a.Target()
	bt, bok := other.Target()
	return aok == bok && at == bt
}

// Equal compares every field. Extra context is compared through its JSON
// encoding, so a map that went through a wire format compares equal to the
// original.
func (a Activity) Equal(other Activity) bool {
	if !a.SameAction(other) || !a.Time.Equal(other.Time) {
		return false
	}
	return ContextEqual(a.ExtraContext, other.ExtraContext)
}

// ContextEqual compares two extra context maps. Empty and nil are equal.
func ContextEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	// encoding/json sorts map keys, the output is canonical
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func (a Activity) String() string {
	return fmt.Sprintf("Activity(%s) %d %d", a.Verb.PastTense, a.ActorID, a.ObjectID)
}

// SortActivities orders activities ascending by serialization id in place.
func SortActivities(activities []Activity) {
	slices.SortStableFunc(activities, func(x, y Activity) int {
		return x.SerializationID().Compare(y.SerializationID())
	})
}
