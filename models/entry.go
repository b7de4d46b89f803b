package models

import "fmt"

// Entry is either a full activity or a reference to one held in an activity
// store. Feeds with a global activity store persist references only.
type Entry struct {
	activity *Activity
	id       SerializationID
}

// Full wraps a complete activity.
func Full(a Activity) Entry {
	return Entry{activity: &a, id: a.SerializationID()}
}

// Reference points at an activity by id.
func Reference(id SerializationID) Entry {
	return Entry{id: id}
}

// ID is the serialization id of the activity the entry stands for.
func (e Entry) ID() SerializationID {
	return e.id
}

// IsReference reports whether the entry carries only an id.
func (e Entry) IsReference() bool {
	return e.activity == nil
}

// Activity returns the wrapped activity for a full entry.
func (e Entry) Activity() (Activity, bool) {
	if e.activity == nil {
		return Activity{}, false
	}
	return *e.activity, true
}

// Lookup resolves an activity by id.
type Lookup func(SerializationID) (Activity, bool)

// LookupMap adapts a map to a Lookup.
func LookupMap(m map[SerializationID]Activity) Lookup {
	return func(id SerializationID) (Activity, bool) {
		a, ok := m[id]
		return a, ok
	}
}

// Resolve returns the activity an entry stands for.
func Resolve(e Entry, lookup Lookup) (Activity, error) {
	if a, ok := e.Activity(); ok {
		return a, nil
	}
	if lookup != nil {
		if a, ok := lookup(e.id); ok {
			return a, nil
		}
	}
	return Activity{}, fmt.Errorf("%w: %s", ErrActivityNotFound, e.id)
}
