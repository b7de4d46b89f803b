// Package serializer converts activities and aggregates to and from the byte
// payloads kept by activity and timeline stores.
//
// Two families are provided: a compact text format for hash-map style stores
// and a msgpack column format for wide-column style stores. Both can be used
// dehydrated, in which case only serialization ids are written.
package serializer

import (
	"fmt"
	"streamfeed/models"
)

// Serializer converts a value to a payload and back.
type Serializer[T any] interface {
	Dumps(T) ([]byte, error)
	Loads([]byte) (T, error)
}

// Family selects a wire family by name.
type Family string

const (
	Text    Family = "text"
	Msgpack Family = "msgpack"
)

// ForFamily returns the activity and aggregate serializers of a family.
func ForFamily(family Family, dehydrate bool) (Serializer[models.Activity], Serializer[*models.AggregatedActivity], error) {
	switch family {
	case Text, "":
		activity := ActivityText{}
		return activity, &AggregatedText{Activity: activity, Dehydrate: dehydrate}, nil
	case Msgpack:
		activity := ActivityColumns{}
		return activity, &AggregatedColumns{Activity: activity, Dehydrate: dehydrate}, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown serializer family %q", models.ErrValidation, family)
	}
}

func malformed(kind string, err error) error {
	return fmt.Errorf("%w: malformed %s: %v", models.ErrSerialization, kind, err)
}
