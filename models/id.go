package models

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const (
	// tailDigits is the width of the object id (10) plus verb id (3) part.
	tailDigits = 13
	// keyDigits is the width of a fixed-width storage key.
	keyDigits = 2 * tailDigits
)

// SerializationID is the decimal concatenation of a millisecond timestamp,
// a ten digit object id and a three digit verb id. The number does not fit an
// int64, so the timestamp and the trailing thirteen digits are held apart.
// Ordering by (Millis, Tail) equals ordering by the full decimal value.
type SerializationID struct {
	Millis int64
	Tail   int64
}

// NewSerializationID builds an id from its parts.
func NewSerializationID(millis, objectID int64, verbID int) SerializationID {
	return SerializationID{Millis: millis, Tail: objectID*1000 + int64(verbID)}
}

// IsZero reports whether the id is unset.
func (id SerializationID) IsZero() bool {
	return id.Millis == 0 && id.Tail == 0
}

// ObjectID returns the object id encoded in the id.
func (id SerializationID) ObjectID() int64 {
	return id.Tail / 1000
}

// VerbID returns the verb id encoded in the id.
func (id SerializationID) VerbID() int {
	return int(id.Tail % 1000)
}

// String returns the canonical decimal representation.
func (id SerializationID) String() string {
	if id.Millis == 0 {
		return strconv.FormatInt(id.Tail, 10)
	}
	return fmt.Sprintf("%d%013d", id.Millis, id.Tail)
}

// Key returns a fixed-width representation whose lexical order matches the
// numeric order. SQL storage keys rows by it.
func (id SerializationID) Key() string {
	return fmt.Sprintf("%013d%013d", id.Millis, id.Tail)
}

// Compare returns -1, 0 or +1.
func (id SerializationID) Compare(other SerializationID) int {
	switch {
	case id.Millis < other.Millis:
		return -1
	case id.Millis > other.Millis:
		return 1
	case id.Tail < other.Tail:
		return -1
	case id.Tail > other.Tail:
		return 1
	}
	return 0
}

// Less reports whether id sorts before other.
func (id SerializationID) Less(other SerializationID) bool {
	return id.Compare(other) < 0
}

func (id SerializationID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *SerializationID) UnmarshalText(b []byte) error {
	parsed, err := ParseSerializationID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseSerializationID parses both the canonical and the fixed-width form.
func ParseSerializationID(s string) (SerializationID, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > keyDigits {
		return SerializationID{}, fmt.Errorf("%w: invalid serialization id %q", ErrSerialization, s)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return SerializationID{}, fmt.Errorf("%w: invalid serialization id %q", ErrSerialization, s)
		}
	}

	var millis, tail int64
	var err error
	if len(s) <= tailDigits {
		tail, err = strconv.ParseInt(s, 10, 64)
	} else {
		split := len(s) - tailDigits
		if millis, err = strconv.ParseInt(s[:split], 10, 64); err == nil {
			tail, err = strconv.ParseInt(s[split:], 10, 64)
		}
	}
	if err != nil {
		return SerializationID{}, fmt.Errorf("%w: invalid serialization id %q: %v", ErrSerialization, s, err)
	}
	return SerializationID{Millis: millis, Tail: tail}, nil
}

// SortDescending orders ids newest first in place.
func SortDescending(ids []SerializationID) {
	slices.SortFunc(ids, func(a, b SerializationID) int { return b.Compare(a) })
}
