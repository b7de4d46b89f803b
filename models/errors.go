package models

import "errors"

var (
	// ErrSerialization marks a malformed or corrupt wire payload.
	ErrSerialization = errors.New("serialization error")

	// ErrDuplicateActivity is returned when appending an activity that an
	// aggregate already holds.
	ErrDuplicateActivity = errors.New("duplicate activity")

	// ErrActivityNotFound is returned when removing or resolving an activity
	// that is not present.
	ErrActivityNotFound = errors.New("activity not found")

	// ErrEmptyAggregate is returned when a remove would leave an aggregate
	// without activities. Delete the aggregate instead.
	ErrEmptyAggregate = errors.New("aggregate would be empty")

	// ErrValidation marks bad configuration or out-of-range ids.
	ErrValidation = errors.New("validation error")
)
