package models

import "fmt"

// Priority buckets followers for fan-out. High priority jobs are served
// before low priority ones.
type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityLow  Priority = "low"
)

// ParsePriority defaults to low.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityLow, "":
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", ErrValidation, s)
	}
}
