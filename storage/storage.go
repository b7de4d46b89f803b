// Package storage defines the contracts feeds and the fan-out manager are
// built on. Concrete backends live in storage/memory and storage/sqlstore.
package storage

import (
	"context"
	"errors"
	"time"

	"streamfeed/models"
)

var (
	// ErrNotFound is returned by lookups of absent ids or keys.
	ErrNotFound = errors.New("not found")
	// ErrNotSupported is returned when a backend lacks a capability.
	ErrNotSupported = errors.New("operation not supported by backend")
	// ErrLockTimeout is returned when a lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock timeout")
)

// Record is a serialized payload stored under a serialization id.
type Record struct {
	ID    models.SerializationID
	Value []byte
}

// ActivityStore is the global id to activity map.
type ActivityStore interface {
	// AddMany stores records. Existing ids are left untouched.
	AddMany(ctx context.Context, records []Record) error
	// GetMany returns the payloads of the ids that exist.
	GetMany(ctx context.Context, ids []models.SerializationID) (map[models.SerializationID][]byte, error)
	RemoveMany(ctx context.Context, ids []models.SerializationID) error
	Flush(ctx context.Context) error
}

// Filter bounds a slice by serialization id. Nil bounds are open.
type Filter struct {
	GT  *models.SerializationID
	GTE *models.SerializationID
	LT  *models.SerializationID
	LTE *models.SerializationID
}

// IsZero reports whether no bound is set.
func (f Filter) IsZero() bool {
	return f.GT == nil && f.GTE == nil && f.LT == nil && f.LTE == nil
}

// Match reports whether id lies within the bounds.
func (f Filter) Match(id models.SerializationID) bool {
	switch {
	case f.GT != nil && id.Compare(*f.GT) <= 0:
		return false
	case f.GTE != nil && id.Compare(*f.GTE) < 0:
		return false
	case f.LT != nil && id.Compare(*f.LT) >= 0:
		return false
	case f.LTE != nil && id.Compare(*f.LTE) > 0:
		return false
	}
	return true
}

// Query refines a slice. The default is newest first with no bounds.
type Query struct {
	Filter    Filter
	Ascending bool
}

// Capabilities declares the optional features of a timeline backend.
type Capabilities struct {
	Filtering bool
	Ordering  bool
}

// TimelineStore keeps one sequence of records per feed key, ordered by
// serialization id, newest first.
type TimelineStore interface {
	// AddMany inserts records. Ids already present are skipped.
	AddMany(ctx context.Context, key string, records []Record) error
	// RemoveMany deletes ids. Absent ids are skipped.
	RemoveMany(ctx context.Context, key string, ids []models.SerializationID) error
	// GetSlice returns records [start, stop) of the ordered sequence.
	GetSlice(ctx context.Context, key string, start, stop int, q Query) ([]Record, error)
	// Trim keeps the length newest records.
	Trim(ctx context.Context, key string, length int) error
	Count(ctx context.Context, key string) (int, error)
	Delete(ctx context.Context, key string) error
	// IndexOf returns the position of id in newest first order, or
	// ErrNotFound.
	IndexOf(ctx context.Context, key string, id models.SerializationID) (int, error)
	// Apply runs every operation of the batch as one atomic unit.
	Apply(ctx context.Context, b *Batch) error
	Capabilities() Capabilities
}

// CounterStore keeps denormalised notification counters.
type CounterStore interface {
	// GetCount returns ErrNotFound when nothing was stored under key.
	GetCount(ctx context.Context, key string) (models.NotificationCount, error)
	SetCount(ctx context.Context, key string, count models.NotificationCount) error
}

// Locker provides short lived exclusive locks. A lock is released by the
// returned function or when ttl expires, whichever comes first.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Follow is an edge of the follow graph.
type Follow struct {
	UserID    int64           `json:"user_id"`
	TargetID  int64           `json:"target_id"`
	Priority  models.Priority `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
}

// FollowGraph stores who follows whom.
type FollowGraph interface {
	// Follow creates or updates an edge.
	Follow(ctx context.Context, userID, targetID int64, priority models.Priority) error
	Unfollow(ctx context.Context, userID int64, targetIDs ...int64) error
	Followers(ctx context.Context, targetID int64) ([]Follow, error)
	Following(ctx context.Context, userID int64) ([]Follow, error)
}
