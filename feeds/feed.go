// Package feeds provides the plain, aggregated and notification feeds. A
// feed is a view over one timeline key plus an optional activity store.
package feeds

import (
	"context"
	"fmt"
	"math/rand/v2"

	log "github.com/sirupsen/logrus"

	"streamfeed/models"
	"streamfeed/storage"
)

const (
	DefaultMaxLength      = 100
	DefaultTrimChance     = 0.01
	DefaultMergeMaxLength = 20
)

// Options configures a feed class.
type Options struct {
	// KeyFormat turns the owner id into the timeline key, e.g. "feed:%d".
	KeyFormat string
	MaxLength int
	// TrimChance is the probability that a write trims the feed.
	TrimChance float64
	// MergeMaxLength is the number of recent aggregates merged against.
	MergeMaxLength int
	// MaxAggregated caps the activities kept per aggregate.
	MaxAggregated int
	// Rand returns a number in [0, 1). Defaults to math/rand.
	Rand func() float64
}

func (o Options) withDefaults() Options {
	if o.KeyFormat == "" {
		o.KeyFormat = "feed:%d"
	}
	if o.MaxLength <= 0 {
		o.MaxLength = DefaultMaxLength
	}
	if o.TrimChance < 0 {
		o.TrimChance = 0
	}
	if o.MergeMaxLength <= 0 {
		o.MergeMaxLength = DefaultMergeMaxLength
	}
	if o.MaxAggregated <= 0 {
		o.MaxAggregated = models.DefaultMaxAggregatedActivities
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	return o
}

// Validate reports configuration errors.
func (o Options) Validate() error {
	if o.TrimChance < 0 || o.TrimChance > 1 {
		return fmt.Errorf("%w: trim chance %v outside [0, 1]", models.ErrValidation, o.TrimChance)
	}
	if o.MaxLength < 0 || o.MergeMaxLength < 0 {
		return fmt.Errorf("%w: negative feed length", models.ErrValidation)
	}
	return nil
}

// Feed is what the fan-out manager needs from every feed kind.
type Feed interface {
	Key() string
	OwnerID() int64
	MaxLength() int
	AddActivities(ctx context.Context, activities []models.Activity, opts ...WriteOption) error
	RemoveActivities(ctx context.Context, activities []models.Activity, opts ...WriteOption) error
	// ActivitySlice flattens entries [start, stop) into activities.
	ActivitySlice(ctx context.Context, start, stop int) ([]models.Activity, error)
	Trim(ctx context.Context, length int) error
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context) error
}

// Class builds the feed of one kind for any owner. Every feed of a class
// shares Timeline, so one batch can cover many owners.
type Class struct {
	Name     string
	Kind     string
	Timeline storage.TimelineStore
	New      func(ownerID int64) Feed
}

// For returns the owner's feed of this class.
func (c Class) For(ownerID int64) Feed {
	return c.New(ownerID)
}

type writeConfig struct {
	trim  bool
	batch *storage.Batch
}

// WriteOption tweaks a single add or remove.
type WriteOption func(*writeConfig)

// WithoutTrim skips the probabilistic trim.
func WithoutTrim() WriteOption {
	return func(c *writeConfig) { c.trim = false }
}

// WithBatch stages the timeline writes in b instead of writing directly.
// The caller applies the batch.
func WithBatch(b *storage.Batch) WriteOption {
	return func(c *writeConfig) { c.batch = b }
}

func newWriteConfig(opts []WriteOption) writeConfig {
	c := writeConfig{trim: true}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// base holds what every feed kind shares.
type base struct {
	kind     string
	key      string
	owner    int64
	timeline storage.TimelineStore
	opts     Options
}

func newBase(kind string, ownerID int64, timeline storage.TimelineStore, opts Options) base {
	opts = opts.withDefaults()
	return base{
		kind:     kind,
		key:      fmt.Sprintf(opts.KeyFormat, ownerID),
		owner:    ownerID,
		timeline: timeline,
		opts:     opts,
	}
}

func (b *base) Key() string     { return b.key }
func (b *base) OwnerID() int64  { return b.owner }
func (b *base) MaxLength() int  { return b.opts.MaxLength }
func (b *base) Options() Options { return b.opts }

func (b *base) Count(ctx context.Context) (int, error) {
	return b.timeline.Count(ctx, b.key)
}

func (b *base) Delete(ctx context.Context) error {
	return b.timeline.Delete(ctx, b.key)
}

// Trim keeps the length newest entries. A length of zero or less trims to
// MaxLength.
func (b *base) Trim(ctx context.Context, length int) error {
	if length <= 0 {
		length = b.opts.MaxLength
	}
	feedTrims.WithLabelValues(b.kind).Inc()
	return b.timeline.Trim(ctx, b.key, length)
}

// IndexOf returns the position of id, newest first.
func (b *base) IndexOf(ctx context.Context, id models.SerializationID) (int, error) {
	return b.timeline.IndexOf(ctx, b.key, id)
}

// write removes then adds, either into the caller's batch or as one batch of
// its own, and trims with TrimChance.
func (b *base) write(ctx context.Context, cfg writeConfig, remove []models.SerializationID, add []storage.Record) error {
	stage := func(batch *storage.Batch) {
		batch.RemoveMany(b.key, remove)
		batch.AddMany(b.key, add)
		if cfg.trim && len(add) > 0 && b.opts.Rand() < b.opts.TrimChance {
			feedTrims.WithLabelValues(b.kind).Inc()
			batch.Trim(b.key, b.opts.MaxLength)
		}
	}

	if cfg.batch != nil {
		stage(cfg.batch)
		return nil
	}
	return storage.WithBatch(ctx, b.timeline, func(batch *storage.Batch) error {
		stage(batch)
		return nil
	})
}

func (b *base) query(q storage.Query) error {
	caps := b.timeline.Capabilities()
	if !q.Filter.IsZero() && !caps.Filtering {
		return fmt.Errorf("%w: filtering", storage.ErrNotSupported)
	}
	if q.Ascending && !caps.Ordering {
		return fmt.Errorf("%w: ordering", storage.ErrNotSupported)
	}
	return nil
}

// records reads a bounded slice of the timeline.
func (b *base) records(ctx context.Context, start, stop int, q storage.Query) ([]storage.Record, error) {
	if start < 0 || stop < start {
		return nil, fmt.Errorf("%w: invalid slice [%d:%d]", models.ErrValidation, start, stop)
	}
	if err := b.query(q); err != nil {
		return nil, err
	}
	return b.timeline.GetSlice(ctx, b.key, start, stop, q)
}

func (b *base) logCorrupt(id models.SerializationID, err error) {
	corruptEntries.Inc()
	log.WithFields(log.Fields{
		"key": b.key,
		"id":  id.String(),
	}).WithError(err).Warn("Skipping corrupt feed entry")
}

// Page is one page of a cursor paginated read. Cursor is nil on the last
// page.
type Page[T any] struct {
	Items  []T
	Cursor *string
}

// paginate fetches limit+1 entries older than cursor to learn whether there
// is a next page.
func paginate[T any](ctx context.Context, cursor string, limit int, slice func(ctx context.Context, start, stop int, q storage.Query) ([]T, error), idOf func(T) models.SerializationID) (*Page[T], error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: page limit must be positive, got %d", models.ErrValidation, limit)
	}
	var q storage.Query
	if before, ok := safeParseCursor(cursor); ok {
		q.Filter.LT = &before
	}

	items, err := slice(ctx, 0, limit+1, q)
	if err != nil {
		return nil, err
	}

	var nextCursor *string
	// Only set cursor if we have more results
	if len(items) > limit {
		items = items[:limit]
		parsed := idOf(items[len(items)-1]).String()
		nextCursor = &parsed
	}
	return &Page[T]{Items: items, Cursor: nextCursor}, nil
}

// safeParseCursor returns false for an empty or invalid cursor, which starts
// from the newest entry.
func safeParseCursor(cursor string) (models.SerializationID, bool) {
	if cursor == "" {
		return models.SerializationID{}, false
	}
	id, err := models.ParseSerializationID(cursor)
	if err != nil {
		log.WithField("cursor", cursor).Debug("Ignoring invalid cursor")
		return models.SerializationID{}, false
	}
	return id, true
}

// View is a filtered or reordered read of a feed.
type View[T any] struct {
	q     storage.Query
	caps  storage.Capabilities
	slice func(ctx context.Context, start, stop int, q storage.Query) ([]T, error)
}

// Filter narrows the view by serialization id bounds.
func (v View[T]) Filter(f storage.Filter) (View[T], error) {
	if !v.caps.Filtering {
		return v, fmt.Errorf("%w: filtering", storage.ErrNotSupported)
	}
	merge := func(dst **models.SerializationID, src *models.SerializationID) {
		if src != nil {
			*dst = src
		}
	}
	merge(&v.q.Filter.GT, f.GT)
	merge(&v.q.Filter.GTE, f.GTE)
	merge(&v.q.Filter.LT, f.LT)
	merge(&v.q.Filter.LTE, f.LTE)
	return v, nil
}

// OrderBy accepts "id" for oldest first and "-id" for newest first.
func (v View[T]) OrderBy(field string) (View[T], error) {
	if !v.caps.Ordering {
		return v, fmt.Errorf("%w: ordering", storage.ErrNotSupported)
	}
	switch field {
	case "id", "activity_id":
		v.q.Ascending = true
	case "-id", "-activity_id":
		v.q.Ascending = false
	default:
		return v, fmt.Errorf("%w: cannot order by %q", models.ErrValidation, field)
	}
	return v, nil
}

func (v View[T]) Slice(ctx context.Context, start, stop int) ([]T, error) {
	return v.slice(ctx, start, stop, v.q)
}
