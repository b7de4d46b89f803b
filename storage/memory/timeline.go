// Package memory implements every storage contract in process memory. It
// backs tests and single node deployments.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"streamfeed/models"
	"streamfeed/storage"
)

// TimelineStore keeps each feed as a slice sorted newest first.
type TimelineStore struct {
	mu        sync.RWMutex
	timelines map[string][]storage.Record
}

var _ storage.TimelineStore = (*TimelineStore)(nil)

func NewTimelineStore() *TimelineStore {
	return &TimelineStore{timelines: map[string][]storage.Record{}}
}

func (s *TimelineStore) Capabilities() storage.Capabilities {
	return storage.Capabilities{Filtering: true, Ordering: true}
}

// newestFirst orders records by descending id.
func newestFirst(r storage.Record, id models.SerializationID) int {
	return id.Compare(r.ID)
}

func (s *TimelineStore) AddMany(_ context.Context, key string, records []storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMany(key, records)
	return nil
}

func (s *TimelineStore) addMany(key string, records []storage.Record) {
	timeline := s.timelines[key]
	for _, r := range records {
		pos, found := slices.BinarySearchFunc(timeline, r.ID, newestFirst)
		if found {
			continue
		}
		r.Value = slices.Clone(r.Value)
		timeline = slices.Insert(timeline, pos, r)
	}
	s.timelines[key] = timeline
}

func (s *TimelineStore) RemoveMany(_ context.Context, key string, ids []models.SerializationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeMany(key, ids)
	return nil
}

func (s *TimelineStore) removeMany(key string, ids []models.SerializationID) {
	timeline, ok := s.timelines[key]
	if !ok {
		return
	}
	for _, id := range ids {
		if pos, found := slices.BinarySearchFunc(timeline, id, newestFirst); found {
			timeline = slices.Delete(timeline, pos, pos+1)
		}
	}
	if len(timeline) == 0 {
		delete(s.timelines, key)
		return
	}
	s.timelines[key] = timeline
}

func (s *TimelineStore) GetSlice(_ context.Context, key string, start, stop int, q storage.Query) ([]storage.Record, error) {
	if start < 0 || stop < start {
		return nil, fmt.Errorf("%w: invalid slice [%d:%d]", models.ErrValidation, start, stop)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	timeline := s.timelines[key]
	if !q.Filter.IsZero() {
		filtered := make([]storage.Record, 0, len(timeline))
		for _, r := range timeline {
			if q.Filter.Match(r.ID) {
				filtered = append(filtered, r)
			}
		}
		timeline = filtered
	}
	if q.Ascending {
		timeline = slices.Clone(timeline)
		slices.Reverse(timeline)
	}

	if start >= len(timeline) {
		return []storage.Record{}, nil
	}
	stop = min(stop, len(timeline))

	out := make([]storage.Record, stop-start)
	for i, r := range timeline[start:stop] {
		out[i] = storage.Record{ID: r.ID, Value: slices.Clone(r.Value)}
	}
	return out, nil
}

func (s *TimelineStore) Trim(_ context.Context, key string, length int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trim(key, length)
	return nil
}

func (s *TimelineStore) trim(key string, length int) {
	timeline, ok := s.timelines[key]
	if !ok || len(timeline) <= length {
		return
	}
	if length <= 0 {
		delete(s.timelines, key)
		return
	}
	s.timelines[key] = slices.Clip(timeline[:length])
}

func (s *TimelineStore) Count(_ context.Context, key string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.timelines[key]), nil
}

func (s *TimelineStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timelines, key)
	return nil
}

func (s *TimelineStore) IndexOf(_ context.Context, key string, id models.SerializationID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, found := slices.BinarySearchFunc(s.timelines[key], id, newestFirst)
	if !found {
		return 0, fmt.Errorf("%w: %s in %s", storage.ErrNotFound, id, key)
	}
	return pos, nil
}

// Apply holds the write lock for the whole batch, so readers never observe
// half of it.
func (s *TimelineStore) Apply(_ context.Context, b *storage.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range b.Ops() {
		switch op.Kind {
		case storage.OpAdd:
			s.addMany(op.Key, op.Records)
		case storage.OpRemove:
			s.removeMany(op.Key, op.IDs)
		case storage.OpTrim:
			s.trim(op.Key, op.Length)
		default:
			return fmt.Errorf("%w: batch op %s", storage.ErrNotSupported, op.Kind)
		}
	}
	return nil
}

// Keys lists every feed key that holds entries.
func (s *TimelineStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.timelines))
	for key, timeline := range s.timelines {
		if len(timeline) > 0 {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}
