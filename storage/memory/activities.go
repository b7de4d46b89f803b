package memory

import (
	"context"
	"slices"
	"sync"

	"streamfeed/models"
	"streamfeed/storage"
)

// ActivityStore is a map of serialization id to payload.
type ActivityStore struct {
	mu         sync.RWMutex
	activities map[models.SerializationID][]byte
}

var _ storage.ActivityStore = (*ActivityStore)(nil)

func NewActivityStore() *ActivityStore {
	return &ActivityStore{activities: map[models.SerializationID][]byte{}}
}

func (s *ActivityStore) AddMany(_ context.Context, records []storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if _, ok := s.activities[r.ID]; ok {
			continue
		}
		s.activities[r.ID] = slices.Clone(r.Value)
	}
	return nil
}

func (s *ActivityStore) GetMany(_ context.Context, ids []models.SerializationID) (map[models.SerializationID][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[models.SerializationID][]byte, len(ids))
	for _, id := range ids {
		if v, ok := s.activities[id]; ok {
			out[id] = slices.Clone(v)
		}
	}
	return out, nil
}

func (s *ActivityStore) RemoveMany(_ context.Context, ids []models.SerializationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.activities, id)
	}
	return nil
}

// Flush drops every activity.
func (s *ActivityStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activities = map[models.SerializationID][]byte{}
	return nil
}

// Len returns the number of stored activities.
func (s *ActivityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activities)
}
