package memory

import (
	"context"
	"fmt"
	"sync"

	"streamfeed/models"
	"streamfeed/storage"
)

type CounterStore struct {
	mu     sync.RWMutex
	counts map[string]models.NotificationCount
}

var _ storage.CounterStore = (*CounterStore)(nil)

func NewCounterStore() *CounterStore {
	return &CounterStore{counts: map[string]models.NotificationCount{}}
}

func (s *CounterStore) GetCount(_ context.Context, key string) (models.NotificationCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count, ok := s.counts[key]
	if !ok {
		return models.NotificationCount{}, fmt.Errorf("%w: count %s", storage.ErrNotFound, key)
	}
	return count, nil
}

func (s *CounterStore) SetCount(_ context.Context, key string, count models.NotificationCount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[key] = count
	return nil
}
