package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"streamfeed/storage"
)

// Locker hands out per key locks. Each key owns a one slot channel; holding
// the slot is holding the lock.
type Locker struct {
	mu    sync.Mutex
	keys  map[string]*keyLock
	token uint64
}

type keyLock struct {
	slot  chan struct{}
	owner uint64
}

var _ storage.Locker = (*Locker)(nil)

func NewLocker() *Locker {
	return &Locker{keys: map[string]*keyLock{}}
}

// Lock blocks until the lock is free or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	kl, ok := l.keys[key]
	if !ok {
		kl = &keyLock{slot: make(chan struct{}, 1)}
		l.keys[key] = kl
	}
	l.mu.Unlock()

	select {
	case kl.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrLockTimeout, key, ctx.Err())
	}

	l.mu.Lock()
	l.token++
	token := l.token
	kl.owner = token
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if kl.owner != token {
			return
		}
		kl.owner = 0
		<-kl.slot
	}

	if ttl <= 0 {
		return release, nil
	}
	timer := time.AfterFunc(ttl, release)
	return func() {
		timer.Stop()
		release()
	}, nil
}
