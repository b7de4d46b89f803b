package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"streamfeed/feeds"
	"streamfeed/storage"
)

type keyLister interface {
	Keys(ctx context.Context) ([]string, error)
}

type tidier interface {
	Tidy(ctx context.Context, length int) (int, error)
}

// Tidy trims every stored timeline. A positive length trims all of them to
// that length, otherwise each timeline is trimmed to the max length of the
// class owning its key. It returns the number of timelines visited.
func (a *App) Tidy(ctx context.Context, length int) (int, error) {
	if length > 0 {
		t, ok := a.timeline.(tidier)
		if !ok {
			return 0, fmt.Errorf("%w: timeline store cannot be tidied", storage.ErrNotSupported)
		}
		return t.Tidy(ctx, length)
	}

	lister, ok := a.timeline.(keyLister)
	if !ok {
		return 0, fmt.Errorf("%w: timeline store cannot list keys", storage.ErrNotSupported)
	}
	keys, err := lister.Keys(ctx)
	if err != nil {
		return 0, err
	}

	classes := append([]feeds.Class{a.Manager.UserClass()}, a.Manager.Classes()...)
	visited := 0
	for _, key := range keys {
		class, owner, ok := classForKey(classes, key)
		if !ok {
			log.WithField("key", key).Warn("Skipping timeline without a feed class")
			continue
		}
		feed := class.For(owner)
		if err := feed.Trim(ctx, feed.MaxLength()); err != nil {
			return visited, fmt.Errorf("failed to trim %s: %w", key, err)
		}
		visited++
	}

	log.WithField("feeds", visited).Info("Tidied timelines")
	return visited, nil
}

// classForKey finds the class whose key format produced key
func classForKey(classes []feeds.Class, key string) (feeds.Class, int64, bool) {
	for _, class := range classes {
		feed, ok := class.For(0).(interface{ Options() feeds.Options })
		if !ok {
			continue
		}
		format := feed.Options().KeyFormat
		var owner int64
		if _, err := fmt.Sscanf(key, format, &owner); err != nil {
			continue
		}
		if fmt.Sprintf(format, owner) == key {
			return class, owner, true
		}
	}
	return feeds.Class{}, 0, false
}
