package server

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"streamfeed/feeds"
	"streamfeed/models"
)

type sseClient struct {
	owner int64
	ch    chan models.NotificationCount
}

// Broadcaster passes notification counts to the SSE clients of their owner.
type Broadcaster struct {
	sync.RWMutex
	clients map[string]sseClient
}

var _ feeds.Publisher = (*Broadcaster)(nil)

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]sseClient, 1000),
	}
}

// Publish never blocks. Clients with a full channel miss the update.
func (b *Broadcaster) Publish(_ context.Context, count models.NotificationCount) error {
	b.RLock()
	defer b.RUnlock()

	for key, client := range b.clients {
		if client.owner != count.OwnerID {
			continue
		}
		select {
		case client.ch <- count: // Non-blocking send
		default:
			log.Warnf("Client channel full, skipping count for client: %v", key)
		}
	}
	return nil
}

// Function to add a client to the broadcaster
func (b *Broadcaster) AddClient(key string, owner int64, ch chan models.NotificationCount) {
	b.Lock()
	defer b.Unlock()
	b.clients[key] = sseClient{owner: owner, ch: ch}
	log.WithFields(log.Fields{
		"key":   key,
		"owner": owner,
		"count": len(b.clients),
	}).Info("Adding client to broadcaster")
}

// Function to remove a client from the broadcaster
func (b *Broadcaster) RemoveClient(key string) {
	b.Lock()
	defer b.Unlock()

	if client, ok := b.clients[key]; ok {
		close(client.ch)
		delete(b.clients, key)
	}

	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Removed client from broadcaster")
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) Shutdown() {
	log.Info("Shutting down broadcaster")
	b.Lock()
	defer b.Unlock()
	for key, client := range b.clients {
		close(client.ch)
		delete(b.clients, key)
	}
}
