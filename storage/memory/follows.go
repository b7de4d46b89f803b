package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"streamfeed/models"
	"streamfeed/storage"
)

// FollowGraph keeps follow edges indexed both ways.
type FollowGraph struct {
	mu        sync.RWMutex
	following map[int64]map[int64]storage.Follow
	followers map[int64]map[int64]storage.Follow
	now       func() time.Time
}

var _ storage.FollowGraph = (*FollowGraph)(nil)

func NewFollowGraph() *FollowGraph {
	return &FollowGraph{
		following: map[int64]map[int64]storage.Follow{},
		followers: map[int64]map[int64]storage.Follow{},
		now:       time.Now,
	}
}

func (g *FollowGraph) Follow(_ context.Context, userID, targetID int64, priority models.Priority) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	edge := storage.Follow{UserID: userID, TargetID: targetID, Priority: priority, CreatedAt: g.now().UTC()}
	if existing, ok := g.following[userID][targetID]; ok {
		edge.CreatedAt = existing.CreatedAt
	}

	if g.following[userID] == nil {
		g.following[userID] = map[int64]storage.Follow{}
	}
	if g.followers[targetID] == nil {
		g.followers[targetID] = map[int64]storage.Follow{}
	}
	g.following[userID][targetID] = edge
	g.followers[targetID][userID] = edge
	return nil
}

func (g *FollowGraph) Unfollow(_ context.Context, userID int64, targetIDs ...int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, targetID := range targetIDs {
		delete(g.following[userID], targetID)
		delete(g.followers[targetID], userID)
	}
	return nil
}

func (g *FollowGraph) Followers(_ context.Context, targetID int64) ([]storage.Follow, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedEdges(g.followers[targetID], func(f storage.Follow) int64 { return f.UserID }), nil
}

func (g *FollowGraph) Following(_ context.Context, userID int64) ([]storage.Follow, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedEdges(g.following[userID], func(f storage.Follow) int64 { return f.TargetID }), nil
}

func sortedEdges(edges map[int64]storage.Follow, by func(storage.Follow) int64) []storage.Follow {
	out := make([]storage.Follow, 0, len(edges))
	for _, f := range edges {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return by(out[i]) < by(out[j]) })
	return out
}
