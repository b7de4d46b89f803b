package fanout

import (
	"context"
	"fmt"

	"streamfeed/models"
	"streamfeed/storage"
)

// FollowerDirectory tells the manager who receives a user's activities,
// bucketed by priority.
type FollowerDirectory interface {
	FollowerIDs(ctx context.Context, userID int64) (map[models.Priority][]int64, error)
}

// GraphDirectory reads followers from a FollowGraph.
type GraphDirectory struct {
	Graph storage.FollowGraph
}

var _ FollowerDirectory = GraphDirectory{}

func (d GraphDirectory) FollowerIDs(ctx context.Context, userID int64) (map[models.Priority][]int64, error) {
	follows, err := d.Graph.Followers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load followers of %d: %w", userID, err)
	}
	out := map[models.Priority][]int64{}
	for _, f := range follows {
		priority := f.Priority
		if priority != models.PriorityHigh {
			priority = models.PriorityLow
		}
		out[priority] = append(out[priority], f.UserID)
	}
	return out, nil
}

// StaticDirectory is a fixed follower map, handy for imports and tests.
type StaticDirectory map[int64]map[models.Priority][]int64

func (d StaticDirectory) FollowerIDs(_ context.Context, userID int64) (map[models.Priority][]int64, error) {
	return d[userID], nil
}
