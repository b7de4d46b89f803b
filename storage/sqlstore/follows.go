package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"streamfeed/models"
	"streamfeed/storage"
)

const followTable = "follows"

// FollowGraph keeps follow edges in the follows table.
type FollowGraph struct {
	*DB
	now func() time.Time
}

var _ storage.FollowGraph = (*FollowGraph)(nil)

func NewFollowGraph(db *DB) *FollowGraph {
	return &FollowGraph{DB: db, now: time.Now}
}

// Follow keeps the original created_at when the edge already exists.
func (g *FollowGraph) Follow(ctx context.Context, userID, targetID int64, priority models.Priority) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	ib := g.flavor.NewInsertBuilder()
	ib.InsertInto(followTable).
		Cols("user_id", "target_id", "priority", "created_at").
		Values(userID, targetID, string(priority), g.now().UnixMicro())
	ib.SQL("ON CONFLICT (user_id, target_id) DO UPDATE SET priority = excluded.priority")

	query, args := ib.Build()
	if _, err := g.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert error: %w", err)
	}
	return nil
}

func (g *FollowGraph) Unfollow(ctx context.Context, userID int64, targetIDs ...int64) error {
	if len(targetIDs) == 0 {
		return nil
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	del := g.flavor.NewDeleteBuilder()
	del.DeleteFrom(followTable).Where(
		del.Equal("user_id", userID),
		del.In("target_id", lo.ToAnySlice(targetIDs)...),
	)

	query, args := del.Build()
	if _, err := g.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete error: %w", err)
	}
	return nil
}

func (g *FollowGraph) Followers(ctx context.Context, targetID int64) ([]storage.Follow, error) {
	sb := g.flavor.NewSelectBuilder()
	sb.Select("user_id", "target_id", "priority", "created_at").From(followTable).
		Where(sb.Equal("target_id", targetID)).
		OrderBy("user_id")
	query, args := sb.Build()
	return g.query(ctx, query, args)
}

func (g *FollowGraph) Following(ctx context.Context, userID int64) ([]storage.Follow, error) {
	sb := g.flavor.NewSelectBuilder()
	sb.Select("user_id", "target_id", "priority", "created_at").From(followTable).
		Where(sb.Equal("user_id", userID)).
		OrderBy("target_id")
	query, args := sb.Build()
	return g.query(ctx, query, args)
}

func (g *FollowGraph) query(ctx context.Context, query string, args []any) ([]storage.Follow, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	follows := []storage.Follow{}
	for rows.Next() {
		var f storage.Follow
		var priority string
		var createdAt int64
		if err := rows.Scan(&f.UserID, &f.TargetID, &priority, &createdAt); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		f.Priority = models.Priority(priority)
		f.CreatedAt = time.UnixMicro(createdAt).UTC()
		follows = append(follows, f)
	}
	return follows, rows.Err()
}
