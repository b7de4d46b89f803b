package tasks_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamfeed/models"
	"streamfeed/tasks"
)

func TestPoolRunsHighPriorityFirst(t *testing.T) {
	ctx := context.Background()
	pool := tasks.NewPool(ctx, tasks.Options{Workers: 1, QueueSize: 10})

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	require.NoError(t, pool.Submit(ctx, tasks.Task{Name: "low-1", Priority: models.PriorityLow, Run: record("low-1")}))
	require.NoError(t, pool.Submit(ctx, tasks.Task{Name: "low-2", Run: record("low-2")}))
	require.NoError(t, pool.Submit(ctx, tasks.Task{Name: "high-1", Priority: models.PriorityHigh, Run: record("high-1")}))
	require.NoError(t, pool.Submit(ctx, tasks.Task{Name: "high-2", Priority: models.PriorityHigh, Run: record("high-2")}))

	pool.Start()
	pool.Close()

	assert.Equal(t, []string{"high-1", "high-2", "low-1", "low-2"}, order)
}

func TestPoolRetriesFailures(t *testing.T) {
	ctx := context.Background()
	pool := tasks.NewPool(ctx, tasks.Options{
		Workers:         2,
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})
	pool.Start()

	var attempts atomic.Int32
	require.NoError(t, pool.Submit(ctx, tasks.Task{
		Name: "flaky",
		Run: func(context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("try again")
			}
			return nil
		},
	}))

	var permanent atomic.Int32
	require.NoError(t, pool.Submit(ctx, tasks.Task{
		Name: "broken",
		Run: func(context.Context) error {
			permanent.Add(1)
			return tasks.Permanent(errors.New("give up"))
		},
	}))

	pool.Close()
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int32(1), permanent.Load())
}

func TestPoolGivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	pool := tasks.NewPool(ctx, tasks.Options{
		Workers:         1,
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})

	var attempts atomic.Int32
	require.NoError(t, pool.Submit(ctx, tasks.Task{
		Name: "failing",
		Run: func(context.Context) error {
			attempts.Add(1)
			return errors.New("always")
		},
	}))
	pool.Close()

	assert.Equal(t, int32(3), attempts.Load())
}

func TestPoolRejectsAfterClose(t *testing.T) {
	ctx := context.Background()
	pool := tasks.NewPool(ctx, tasks.Options{})
	pool.Close()
	pool.Close()

	err := pool.Submit(ctx, tasks.Task{Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, tasks.ErrPoolClosed)
}

func TestPoolSubmitHonoursContextWhenFull(t *testing.T) {
	pool := tasks.NewPool(context.Background(), tasks.Options{QueueSize: 1})
	noop := tasks.Task{Run: func(context.Context) error { return nil }}

	require.NoError(t, pool.Submit(context.Background(), noop))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, noop)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pool.Close()
}

func TestInlineUnwrapsPermanentErrors(t *testing.T) {
	cause := errors.New("bad input")
	err := tasks.Inline{}.Submit(context.Background(), tasks.Task{
		Run: func(context.Context) error { return tasks.Permanent(cause) },
	})
	assert.Equal(t, cause, err)
}
