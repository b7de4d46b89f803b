package fanout

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"streamfeed/models"
	"streamfeed/tasks"
)

type Operation string

const (
	OperationAdd    Operation = "add"
	OperationRemove Operation = "remove"
)

// Job is one chunk of fan-out work: apply Operation with Activities to the
// Class feeds of UserIDs.
type Job struct {
	ID         uuid.UUID         `json:"id"`
	Class      string            `json:"class"`
	Priority   models.Priority   `json:"priority"`
	Operation  Operation         `json:"operation"`
	UserIDs    []int64           `json:"user_ids"`
	Activities []models.Activity `json:"activities"`
	Trim       bool              `json:"trim"`
}

func (j Job) String() string {
	return fmt.Sprintf("Job(%s %s %s users=%d activities=%d)", j.ID, j.Operation, j.Class, len(j.UserIDs), len(j.Activities))
}

// Dispatcher hands jobs to a runtime.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// Handler executes a job.
type Handler interface {
	Fanout(ctx context.Context, job Job) error
}

// TaskDispatcher submits every job as a task.
type TaskDispatcher struct {
	Submitter tasks.Submitter
	Handler   Handler
}

var _ Dispatcher = (*TaskDispatcher)(nil)

func (d *TaskDispatcher) Dispatch(ctx context.Context, job Job) error {
	return d.Submitter.Submit(ctx, tasks.Task{
		ID:       job.ID,
		Name:     "fanout_" + string(job.Operation),
		Priority: job.Priority,
		Run: func(ctx context.Context) error {
			return d.Handler.Fanout(ctx, job)
		},
	})
}
