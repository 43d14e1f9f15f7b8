package domain

import (
	"context"
	"time"
)

type InsertTaskParams struct {
	Title       string
	Description string
	Type        TaskType
	Priority    TaskPriority
	ParentID    *int64
	Tags        []string
	ScheduledAt time.Time
	CreatedAt   time.Time
	Detail      string
}

type ListTasksParams struct {
	// Status nil lists every status.
	Status *TaskStatus
	Limit  int32
	Offset int32
}

// Storage is the durable Task Store. Every method is atomic on its own; implementations
// serialize or transact per call. They return errval.ErrNotFound for missing rows and
// errval.ErrInvalidTransition when a TransitionParams.From no longer matches.
type Storage interface {
	Ping(ctx context.Context) (err error)
	InsertTask(ctx context.Context, params InsertTaskParams) (*Task, error)
	GetTaskByID(ctx context.Context, id int64) (*Task, error)
	// GetNextRunnableTask returns the first pending task with scheduled_at <= now in
	// (priority desc, created_at asc, id asc) order.
	GetNextRunnableTask(ctx context.Context, now time.Time) (*Task, error)
	// ListTasks orders pending tasks by queue order and everything else by updated_at desc.
	ListTasks(ctx context.Context, params ListTasksParams) ([]*Task, error)
	CountTasksByStatus(ctx context.Context) (map[TaskStatus]int64, error)
	TransitionTask(ctx context.Context, params TransitionParams) (*Task, error)
	GetTaskStatusChangeHistory(ctx context.Context, taskID int64) ([]*TaskStatusChangeHistory, error)
	// GetStaleTasks returns tasks with the given status not updated since before.
	GetStaleTasks(ctx context.Context, status TaskStatus, before time.Time, limit int32) ([]*Task, error)
	Close() error
}
