package server

import (
	"context"
	"log/slog"

	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"
	"github.com/sf7293/heartbeat-agent/internal/metrics"
	"github.com/sf7293/heartbeat-agent/internal/queue"
)

// ServerLogic is the request side of the task queue. Taxonomy errors are returned
// as is; anything else is logged and replaced by errval.ErrInternal.
type ServerLogic struct {
	queue *queue.Queue
}

func NewServerLogic(q *queue.Queue) *ServerLogic {
	return &ServerLogic{
		queue: q,
	}
}

func (s *ServerLogic) AddTask(ctx context.Context, req domain.RouterRequestAddTask) (task *domain.Task, err error) {
	draft := domain.TaskDraft{
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
	}
	if req.TaskType != nil {
		draft.Type = domain.TaskType(*req.TaskType)
	}
	if req.TaskPriority != nil {
		draft.Priority = domain.TaskPriority(*req.TaskPriority)
	}

	task, err = s.queue.Enqueue(ctx, draft.WithDefaults())
	if err != nil {
		return nil, s.internal(ctx, "queue.Enqueue", err)
	}

	metrics.TasksEnqueuedTotal.WithLabelValues("user").Inc()
	slog.InfoContext(ctx, "task added", "task_id", task.ID, "priority", task.Priority, "task_type", task.Type)
	return task, nil
}

// ListTasks lists tasks, optionally filtered by status, together with the current summary.
func (s *ServerLogic) ListTasks(ctx context.Context, status string, limit, offset int) (tasks []*domain.Task, summary domain.QueueSummary, err error) {
	var filter *domain.TaskStatus
	if status != "" {
		st := domain.TaskStatus(status)
		filter = &st
	}

	tasks, err = s.queue.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, domain.QueueSummary{}, s.internal(ctx, "queue.List", err)
	}

	summary, err = s.Summary(ctx)
	if err != nil {
		return nil, domain.QueueSummary{}, err
	}
	return tasks, summary, nil
}

func (s *ServerLogic) Summary(ctx context.Context) (summary domain.QueueSummary, err error) {
	summary, err = s.queue.Summary(ctx)
	if err != nil {
		return domain.QueueSummary{}, s.internal(ctx, "queue.Summary", err)
	}
	return summary, nil
}

func (s *ServerLogic) GetTask(ctx context.Context, taskID int64) (task *domain.Task, err error) {
	task, err = s.queue.Get(ctx, taskID)
	if err != nil {
		if errval.Code(err) == "not_found" {
			slog.InfoContext(ctx, "task not found with the given id", "id", taskID)
		}
		return nil, s.internal(ctx, "queue.Get", err)
	}
	return task, nil
}

func (s *ServerLogic) GetTaskStatusHistory(ctx context.Context, taskID int64) (history []*domain.TaskStatusChangeHistory, err error) {
	history, err = s.queue.History(ctx, taskID)
	if err != nil {
		if errval.Code(err) == "not_found" {
			slog.InfoContext(ctx, "history not found for the given task id", "task_id", taskID)
		}
		return nil, s.internal(ctx, "queue.History", err)
	}
	return history, nil
}

// CancelTask cancels a pending task. Running and terminal tasks yield errval.ErrConflict.
func (s *ServerLogic) CancelTask(ctx context.Context, taskID int64) (task *domain.Task, err error) {
	task, err = s.queue.Cancel(ctx, taskID)
	if err != nil {
		return nil, s.internal(ctx, "queue.Cancel", err)
	}

	slog.InfoContext(ctx, "task cancelled", "task_id", task.ID)
	return task, nil
}

func (s *ServerLogic) internal(ctx context.Context, op string, err error) error {
	if errval.IsDomain(err) {
		return err
	}
	slog.ErrorContext(ctx, "error occurred while calling "+op, "error", err)
	return errval.ErrInternal
}
