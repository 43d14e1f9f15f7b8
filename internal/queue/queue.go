package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Queue is the priority-ordered view over a Storage. It owns validation and the
// task state machine; every method is a single store operation or transaction.
type Queue struct {
	storage  domain.Storage
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

func New(storage domain.Storage, opts ...Option) (*Queue, error) {
	q := &Queue{
		storage:  storage,
		validate: validator.New(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := RegisterValidations(q.validate); err != nil {
		return nil, err
	}
	return q, nil
}

// RegisterValidations installs the task_type and priority rules on v.
func RegisterValidations(v *validator.Validate) error {
	if err := v.RegisterValidation("validate_task_type", validateTaskType); err != nil {
		return fmt.Errorf("failed to bind validation rule of validate_task_type: %w", err)
	}
	if err := v.RegisterValidation("validate_priority", validatePriority); err != nil {
		return fmt.Errorf("failed to bind validation rule of validate_priority: %w", err)
	}
	return nil
}

var validateTaskType validator.Func = func(fl validator.FieldLevel) bool {
	return domain.TaskType(fl.Field().String()).IsValid()
}

var validatePriority validator.Func = func(fl validator.FieldLevel) bool {
	return domain.TaskPriority(fl.Field().String()).IsValid()
}

// Enqueue validates draft and stores it as a pending task with zero attempts.
func (q *Queue) Enqueue(ctx context.Context, draft domain.TaskDraft) (*domain.Task, error) {
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Description = strings.TrimSpace(draft.Description)
	if err := q.validateDraft(draft); err != nil {
		return nil, err
	}

	now := q.now().UTC()
	scheduledAt := now
	if draft.ScheduledAt != nil {
		scheduledAt = draft.ScheduledAt.UTC()
	}

	task, err := q.storage.InsertTask(ctx, domain.InsertTaskParams{
		Title:       draft.Title,
		Description: draft.Description,
		Type:        draft.Type,
		Priority:    draft.Priority,
		ParentID:    draft.ParentID,
		Tags:        draft.Tags,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		Detail:      fmt.Sprintf("priority=%s, type=%s", draft.Priority, draft.Type),
	})
	if err != nil {
		return nil, err
	}

	q.logger.DebugContext(ctx, "task enqueued", "task_id", task.ID, "priority", task.Priority, "task_type", task.Type)
	return task, nil
}

func (q *Queue) validateDraft(draft domain.TaskDraft) error {
	err := q.validate.Struct(draft)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %s", errval.ErrValidation, err.Error())
	}

	fields := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		if fe.Tag() == "validate_task_type" {
			return fmt.Errorf("%w: %q", errval.ErrInvalidTaskType, fe.Value())
		}
		fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", errval.ErrValidation, strings.Join(fields, ", "))
}

func (q *Queue) Get(ctx context.Context, id int64) (*domain.Task, error) {
	return q.storage.GetTaskByID(ctx, id)
}

// NextRunnable peeks at the first runnable pending task. It returns nil when none is due.
func (q *Queue) NextRunnable(ctx context.Context) (*domain.Task, error) {
	task, err := q.storage.GetNextRunnableTask(ctx, q.now())
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return task, nil
}

// MarkRunning moves a pending task to running and counts the attempt.
func (q *Queue) MarkRunning(ctx context.Context, id int64) (*domain.Task, error) {
	return q.transition(ctx, domain.TransitionParams{
		TaskID:            id,
		From:              domain.Pending,
		To:                domain.Running,
		IncrementAttempts: true,
		Detail:            "started",
	})
}

func (q *Queue) MarkDone(ctx context.Context, id int64, summary string) (*domain.Task, error) {
	return q.transition(ctx, domain.TransitionParams{
		TaskID:        id,
		From:          domain.Running,
		To:            domain.Done,
		ResultSummary: &summary,
		Detail:        domain.Truncate(summary, domain.EventSummaryLen),
	})
}

func (q *Queue) MarkFailed(ctx context.Context, id int64, summary string) (*domain.Task, error) {
	return q.transition(ctx, domain.TransitionParams{
		TaskID:        id,
		From:          domain.Running,
		To:            domain.Failed,
		ResultSummary: &summary,
		Detail:        domain.Truncate(summary, domain.EventSummaryLen),
	})
}

func (q *Queue) MarkCancelled(ctx context.Context, id int64) (*domain.Task, error) {
	return q.transition(ctx, domain.TransitionParams{
		TaskID: id,
		From:   domain.Pending,
		To:     domain.Cancelled,
		Detail: "cancelled",
	})
}

// Requeue returns a running task to pending, runnable again from at.
func (q *Queue) Requeue(ctx context.Context, id int64, at time.Time, detail string) (*domain.Task, error) {
	return q.transition(ctx, domain.TransitionParams{
		TaskID:      id,
		From:        domain.Running,
		To:          domain.Pending,
		ScheduledAt: &at,
		Detail:      detail,
	})
}

func (q *Queue) transition(ctx context.Context, params domain.TransitionParams) (*domain.Task, error) {
	if !domain.CanTransition(params.From, params.To) {
		return nil, fmt.Errorf("%w: %s -> %s", errval.ErrInvalidTransition, params.From, params.To)
	}
	params.At = q.now()

	task, err := q.storage.TransitionTask(ctx, params)
	if err != nil {
		return nil, err
	}

	q.logger.DebugContext(ctx, "task status changed", "task_id", task.ID, "old_status", params.From, "new_status", task.Status)
	return task, nil
}

// Cancel cancels a pending task. Any other status is a conflict and leaves the task as is.
func (q *Queue) Cancel(ctx context.Context, id int64) (*domain.Task, error) {
	task, err := q.storage.GetTaskByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if task.Status != domain.Pending {
		return nil, fmt.Errorf("%w: task %d is %s and cannot be cancelled", errval.ErrConflict, id, task.Status)
	}

	cancelled, err := q.MarkCancelled(ctx, id)
	if err != nil {
		if errors.Is(err, errval.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: task %d left pending before it could be cancelled", errval.ErrConflict, id)
		}
		return nil, err
	}
	return cancelled, nil
}

// List returns tasks filtered by status. A nil status lists every task.
func (q *Queue) List(ctx context.Context, status *domain.TaskStatus, limit, offset int) ([]*domain.Task, error) {
	if status != nil && !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", errval.ErrValidation, *status)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	return q.storage.ListTasks(ctx, domain.ListTasksParams{
		Status: status,
		Limit:  int32(limit),
		Offset: int32(offset),
	})
}

func (q *Queue) Summary(ctx context.Context) (domain.QueueSummary, error) {
	counts, err := q.storage.CountTasksByStatus(ctx)
	if err != nil {
		return domain.QueueSummary{}, err
	}
	return domain.SummaryFromCounts(counts), nil
}

// PendingCount counts every pending task, including those scheduled for later.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	summary, err := q.Summary(ctx)
	if err != nil {
		return 0, err
	}
	return summary.Pending, nil
}

// RecentCompleted returns up to n done tasks, most recent first.
func (q *Queue) RecentCompleted(ctx context.Context, n int) ([]*domain.Task, error) {
	done := domain.Done
	return q.List(ctx, &done, n, 0)
}

func (q *Queue) History(ctx context.Context, id int64) ([]*domain.TaskStatusChangeHistory, error) {
	return q.storage.GetTaskStatusChangeHistory(ctx, id)
}

// RecoverInterrupted returns every running task to pending. It must run before the
// scheduler's first tick, when no execution can be in flight.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	running := domain.Running
	tasks, err := q.List(ctx, &running, MaxListLimit, 0)
	if err != nil {
		return 0, err
	}
	return q.requeueAll(ctx, tasks, "recovered")
}

// RequeueStale returns running tasks untouched for longer than olderThan to pending.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration, limit int32) (int, error) {
	tasks, err := q.storage.GetStaleTasks(ctx, domain.Running, q.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	return q.requeueAll(ctx, tasks, "recovered stale task")
}

func (q *Queue) requeueAll(ctx context.Context, tasks []*domain.Task, detail string) (int, error) {
	recovered := 0
	for _, task := range tasks {
		if _, err := q.Requeue(ctx, task.ID, q.now(), detail); err != nil {
			if errval.IsDomain(err) {
				q.logger.WarnContext(ctx, "could not requeue task", "task_id", task.ID, "error", err)
				continue
			}
			return recovered, err
		}
		recovered++
		q.logger.InfoContext(ctx, "requeued interrupted task", "task_id", task.ID, "title", task.Title)
	}
	return recovered, nil
}
