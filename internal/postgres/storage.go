package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sf7293/heartbeat-agent/db"
	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
)

type storage struct {
	queries *Queries
	pool    *pgxpool.Pool
}

// Migrate applies the embedded Postgres schema. migrationURI uses the pgx5:// scheme.
func Migrate(migrationURI string) error {
	d, err := iofs.New(db.PostgresMigrations, "postgres")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, migrationURI)
	if err != nil {
		return err
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			slog.Error("error occurred while closing migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func NewStorage(ctx context.Context, dsn string) (*storage, error) {
	var pool *pgxpool.Pool
	var err error

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	err = backoff.Retry(func() error {
		if pool, err = pgxpool.ConnectConfig(ctx, config); err != nil {
			slog.ErrorContext(ctx, "failed to connect to postgres database.. retrying...", "error", err)
			return err
		}

		if err = pool.Ping(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ping postgres database connection.. retrying...", "error", err)
			return err
		}

		return nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 5))

	if err != nil {
		return nil, err
	}

	return &storage{
		queries: New(pool),
		pool:    pool,
	}, nil
}

func (s *storage) Ping(ctx context.Context) (err error) {
	return s.pool.Ping(ctx)
}

func (s *storage) Close() error {
	s.pool.Close()
	return nil
}

func (s *storage) InsertTask(ctx context.Context, params domain.InsertTaskParams) (*domain.Task, error) {
	tags := params.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}

	var tagsJSONB pgtype.JSONB
	if err := tagsJSONB.Set(tagsJSON); err != nil {
		return nil, err
	}

	createdAt := params.CreatedAt.UTC()
	scheduledAt := params.ScheduledAt.UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}

	qtx := s.queries.WithTx(tx)
	taskID, err := qtx.InsertTask(ctx, InsertTaskParams{
		Title:        params.Title,
		Description:  params.Description,
		Type:         TaskType(params.Type),
		Priority:     TaskPriority(params.Priority),
		PriorityRank: int16(params.Priority.Rank()),
		ParentID:     toInt8(params.ParentID),
		Tags:         tagsJSONB,
		ScheduledAt:  toTimestamptz(&scheduledAt),
		CreatedAt:    toTimestamptz(&createdAt),
	})
	if err != nil {
		rollback(ctx, tx)
		return nil, fmt.Errorf("insert task: %w", err)
	}

	err = qtx.InsertTaskStatusChangeHistory(ctx, InsertTaskStatusChangeHistoryParams{
		TaskID:    taskID,
		NewStatus: TaskStatus(domain.Pending),
		Detail:    params.Detail,
		CreatedAt: toTimestamptz(&createdAt),
	})
	if err != nil {
		rollback(ctx, tx)
		return nil, fmt.Errorf("insert task history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &domain.Task{
		ID:          taskID,
		Title:       params.Title,
		Description: params.Description,
		Type:        params.Type,
		Priority:    params.Priority,
		Status:      domain.Pending,
		ParentID:    params.ParentID,
		Tags:        tags,
		ScheduledAt: scheduledAt,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}, nil
}

func (s *storage) GetTaskByID(ctx context.Context, id int64) (*domain.Task, error) {
	task, err := s.queries.GetTaskByID(ctx, id)
	if err != nil {
		if isNoRows(err) {
			return nil, errval.ErrNotFound
		}

		return nil, err
	}

	return convertTask(task)
}

func (s *storage) GetNextRunnableTask(ctx context.Context, now time.Time) (*domain.Task, error) {
	now = now.UTC()
	task, err := s.queries.GetNextRunnableTask(ctx, toTimestamptz(&now))
	if err != nil {
		if isNoRows(err) {
			return nil, errval.ErrNotFound
		}

		return nil, err
	}

	return convertTask(task)
}

func (s *storage) ListTasks(ctx context.Context, params domain.ListTasksParams) ([]*domain.Task, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	var tasks []Task
	var err error
	switch {
	case params.Status == nil:
		tasks, err = s.queries.ListAllTasks(ctx, limit, params.Offset)
	case *params.Status == domain.Pending:
		tasks, err = s.queries.ListPendingTasks(ctx, limit, params.Offset)
	default:
		tasks, err = s.queries.ListTasksByStatus(ctx, ListTasksByStatusParams{
			Status: TaskStatus(*params.Status),
			Limit:  limit,
			Offset: params.Offset,
		})
	}
	if err != nil {
		return nil, err
	}

	return convertTasks(tasks)
}

func (s *storage) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error) {
	rows, err := s.queries.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}

	counts := map[domain.TaskStatus]int64{}
	for _, row := range rows {
		counts[domain.TaskStatus(row.Status)] = row.Count
	}
	return counts, nil
}

func (s *storage) TransitionTask(ctx context.Context, params domain.TransitionParams) (*domain.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}

	qtx := s.queries.WithTx(tx)
	row, err := qtx.GetTaskByIDForUpdate(ctx, params.TaskID)
	if err != nil {
		rollback(ctx, tx)
		if isNoRows(err) {
			return nil, errval.ErrNotFound
		}
		return nil, err
	}

	task, err := convertTask(row)
	if err != nil {
		rollback(ctx, tx)
		return nil, err
	}

	if task.Status != params.From {
		rollback(ctx, tx)
		return nil, fmt.Errorf("%w: task %d is %s, expected %s", errval.ErrInvalidTransition, task.ID, task.Status, params.From)
	}

	oldStatus := task.Status
	task.ApplyTransition(params)

	err = qtx.UpdateTaskTransition(ctx, UpdateTaskTransitionParams{
		ID:            task.ID,
		Status:        TaskStatus(task.Status),
		Attempts:      int32(task.Attempts),
		ResultSummary: toText(task.ResultSummary),
		ScheduledAt:   toTimestamptz(&task.ScheduledAt),
		StartedAt:     toTimestamptz(task.StartedAt),
		CompletedAt:   toTimestamptz(task.CompletedAt),
		UpdatedAt:     toTimestamptz(&task.UpdatedAt),
	})
	if err != nil {
		rollback(ctx, tx)
		return nil, err
	}

	err = qtx.InsertTaskStatusChangeHistory(ctx, InsertTaskStatusChangeHistoryParams{
		TaskID:    task.ID,
		OldStatus: NullTaskStatus{TaskStatus: TaskStatus(oldStatus), Valid: true},
		NewStatus: TaskStatus(task.Status),
		Detail:    params.Detail,
		CreatedAt: toTimestamptz(&task.UpdatedAt),
	})
	if err != nil {
		rollback(ctx, tx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *storage) GetTaskStatusChangeHistory(ctx context.Context, taskID int64) ([]*domain.TaskStatusChangeHistory, error) {
	taskStatusChangeHistory, err := s.queries.GetTaskStatusChangeHistory(ctx, taskID)
	if err != nil {
		if isNoRows(err) {
			return nil, errval.ErrNotFound
		}

		return nil, err
	}

	if len(taskStatusChangeHistory) == 0 {
		return nil, errval.ErrNotFound
	}

	return convertTaskStatusChangeHistories(taskStatusChangeHistory), nil
}

func (s *storage) GetStaleTasks(ctx context.Context, status domain.TaskStatus, before time.Time, limit int32) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	before = before.UTC()
	tasks, err := s.queries.GetStaleTasks(ctx, GetStaleTasksParams{
		Status: TaskStatus(status),
		Before: toTimestamptz(&before),
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}

	return convertTasks(tasks)
}

func rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil {
		slog.Error("Error occurred while rolling back transaction", "error", err.Error())
	}
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || strings.Contains(err.Error(), "no rows")
}

func toTimestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Status: pgtype.Null}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Status: pgtype.Present}
}

func fromTimestamptz(t pgtype.Timestamptz) *time.Time {
	if t.Status != pgtype.Present {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func toText(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Status: pgtype.Null}
	}
	return pgtype.Text{String: *s, Status: pgtype.Present}
}

func toInt8(v *int64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{Status: pgtype.Null}
	}
	return pgtype.Int8{Int: *v, Status: pgtype.Present}
}

func convertTask(task Task) (*domain.Task, error) {
	castedItem := &domain.Task{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		Type:        domain.TaskType(task.Type),
		Priority:    domain.TaskPriority(task.Priority),
		Status:      domain.TaskStatus(task.Status),
		Attempts:    int(task.Attempts),
		Tags:        []string{},
		StartedAt:   fromTimestamptz(task.StartedAt),
		CompletedAt: fromTimestamptz(task.CompletedAt),
	}

	if task.ResultSummary.Status == pgtype.Present {
		summary := task.ResultSummary.String
		castedItem.ResultSummary = &summary
	}
	if task.ParentID.Status == pgtype.Present {
		parentID := task.ParentID.Int
		castedItem.ParentID = &parentID
	}
	if task.Tags.Status == pgtype.Present {
		if err := json.Unmarshal(task.Tags.Bytes, &castedItem.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of task %d: %w", task.ID, err)
		}
	}
	if t := fromTimestamptz(task.ScheduledAt); t != nil {
		castedItem.ScheduledAt = *t
	}
	if t := fromTimestamptz(task.CreatedAt); t != nil {
		castedItem.CreatedAt = *t
	}
	if t := fromTimestamptz(task.UpdatedAt); t != nil {
		castedItem.UpdatedAt = *t
	}

	return castedItem, nil
}

func convertTasks(tasks []Task) ([]*domain.Task, error) {
	castedTasks := []*domain.Task{}
	for _, item := range tasks {
		castedTask, err := convertTask(item)
		if err != nil {
			return nil, err
		}
		castedTasks = append(castedTasks, castedTask)
	}

	return castedTasks, nil
}

func convertTaskStatusChangeHistory(item TasksStatusChangeHistory) *domain.TaskStatusChangeHistory {
	castedItem := &domain.TaskStatusChangeHistory{
		ID:        item.ID,
		TaskID:    item.TaskID,
		NewStatus: domain.TaskStatus(item.NewStatus),
		Detail:    item.Detail,
	}
	if item.OldStatus.Valid {
		old := domain.TaskStatus(item.OldStatus.TaskStatus)
		castedItem.OldStatus = &old
	}
	if t := fromTimestamptz(item.CreatedAt); t != nil {
		castedItem.CreatedAt = *t
	}

	return castedItem
}

func convertTaskStatusChangeHistories(items []TasksStatusChangeHistory) []*domain.TaskStatusChangeHistory {
	castedItems := []*domain.TaskStatusChangeHistory{}
	for _, item := range items {
		castedItem := convertTaskStatusChangeHistory(item)
		castedItems = append(castedItems, castedItem)
	}

	return castedItems
}
