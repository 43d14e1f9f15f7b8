package postgres

import (
	"context"
	"database/sql/driver"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
)

type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{
		db: tx,
	}
}

type TaskStatus string

func (e *TaskStatus) Scan(src interface{}) error {
	switch s := src.(type) {
	case []byte:
		*e = TaskStatus(s)
	case string:
		*e = TaskStatus(s)
	default:
		return fmt.Errorf("unsupported scan type for TaskStatus: %T", src)
	}
	return nil
}

type NullTaskStatus struct {
	TaskStatus TaskStatus
	Valid      bool // Valid is true if TaskStatus is not NULL
}

func (ns *NullTaskStatus) Scan(value interface{}) error {
	if value == nil {
		ns.TaskStatus, ns.Valid = "", false
		return nil
	}
	ns.Valid = true
	return ns.TaskStatus.Scan(value)
}

func (ns NullTaskStatus) Value() (driver.Value, error) {
	if !ns.Valid {
		return nil, nil
	}
	return string(ns.TaskStatus), nil
}

type TaskType string

func (e *TaskType) Scan(src interface{}) error {
	switch s := src.(type) {
	case []byte:
		*e = TaskType(s)
	case string:
		*e = TaskType(s)
	default:
		return fmt.Errorf("unsupported scan type for TaskType: %T", src)
	}
	return nil
}

type TaskPriority string

func (e *TaskPriority) Scan(src interface{}) error {
	switch s := src.(type) {
	case []byte:
		*e = TaskPriority(s)
	case string:
		*e = TaskPriority(s)
	default:
		return fmt.Errorf("unsupported scan type for TaskPriority: %T", src)
	}
	return nil
}

type Task struct {
	ID            int64
	Title         string
	Description   string
	Type          TaskType
	Priority      TaskPriority
	PriorityRank  int16
	Status        TaskStatus
	Attempts      int32
	ResultSummary pgtype.Text
	ParentID      pgtype.Int8
	Tags          pgtype.JSONB
	ScheduledAt   pgtype.Timestamptz
	StartedAt     pgtype.Timestamptz
	CompletedAt   pgtype.Timestamptz
	CreatedAt     pgtype.Timestamptz
	UpdatedAt     pgtype.Timestamptz
}

type TasksStatusChangeHistory struct {
	ID        int64
	TaskID    int64
	OldStatus NullTaskStatus
	NewStatus TaskStatus
	Detail    string
	CreatedAt pgtype.Timestamptz
}

const taskColumns = `id, title, description, type, priority, priority_rank, status, attempts, result_summary,
	parent_id, tags, scheduled_at, started_at, completed_at, created_at, updated_at`

func scanTask(row pgx.Row) (Task, error) {
	var i Task
	err := row.Scan(
		&i.ID,
		&i.Title,
		&i.Description,
		&i.Type,
		&i.Priority,
		&i.PriorityRank,
		&i.Status,
		&i.Attempts,
		&i.ResultSummary,
		&i.ParentID,
		&i.Tags,
		&i.ScheduledAt,
		&i.StartedAt,
		&i.CompletedAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

func collectTasks(rows pgx.Rows) ([]Task, error) {
	defer rows.Close()
	items := []Task{}
	for rows.Next() {
		i, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertTask = `-- name: InsertTask :one
INSERT INTO tasks (title, description, type, priority, priority_rank, status, attempts,
	parent_id, tags, scheduled_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7, $8, $9, $9)
RETURNING id
`

type InsertTaskParams struct {
	Title        string
	Description  string
	Type         TaskType
	Priority     TaskPriority
	PriorityRank int16
	ParentID     pgtype.Int8
	Tags         pgtype.JSONB
	ScheduledAt  pgtype.Timestamptz
	CreatedAt    pgtype.Timestamptz
}

func (q *Queries) InsertTask(ctx context.Context, arg InsertTaskParams) (int64, error) {
	row := q.db.QueryRow(ctx, insertTask,
		arg.Title,
		arg.Description,
		string(arg.Type),
		string(arg.Priority),
		arg.PriorityRank,
		arg.ParentID,
		arg.Tags,
		arg.ScheduledAt,
		arg.CreatedAt,
	)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const getTaskByID = `-- name: GetTaskByID :one
SELECT ` + taskColumns + ` FROM tasks
WHERE id = $1
`

func (q *Queries) GetTaskByID(ctx context.Context, id int64) (Task, error) {
	return scanTask(q.db.QueryRow(ctx, getTaskByID, id))
}

const getTaskByIDForUpdate = `-- name: GetTaskByIDForUpdate :one
SELECT ` + taskColumns + ` FROM tasks
WHERE id = $1
FOR UPDATE
`

func (q *Queries) GetTaskByIDForUpdate(ctx context.Context, id int64) (Task, error) {
	return scanTask(q.db.QueryRow(ctx, getTaskByIDForUpdate, id))
}

const getNextRunnableTask = `-- name: GetNextRunnableTask :one
SELECT ` + taskColumns + ` FROM tasks
WHERE status = 'pending' AND scheduled_at <= $1
ORDER BY priority_rank DESC, created_at ASC, id ASC
LIMIT 1
`

func (q *Queries) GetNextRunnableTask(ctx context.Context, now pgtype.Timestamptz) (Task, error) {
	return scanTask(q.db.QueryRow(ctx, getNextRunnableTask, now))
}

const listPendingTasks = `-- name: ListPendingTasks :many
SELECT ` + taskColumns + ` FROM tasks
WHERE status = 'pending'
ORDER BY priority_rank DESC, created_at ASC, id ASC
LIMIT $1 OFFSET $2
`

func (q *Queries) ListPendingTasks(ctx context.Context, limit, offset int32) ([]Task, error) {
	rows, err := q.db.Query(ctx, listPendingTasks, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

const listTasksByStatus = `-- name: ListTasksByStatus :many
SELECT ` + taskColumns + ` FROM tasks
WHERE status = $1
ORDER BY updated_at DESC, id DESC
LIMIT $2 OFFSET $3
`

type ListTasksByStatusParams struct {
	Status TaskStatus
	Limit  int32
	Offset int32
}

func (q *Queries) ListTasksByStatus(ctx context.Context, arg ListTasksByStatusParams) ([]Task, error) {
	rows, err := q.db.Query(ctx, listTasksByStatus, string(arg.Status), arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

const listAllTasks = `-- name: ListAllTasks :many
SELECT ` + taskColumns + ` FROM tasks
ORDER BY updated_at DESC, id DESC
LIMIT $1 OFFSET $2
`

func (q *Queries) ListAllTasks(ctx context.Context, limit, offset int32) ([]Task, error) {
	rows, err := q.db.Query(ctx, listAllTasks, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

const countTasksByStatus = `-- name: CountTasksByStatus :many
SELECT status, COUNT(*) FROM tasks
GROUP BY status
`

type CountTasksByStatusRow struct {
	Status TaskStatus
	Count  int64
}

func (q *Queries) CountTasksByStatus(ctx context.Context) ([]CountTasksByStatusRow, error) {
	rows, err := q.db.Query(ctx, countTasksByStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []CountTasksByStatusRow{}
	for rows.Next() {
		var i CountTasksByStatusRow
		if err := rows.Scan(&i.Status, &i.Count); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const updateTaskTransition = `-- name: UpdateTaskTransition :exec
UPDATE tasks
SET status = $2, attempts = $3, result_summary = $4, scheduled_at = $5,
	started_at = $6, completed_at = $7, updated_at = $8
WHERE id = $1
`

type UpdateTaskTransitionParams struct {
	ID            int64
	Status        TaskStatus
	Attempts      int32
	ResultSummary pgtype.Text
	ScheduledAt   pgtype.Timestamptz
	StartedAt     pgtype.Timestamptz
	CompletedAt   pgtype.Timestamptz
	UpdatedAt     pgtype.Timestamptz
}

func (q *Queries) UpdateTaskTransition(ctx context.Context, arg UpdateTaskTransitionParams) error {
	_, err := q.db.Exec(ctx, updateTaskTransition,
		arg.ID,
		string(arg.Status),
		arg.Attempts,
		arg.ResultSummary,
		arg.ScheduledAt,
		arg.StartedAt,
		arg.CompletedAt,
		arg.UpdatedAt,
	)
	return err
}

const insertTaskStatusChangeHistory = `-- name: InsertTaskStatusChangeHistory :exec
INSERT INTO tasks_status_change_history (task_id, old_status, new_status, detail, created_at)
VALUES ($1, $2, $3, $4, $5)
`

type InsertTaskStatusChangeHistoryParams struct {
	TaskID    int64
	OldStatus NullTaskStatus
	NewStatus TaskStatus
	Detail    string
	CreatedAt pgtype.Timestamptz
}

func (q *Queries) InsertTaskStatusChangeHistory(ctx context.Context, arg InsertTaskStatusChangeHistoryParams) error {
	_, err := q.db.Exec(ctx, insertTaskStatusChangeHistory,
		arg.TaskID,
		arg.OldStatus,
		string(arg.NewStatus),
		arg.Detail,
		arg.CreatedAt,
	)
	return err
}

const getTaskStatusChangeHistory = `-- name: GetTaskStatusChangeHistory :many
SELECT id, task_id, old_status, new_status, detail, created_at FROM tasks_status_change_history
WHERE task_id = $1
ORDER BY id ASC
`

func (q *Queries) GetTaskStatusChangeHistory(ctx context.Context, taskID int64) ([]TasksStatusChangeHistory, error) {
	rows, err := q.db.Query(ctx, getTaskStatusChangeHistory, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []TasksStatusChangeHistory{}
	for rows.Next() {
		var i TasksStatusChangeHistory
		if err := rows.Scan(
			&i.ID,
			&i.TaskID,
			&i.OldStatus,
			&i.NewStatus,
			&i.Detail,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getStaleTasks = `-- name: GetStaleTasks :many
SELECT ` + taskColumns + ` FROM tasks
WHERE status = $1 AND updated_at < $2
ORDER BY updated_at ASC
LIMIT $3
`

type GetStaleTasksParams struct {
	Status TaskStatus
	Before pgtype.Timestamptz
	Limit  int32
}

func (q *Queries) GetStaleTasks(ctx context.Context, arg GetStaleTasksParams) ([]Task, error) {
	rows, err := q.db.Query(ctx, getStaleTasks, string(arg.Status), arg.Before, arg.Limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}
