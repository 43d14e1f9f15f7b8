package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sf7293/heartbeat-agent/db"
	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"

	_ "github.com/mattn/go-sqlite3"
)

const taskColumns = `id, title, description, task_type, priority, status, attempts, result_summary,
	parent_id, tags, scheduled_at, started_at, completed_at, created_at, updated_at`

type storage struct {
	db *sql.DB
}

// NewStorage opens the SQLite database at dsn and migrates it to the latest schema.
// ":memory:" gives a private in-memory store.
func NewStorage(ctx context.Context, dsn string) (*storage, error) {
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes every operation and keeps a :memory: database alive.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	err = backoff.Retry(func() error {
		if err := conn.PingContext(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ping sqlite database.. retrying...", "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 3), ctx))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := migrateUp(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &storage{db: conn}, nil
}

func migrateUp(conn *sql.DB) error {
	source, err := iofs.New(db.SQLiteMigrations, "sqlite")
	if err != nil {
		return err
	}

	driver, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		return err
	}

	// The migrate instance is not closed: closing it would close conn.
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *storage) Ping(ctx context.Context) (err error) {
	return s.db.PingContext(ctx)
}

func (s *storage) Close() error {
	return s.db.Close()
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

	createdAt := params.CreatedAt.UTC()
	scheduledAt := params.ScheduledAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert task tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (title, description, task_type, priority, priority_rank, status, attempts,
			parent_id, tags, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		params.Title, params.Description, string(params.Type), string(params.Priority), params.Priority.Rank(),
		string(domain.Pending), nullInt64(params.ParentID), string(tagsJSON),
		scheduledAt.UnixNano(), createdAt.UnixNano(), createdAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := insertHistory(ctx, tx, id, nil, domain.Pending, params.Detail, createdAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &domain.Task{
		ID:          id,
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
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errval.ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *storage) GetNextRunnableTask(ctx context.Context, now time.Time) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY priority_rank DESC, created_at ASC, id ASC
		LIMIT 1`,
		string(domain.Pending), now.UTC().UnixNano(),
	)
	task, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errval.ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *storage) ListTasks(ctx context.Context, params domain.ListTasksParams) ([]*domain.Task, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if params.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*params.Status))
	}
	if params.Status != nil && *params.Status == domain.Pending {
		query += ` ORDER BY priority_rank DESC, created_at ASC, id ASC`
	} else {
		query += ` ORDER BY updated_at DESC, id DESC`
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, params.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *storage) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := map[domain.TaskStatus]int64{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = count
	}
	return counts, rows.Err()
}

func (s *storage) TransitionTask(ctx context.Context, params domain.TransitionParams) (*domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, params.TaskID)
	task, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errval.ErrNotFound
		}
		return nil, err
	}

	if task.Status != params.From {
		return nil, fmt.Errorf("%w: task %d is %s, expected %s", errval.ErrInvalidTransition, task.ID, task.Status, params.From)
	}

	oldStatus := task.Status
	task.ApplyTransition(params)

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, attempts = ?, result_summary = ?, scheduled_at = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(task.Status), task.Attempts, nullString(task.ResultSummary), task.ScheduledAt.UnixNano(),
		nullTime(task.StartedAt), nullTime(task.CompletedAt), task.UpdatedAt.UnixNano(),
		task.ID, string(oldStatus),
	)
	if err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}

	if err := insertHistory(ctx, tx, task.ID, &oldStatus, task.Status, params.Detail, task.UpdatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *storage) GetTaskStatusChangeHistory(ctx context.Context, taskID int64) ([]*domain.TaskStatusChangeHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, old_status, new_status, detail, created_at
		FROM tasks_status_change_history
		WHERE task_id = ?
		ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task history: %w", err)
	}
	defer rows.Close()

	history := []*domain.TaskStatusChangeHistory{}
	for rows.Next() {
		var (
			item      domain.TaskStatusChangeHistory
			oldStatus sql.NullString
			newStatus string
			createdAt int64
		)
		if err := rows.Scan(&item.ID, &item.TaskID, &oldStatus, &newStatus, &item.Detail, &createdAt); err != nil {
			return nil, err
		}
		if oldStatus.Valid {
			status := domain.TaskStatus(oldStatus.String)
			item.OldStatus = &status
		}
		item.NewStatus = domain.TaskStatus(newStatus)
		item.CreatedAt = time.Unix(0, createdAt).UTC()
		history = append(history, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(history) == 0 {
		return nil, errval.ErrNotFound
	}
	return history, nil
}

func (s *storage) GetStaleTasks(ctx context.Context, status domain.TaskStatus, before time.Time, limit int32) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`,
		string(status), before.UTC().UnixNano(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, taskID int64, oldStatus *domain.TaskStatus, newStatus domain.TaskStatus, detail string, at time.Time) error {
	var old sql.NullString
	if oldStatus != nil {
		old = sql.NullString{String: string(*oldStatus), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks_status_change_history (task_id, old_status, new_status, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		taskID, old, string(newStatus), detail, at.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert task history: %w", err)
	}
	return nil
}

func scanTask(scan func(dest ...any) error) (*domain.Task, error) {
	var (
		task        domain.Task
		taskType    string
		priority    string
		status      string
		summary     sql.NullString
		parentID    sql.NullInt64
		tags        string
		scheduledAt int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := scan(
		&task.ID, &task.Title, &task.Description, &taskType, &priority, &status, &task.Attempts, &summary,
		&parentID, &tags, &scheduledAt, &startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Type = domain.TaskType(taskType)
	task.Priority = domain.TaskPriority(priority)
	task.Status = domain.TaskStatus(status)
	if summary.Valid {
		task.ResultSummary = &summary.String
	}
	if parentID.Valid {
		task.ParentID = &parentID.Int64
	}
	task.Tags = []string{}
	if err := json.Unmarshal([]byte(tags), &task.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of task %d: %w", task.ID, err)
	}
	task.ScheduledAt = time.Unix(0, scheduledAt).UTC()
	task.StartedAt = fromNullTime(startedAt)
	task.CompletedAt = fromNullTime(completedAt)
	task.CreatedAt = time.Unix(0, createdAt).UTC()
	task.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return &task, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v.UTC().UnixNano(), Valid: true}
}

func fromNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
