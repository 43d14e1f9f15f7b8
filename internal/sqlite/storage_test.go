package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStorage(t *testing.T) *storage {
	t.Helper()
	s, err := NewStorage(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insert(t *testing.T, s *storage, title string, priority domain.TaskPriority, createdAt time.Time) *domain.Task {
	t.Helper()
	task, err := s.InsertTask(context.Background(), domain.InsertTaskParams{
		Title:       title,
		Description: title + " description",
		Type:        domain.Research,
		Priority:    priority,
		Tags:        []string{"test"},
		ScheduledAt: createdAt,
		CreatedAt:   createdAt,
		Detail:      "created",
	})
	require.NoError(t, err)
	return task
}

func TestInsertAndGetTask(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	created := insert(t, s, "A", domain.Normal, base)
	assert.NotZero(t, created.ID)
	assert.Equal(t, domain.Pending, created.Status)

	got, err := s.GetTaskByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", got.Title)
	assert.Equal(t, domain.Research, got.Type)
	assert.Equal(t, domain.Normal, got.Priority)
	assert.Equal(t, []string{"test"}, got.Tags)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.ResultSummary)
	assert.Nil(t, got.StartedAt)
	assert.True(t, got.CreatedAt.Equal(base))

	_, err = s.GetTaskByID(ctx, created.ID+100)
	assert.ErrorIs(t, err, errval.ErrNotFound)
}

func TestGetNextRunnableTaskOrdering(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	a := insert(t, s, "A", domain.Normal, base)
	b := insert(t, s, "B", domain.Low, base.Add(time.Second))
	c := insert(t, s, "C", domain.High, base.Add(2*time.Second))

	order := []int64{}
	for i := 0; i < 3; i++ {
		next, err := s.GetNextRunnableTask(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		order = append(order, next.ID)
		_, err = s.TransitionTask(ctx, domain.TransitionParams{
			TaskID: next.ID, From: domain.Pending, To: domain.Running, At: base.Add(time.Hour), IncrementAttempts: true,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{c.ID, a.ID, b.ID}, order)

	_, err := s.GetNextRunnableTask(ctx, base.Add(time.Hour))
	assert.ErrorIs(t, err, errval.ErrNotFound)
}

func TestGetNextRunnableTaskRespectsSchedule(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	later := base.Add(10 * time.Minute)
	_, err := s.InsertTask(ctx, domain.InsertTaskParams{
		Title: "later", Description: "d", Type: domain.Custom, Priority: domain.High,
		ScheduledAt: later, CreatedAt: base,
	})
	require.NoError(t, err)

	_, err = s.GetNextRunnableTask(ctx, base)
	assert.ErrorIs(t, err, errval.ErrNotFound)

	next, err := s.GetNextRunnableTask(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, "later", next.Title)
}

func TestTransitionTask(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	task := insert(t, s, "A", domain.Normal, base)

	running, err := s.TransitionTask(ctx, domain.TransitionParams{
		TaskID: task.ID, From: domain.Pending, To: domain.Running, At: base.Add(time.Minute),
		IncrementAttempts: true, Detail: "picked up",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Running, running.Status)
	assert.Equal(t, 1, running.Attempts)
	require.NotNil(t, running.StartedAt)

	summary := "all good"
	done, err := s.TransitionTask(ctx, domain.TransitionParams{
		TaskID: task.ID, From: domain.Running, To: domain.Done, At: base.Add(2 * time.Minute),
		ResultSummary: &summary,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Done, done.Status)
	require.NotNil(t, done.CompletedAt)

	stored, err := s.GetTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Done, stored.Status)
	require.NotNil(t, stored.ResultSummary)
	assert.Equal(t, "all good", *stored.ResultSummary)
	assert.True(t, stored.CompletedAt.Equal(base.Add(2*time.Minute)))

	_, err = s.TransitionTask(ctx, domain.TransitionParams{
		TaskID: task.ID, From: domain.Pending, To: domain.Cancelled, At: base.Add(3 * time.Minute),
	})
	assert.ErrorIs(t, err, errval.ErrInvalidTransition)

	_, err = s.TransitionTask(ctx, domain.TransitionParams{
		TaskID: 9999, From: domain.Pending, To: domain.Cancelled, At: base,
	})
	assert.ErrorIs(t, err, errval.ErrNotFound)
}

func TestTaskHistory(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	task := insert(t, s, "A", domain.Normal, base)

	_, err := s.TransitionTask(ctx, domain.TransitionParams{
		TaskID: task.ID, From: domain.Pending, To: domain.Cancelled, At: base.Add(time.Minute), Detail: "user cancelled",
	})
	require.NoError(t, err)

	history, err := s.GetTaskStatusChangeHistory(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Nil(t, history[0].OldStatus)
	assert.Equal(t, domain.Pending, history[0].NewStatus)
	require.NotNil(t, history[1].OldStatus)
	assert.Equal(t, domain.Pending, *history[1].OldStatus)
	assert.Equal(t, domain.Cancelled, history[1].NewStatus)
	assert.Equal(t, "user cancelled", history[1].Detail)

	_, err = s.GetTaskStatusChangeHistory(ctx, 4242)
	assert.ErrorIs(t, err, errval.ErrNotFound)
}

func TestListAndCountTasks(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	a := insert(t, s, "A", domain.Low, base)
	b := insert(t, s, "B", domain.High, base.Add(time.Second))
	c := insert(t, s, "C", domain.Normal, base.Add(2*time.Second))
	_, err := s.TransitionTask(ctx, domain.TransitionParams{
		TaskID: c.ID, From: domain.Pending, To: domain.Cancelled, At: base.Add(time.Minute),
	})
	require.NoError(t, err)

	pending := domain.Pending
	tasks, err := s.ListTasks(ctx, domain.ListTasksParams{Status: &pending, Limit: 10})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, b.ID, tasks[0].ID)
	assert.Equal(t, a.ID, tasks[1].ID)

	all, err := s.ListTasks(ctx, domain.ListTasksParams{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, c.ID, all[0].ID)

	failed := domain.Failed
	none, err := s.ListTasks(ctx, domain.ListTasksParams{Status: &failed})
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NotNil(t, none)

	counts, err := s.CountTasksByStatus(ctx)
	require.NoError(t, err)
	summary := domain.SummaryFromCounts(counts)
	assert.Equal(t, domain.QueueSummary{Pending: 2, Cancelled: 1}, summary)
}

func TestGetStaleTasks(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	a := insert(t, s, "A", domain.Normal, base)
	b := insert(t, s, "B", domain.Normal, base)
	for i, task := range []*domain.Task{a, b} {
		_, err := s.TransitionTask(ctx, domain.TransitionParams{
			TaskID: task.ID, From: domain.Pending, To: domain.Running, At: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	stale, err := s.GetStaleTasks(ctx, domain.Running, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, a.ID, stale[0].ID)
}
