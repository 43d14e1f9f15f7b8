package queue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"
	"github.com/sf7293/heartbeat-agent/internal/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	storage, err := sqlite.NewStorage(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	q, err := New(storage, WithClock(clock.Now))
	require.NoError(t, err)
	return q, clock
}

func draft(title string, priority domain.TaskPriority) domain.TaskDraft {
	return domain.TaskDraft{
		Title:       title,
		Description: "do " + title,
		Type:        domain.Research,
		Priority:    priority,
	}
}

func TestEnqueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, draft("A", domain.High))
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, task.Status)
	assert.Equal(t, 0, task.Attempts)
	assert.Equal(t, domain.High, task.Priority)
	assert.Equal(t, []string{}, task.Tags)
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		draft domain.TaskDraft
		want  error
	}{
		{"empty title", domain.TaskDraft{Description: "d", Type: domain.Custom, Priority: domain.Normal}, errval.ErrValidation},
		{"blank title", domain.TaskDraft{Title: "   ", Description: "d", Type: domain.Custom, Priority: domain.Normal}, errval.ErrValidation},
		{"empty description", domain.TaskDraft{Title: "t", Type: domain.Custom, Priority: domain.Normal}, errval.ErrValidation},
		{"unknown priority", domain.TaskDraft{Title: "t", Description: "d", Type: domain.Custom, Priority: "urgent"}, errval.ErrValidation},
		{"unknown type", domain.TaskDraft{Title: "t", Description: "d", Type: "dance", Priority: domain.Normal}, errval.ErrInvalidTaskType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.draft)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, "validation", errval.Code(err))
		})
	}

	summary, err := q.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueSummary{}, summary)
}

func TestNextRunnableOrder(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, draft("A", domain.High))
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, err := q.Enqueue(ctx, draft("B", domain.Normal))
	require.NoError(t, err)
	clock.Advance(time.Second)
	c, err := q.Enqueue(ctx, draft("C", domain.High))
	require.NoError(t, err)

	order := []string{}
	for {
		next, err := q.NextRunnable(ctx)
		require.NoError(t, err)
		if next == nil {
			break
		}
		order = append(order, next.Title)
		_, err = q.MarkRunning(ctx, next.ID)
		require.NoError(t, err)
		_, err = q.MarkDone(ctx, next.ID, "ok")
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"A", "C", "B"}, order)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, b.ID, c.ID)
}

func TestNextRunnableIsPeek(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, draft("A", domain.Low))
	require.NoError(t, err)

	first, err := q.NextRunnable(ctx)
	require.NoError(t, err)
	second, err := q.NextRunnable(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.Pending, second.Status)
}

func TestNextRunnableEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	next, err := q.NextRunnable(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestPriorityOrderAcrossAllLevels(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	for _, p := range []domain.TaskPriority{domain.Idle, domain.Low, domain.Normal, domain.High, domain.Idle, domain.High} {
		_, err := q.Enqueue(ctx, draft(string(p), p))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	var last *domain.Task
	for {
		next, err := q.NextRunnable(ctx)
		require.NoError(t, err)
		if next == nil {
			break
		}
		if last != nil {
			assert.True(t, last.RunsBefore(next), "%s(%d) should run before %s(%d)", last.Priority, last.ID, next.Priority, next.ID)
		}
		last = next
		_, err = q.MarkRunning(ctx, next.ID)
		require.NoError(t, err)
		_, err = q.MarkFailed(ctx, next.ID, "x")
		require.NoError(t, err)
	}
}

func TestMarkTransitions(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, draft("A", domain.Normal))
	require.NoError(t, err)

	_, err = q.MarkDone(ctx, task.ID, "too early")
	assert.ErrorIs(t, err, errval.ErrInvalidTransition)

	running, err := q.MarkRunning(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, running.Attempts)

	_, err = q.MarkCancelled(ctx, task.ID)
	assert.ErrorIs(t, err, errval.ErrInvalidTransition)

	_, err = q.MarkRunning(ctx, task.ID)
	assert.ErrorIs(t, err, errval.ErrInvalidTransition)

	long := strings.Repeat("x", domain.MaxResultSummaryLen+50)
	done, err := q.MarkDone(ctx, task.ID, long)
	require.NoError(t, err)
	require.NotNil(t, done.ResultSummary)
	assert.Len(t, *done.ResultSummary, domain.MaxResultSummaryLen)

	_, err = q.MarkFailed(ctx, task.ID, "late")
	assert.ErrorIs(t, err, errval.ErrInvalidTransition)

	stored, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Done, stored.Status)
}

func TestCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	pending, err := q.Enqueue(ctx, draft("pending", domain.Normal))
	require.NoError(t, err)
	running, err := q.Enqueue(ctx, draft("running", domain.High))
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, running.ID)
	require.NoError(t, err)

	cancelled, err := q.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Cancelled, cancelled.Status)

	next, err := q.NextRunnable(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = q.Cancel(ctx, running.ID)
	assert.ErrorIs(t, err, errval.ErrConflict)
	stored, err := q.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Running, stored.Status)

	_, err = q.Cancel(ctx, pending.ID)
	assert.ErrorIs(t, err, errval.ErrConflict)

	_, err = q.Cancel(ctx, 12345)
	assert.ErrorIs(t, err, errval.ErrNotFound)
}

func TestRequeueSchedulesLater(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, draft("A", domain.Normal))
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, task.ID)
	require.NoError(t, err)

	requeued, err := q.Requeue(ctx, task.ID, clock.Now().Add(5*time.Minute), "retry scheduled")
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, requeued.Status)
	assert.Equal(t, 1, requeued.Attempts)
	assert.Nil(t, requeued.StartedAt)

	next, err := q.NextRunnable(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	clock.Advance(5 * time.Minute)
	next, err = q.NextRunnable(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, task.ID, next.ID)
}

func TestListAndSummary(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, draft("low", domain.Low))
	require.NoError(t, err)
	clock.Advance(time.Second)
	high, err := q.Enqueue(ctx, draft("high", domain.High))
	require.NoError(t, err)
	clock.Advance(time.Second)
	first, err := q.Enqueue(ctx, draft("first", domain.Normal))
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := q.Enqueue(ctx, draft("second", domain.Normal))
	require.NoError(t, err)

	for _, task := range []*domain.Task{first, second} {
		clock.Advance(time.Second)
		_, err = q.MarkRunning(ctx, task.ID)
		require.NoError(t, err)
		_, err = q.MarkDone(ctx, task.ID, "ok")
		require.NoError(t, err)
	}

	pending := domain.Pending
	tasks, err := q.List(ctx, &pending, 0, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, high.ID, tasks[0].ID)
	assert.Equal(t, low.ID, tasks[1].ID)

	recent, err := q.RecentCompleted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, second.ID, recent[0].ID)

	bogus := domain.TaskStatus("sleeping")
	_, err = q.List(ctx, &bogus, 10, 0)
	assert.ErrorIs(t, err, errval.ErrValidation)

	summary, err := q.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueSummary{Pending: 2, Done: 2}, summary)

	history, err := q.History(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestRecoverInterrupted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, draft("A", domain.Normal))
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, task.ID)
	require.NoError(t, err)

	recovered, err := q.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	stored, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestRequeueStale(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	old, err := q.Enqueue(ctx, draft("old", domain.Normal))
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, old.ID)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	fresh, err := q.Enqueue(ctx, draft("fresh", domain.Normal))
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, fresh.ID)
	require.NoError(t, err)

	recovered, err := q.RequeueStale(ctx, 30*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	stored, err := q.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Running, stored.Status)
}

func TestSeedIfEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	seeded, err := q.SeedIfEmpty(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(SeedDrafts(time.Now())), seeded)

	again, err := q.SeedIfEmpty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again)

	next, err := q.NextRunnable(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.High, next.Priority)
}
