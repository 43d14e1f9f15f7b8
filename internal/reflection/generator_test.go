package reflection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"
	"github.com/sf7293/heartbeat-agent/internal/queue"
	"github.com/sf7293/heartbeat-agent/internal/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProposer struct {
	drafts []domain.TaskDraft
	err    error
	panics bool
	seen   domain.ReflectionContext
}

func (p *fakeProposer) ProposeTasks(_ context.Context, reflection domain.ReflectionContext) ([]domain.TaskDraft, error) {
	p.seen = reflection
	if p.panics {
		panic("boom")
	}
	return p.drafts, p.err
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	storage, err := sqlite.NewStorage(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q, err := queue.New(storage, queue.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return q
}

func TestReflectEnqueuesWithDefaults(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	done, err := q.Enqueue(ctx, domain.TaskDraft{Title: "old", Description: "d", Type: domain.Research, Priority: domain.Normal})
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, done.ID)
	require.NoError(t, err)
	_, err = q.MarkDone(ctx, done.ID, "found things")
	require.NoError(t, err)

	proposer := &fakeProposer{drafts: []domain.TaskDraft{
		{Title: "learn go", Description: "read docs"},
		{Title: "check disk", Description: "df -h", Type: domain.Maintain, Priority: domain.Low},
	}}
	g := NewGenerator(q, proposer, 5, nil)

	added, err := g.Reflect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	require.Len(t, proposer.seen.RecentCompleted, 1)
	assert.Equal(t, done.ID, proposer.seen.RecentCompleted[0].ID)
	assert.Equal(t, int64(0), proposer.seen.PendingCount)

	pending := domain.Pending
	tasks, err := q.List(ctx, &pending, 10, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "check disk", tasks[0].Title)
	assert.Equal(t, domain.Idle, tasks[1].Priority)
	assert.Equal(t, domain.Custom, tasks[1].Type)
	assert.Contains(t, tasks[1].Tags, "reflection")
}

func TestReflectSkipsInvalidAndCaps(t *testing.T) {
	q := newTestQueue(t)
	proposer := &fakeProposer{drafts: []domain.TaskDraft{
		{Title: "", Description: "no title"},
		{Title: "bad type", Description: "d", Type: "dance"},
		{Title: "one", Description: "d"},
		{Title: "two", Description: "d"},
		{Title: "three", Description: "d"},
	}}
	g := NewGenerator(q, proposer, 2, nil)

	added, err := g.Reflect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	summary, err := q.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Pending)
}

func TestReflectProposerFailureIsContained(t *testing.T) {
	q := newTestQueue(t)

	g := NewGenerator(q, &fakeProposer{err: errors.New("model offline")}, 5, nil)
	added, err := g.Reflect(context.Background())
	assert.Equal(t, 0, added)
	assert.ErrorIs(t, err, errval.ErrExecutionFailure)
	assert.True(t, errval.IsDomain(err))

	g = NewGenerator(q, &fakeProposer{panics: true}, 5, nil)
	_, err = g.Reflect(context.Background())
	assert.ErrorIs(t, err, errval.ErrExecutionFailure)
}
