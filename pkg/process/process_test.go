package process

import (
	"context"
	"testing"

	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedExecutor struct {
	name  string
	calls int
}

func (e *namedExecutor) Execute(_ context.Context, task *domain.Task, report domain.SkillReporter) (*domain.ExecutionResult, error) {
	e.calls++
	report(e.name + " ran " + task.Title)
	return &domain.ExecutionResult{Success: true, Summary: e.name}, nil
}

func TestDefaultRegistryRoutesByType(t *testing.T) {
	remote := &namedExecutor{name: "remote"}
	reminder := &namedExecutor{name: "reminder"}
	maintainer := &namedExecutor{name: "maintainer"}

	registry, err := NewDefaultRegistry(remote, reminder, maintainer)
	require.NoError(t, err)

	cases := map[domain.TaskType]string{
		domain.Research:    "remote",
		domain.SelfImprove: "remote",
		domain.Prepare:     "remote",
		domain.Reflect:     "remote",
		domain.Custom:      "remote",
		domain.Remind:      "reminder",
		domain.Maintain:    "maintainer",
	}
	for taskType, want := range cases {
		var reports []string
		result, err := registry.Execute(context.Background(), &domain.Task{Title: "t", Type: taskType}, func(m string) {
			reports = append(reports, m)
		})
		require.NoError(t, err, taskType)
		assert.Equal(t, want, result.Summary, taskType)
		assert.Equal(t, []string{want + " ran t"}, reports)
	}
	assert.Equal(t, 5, remote.calls)
	assert.Equal(t, 1, reminder.calls)
	assert.Equal(t, 1, maintainer.calls)
}

func TestEveryTypeHasAnIcon(t *testing.T) {
	registry, err := NewDefaultRegistry(&namedExecutor{}, &namedExecutor{}, &namedExecutor{})
	require.NoError(t, err)

	descriptors := registry.Descriptors()
	require.Len(t, descriptors, len(domain.AllTaskTypes))
	for _, d := range descriptors {
		assert.NotEmpty(t, d.Icon, d.Type)
		assert.Equal(t, d.Type == domain.Remind || d.Type == domain.Maintain, d.Local, d.Type)
	}
}

func TestNewRegistryRejectsIncompleteCoverage(t *testing.T) {
	_, err := NewRegistry(Descriptor{Type: domain.Research, Executor: &namedExecutor{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no executor")
}

func TestNewRegistryRejectsBadDescriptors(t *testing.T) {
	_, err := NewRegistry(Descriptor{Type: "gardening", Executor: &namedExecutor{}})
	assert.ErrorIs(t, err, errval.ErrInvalidTaskType)

	_, err = NewRegistry(Descriptor{Type: domain.Research})
	assert.ErrorContains(t, err, "has no executor")

	_, err = NewRegistry(
		Descriptor{Type: domain.Research, Executor: &namedExecutor{}},
		Descriptor{Type: domain.Research, Executor: &namedExecutor{}},
	)
	assert.ErrorContains(t, err, "registered twice")
}

func TestExecuteUnknownType(t *testing.T) {
	registry, err := NewDefaultRegistry(&namedExecutor{}, &namedExecutor{}, &namedExecutor{})
	require.NoError(t, err)

	_, err = registry.Execute(context.Background(), &domain.Task{Type: "gardening"}, func(string) {})
	assert.ErrorIs(t, err, errval.ErrInvalidTaskType)

	_, err = registry.Resolve("gardening")
	assert.ErrorIs(t, err, errval.ErrInvalidTaskType)
}
