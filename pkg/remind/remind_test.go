package remind

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReminder_Execute_Success: the notify function receives the task and a skill call is reported
func TestReminder_Execute_Success(t *testing.T) {
	var gotTitle, gotMessage string
	reminder := NewReminder(func(_ context.Context, title, message string) error {
		gotTitle, gotMessage = title, message
		return nil
	})

	var reports []string
	task := &domain.Task{ID: 1, Title: "Stretch", Description: "Stand up and stretch", Type: domain.Remind}
	result, err := reminder.Execute(context.Background(), task, func(m string) { reports = append(reports, m) })

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "Reminder delivered: Stretch", result.Summary)
	assert.Equal(t, "Stretch", gotTitle)
	assert.Equal(t, "Stand up and stretch", gotMessage)
	assert.Equal(t, []string{`⚙ notify("Stretch")`}, reports)
}

// TestReminder_Execute_Failure: a delivery error is an execution failure
func TestReminder_Execute_Failure(t *testing.T) {
	reminder := NewReminder(func(context.Context, string, string) error {
		return errors.New("no display")
	})

	_, err := reminder.Execute(context.Background(), &domain.Task{Title: "Stretch"}, func(string) {})
	assert.ErrorIs(t, err, errval.ErrExecutionFailure)
	assert.Contains(t, err.Error(), "no display")
}

func TestLogNotify(t *testing.T) {
	var buf bytes.Buffer
	notify := LogNotify(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, notify(context.Background(), "Stretch", "now"))
	assert.Contains(t, buf.String(), "title=Stretch")
}
