package remind

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"
)

// NotifyFunc delivers a reminder to the user.
type NotifyFunc func(ctx context.Context, title, message string) error

type Reminder struct {
	Notify NotifyFunc
}

// NewReminder is a constructor that takes the delivery function as a dependency
func NewReminder(notify NotifyFunc) Reminder {
	return Reminder{
		Notify: notify,
	}
}

// LogNotify delivers reminders to the process log only.
func LogNotify(logger *slog.Logger) NotifyFunc {
	return func(ctx context.Context, title, message string) error {
		logger.InfoContext(ctx, "reminder", "title", title, "message", message)
		return nil
	}
}

func (r Reminder) Execute(ctx context.Context, task *domain.Task, report domain.SkillReporter) (*domain.ExecutionResult, error) {
	report(fmt.Sprintf("⚙ notify(%q)", domain.Truncate(task.Title, 80)))

	if err := r.Notify(ctx, task.Title, task.Description); err != nil {
		return nil, fmt.Errorf("%w: reminder not delivered: %v", errval.ErrExecutionFailure, err)
	}

	return &domain.ExecutionResult{
		Success: true,
		Summary: "Reminder delivered: " + task.Title,
	}, nil
}
