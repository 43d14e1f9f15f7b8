package queue

import (
	"context"
	"time"

	"github.com/sf7293/heartbeat-agent/internal/domain"
)

// SeedDrafts returns the onboarding tasks enqueued into an empty store.
func SeedDrafts(now time.Time) []domain.TaskDraft {
	reflectAt := now.Add(2 * time.Hour)
	return []domain.TaskDraft{
		{
			Title: "Introduce myself to the user",
			Description: "Send a short welcome message explaining what I can do, that I run privately " +
				"on this device, and ask a few questions to start learning about the user.",
			Type:     domain.Prepare,
			Priority: domain.High,
			Tags:     []string{"onboarding"},
		},
		{
			Title: "Take an inventory of this device and my capabilities",
			Description: "Check available disk space, memory and loaded skills, and record a short " +
				"self-inventory so I can describe my capabilities accurately.",
			Type:     domain.Maintain,
			Priority: domain.Normal,
			Tags:     []string{"self-awareness"},
		},
		{
			Title: "Write a send_notification skill",
			Description: "Write a skill that sends desktop or browser notifications so I can alert " +
				"the user about things they care about.",
			Type:     domain.SelfImprove,
			Priority: domain.Normal,
			Tags:     []string{"skills"},
		},
		{
			Title: "Write a calendar_check skill",
			Description: "Write a skill that reads local iCal files or queries a CalDAV server, so " +
				"reminders can follow the user's schedule.",
			Type:     domain.SelfImprove,
			Priority: domain.Low,
			Tags:     []string{"skills", "calendar"},
		},
		{
			Title: "Reflect on what I know and what I should learn next",
			Description: "Review my skills, what I know about the user and recent work, then propose " +
				"new tasks that would make me more useful.",
			Type:        domain.Reflect,
			Priority:    domain.Low,
			Tags:        []string{"meta"},
			ScheduledAt: &reflectAt,
		},
	}
}

// SeedIfEmpty enqueues SeedDrafts when the store holds no task in any status.
func (q *Queue) SeedIfEmpty(ctx context.Context) (int, error) {
	summary, err := q.Summary(ctx)
	if err != nil {
		return 0, err
	}
	if summary.Pending+summary.Running+summary.Done+summary.Failed+summary.Cancelled > 0 {
		return 0, nil
	}

	seeded := 0
	for _, draft := range SeedDrafts(q.now()) {
		if _, err := q.Enqueue(ctx, draft); err != nil {
			return seeded, err
		}
		seeded++
	}

	q.logger.InfoContext(ctx, "seeded initial tasks", "count", seeded)
	return seeded, nil
}
