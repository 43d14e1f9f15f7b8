package domain

import "context"

// SkillReporter receives a free-text line each time an executor invokes a skill.
type SkillReporter func(message string)

type ExecutionResult struct {
	Success bool   `json:"success"`
	Summary string `json:"summary"`
	// FollowUps are enqueued with the executed task as parent.
	FollowUps []TaskDraft `json:"follow_ups,omitempty"`
}

// Executor runs one task to completion. A returned error counts as a failed execution.
type Executor interface {
	Execute(ctx context.Context, task *Task, report SkillReporter) (*ExecutionResult, error)
}

// ReflectionContext is what a Proposer sees when asked for new work.
type ReflectionContext struct {
	RecentCompleted []*Task      `json:"recent_completed"`
	PendingCount    int64        `json:"pending_count"`
	Summary         QueueSummary `json:"summary"`
}

// Proposer synthesizes new task drafts from accumulated context.
type Proposer interface {
	ProposeTasks(ctx context.Context, reflection ReflectionContext) ([]TaskDraft, error)
}
