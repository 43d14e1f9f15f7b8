package reflection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"
	"github.com/sf7293/heartbeat-agent/internal/metrics"
	"github.com/sf7293/heartbeat-agent/internal/queue"
)

const (
	DefaultMaxProposals = 5
	recentCompletedSize = 10
)

// Generator asks a Proposer for new work and enqueues what it proposes.
type Generator struct {
	queue        *queue.Queue
	proposer     domain.Proposer
	maxProposals int
	logger       *slog.Logger
}

func NewGenerator(q *queue.Queue, proposer domain.Proposer, maxProposals int, logger *slog.Logger) *Generator {
	if maxProposals <= 0 {
		maxProposals = DefaultMaxProposals
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		queue:        q,
		proposer:     proposer,
		maxProposals: maxProposals,
		logger:       logger,
	}
}

// Reflect enqueues up to maxProposals drafts and returns how many were added.
// Proposer failures are wrapped in errval.ErrExecutionFailure; store failures are returned as is.
func (g *Generator) Reflect(ctx context.Context) (int, error) {
	recent, err := g.queue.RecentCompleted(ctx, recentCompletedSize)
	if err != nil {
		return 0, err
	}
	summary, err := g.queue.Summary(ctx)
	if err != nil {
		return 0, err
	}

	drafts, err := g.propose(ctx, domain.ReflectionContext{
		RecentCompleted: recent,
		PendingCount:    summary.Pending,
		Summary:         summary,
	})
	if err != nil {
		return 0, err
	}

	added := 0
	for _, draft := range drafts {
		if added >= g.maxProposals {
			break
		}

		// Proposals without a priority run only when nothing better is pending.
		if draft.Priority == "" {
			draft.Priority = domain.Idle
		}
		draft = draft.WithDefaults()
		draft.Tags = append(draft.Tags, "reflection")

		task, err := g.queue.Enqueue(ctx, draft)
		if err != nil {
			if errval.IsDomain(err) {
				g.logger.WarnContext(ctx, "skipping invalid proposal", "title", draft.Title, "error", err)
				continue
			}
			return added, err
		}

		added++
		metrics.TasksEnqueuedTotal.WithLabelValues("reflection").Inc()
		g.logger.InfoContext(ctx, "reflection added task", "task_id", task.ID, "title", task.Title)
	}

	return added, nil
}

func (g *Generator) propose(ctx context.Context, reflection domain.ReflectionContext) (drafts []domain.TaskDraft, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: proposer panicked: %v", errval.ErrExecutionFailure, r)
		}
	}()

	drafts, err = g.proposer.ProposeTasks(ctx, reflection)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errval.ErrExecutionFailure, err.Error())
	}
	return drafts, nil
}
