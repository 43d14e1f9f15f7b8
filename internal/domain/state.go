package domain

import "time"

// transitions is the task-level state machine. running -> pending is the scheduler's retry
// and crash-recovery edge; running -> cancelled is deliberately absent.
var transitions = map[TaskStatus][]TaskStatus{
	Pending: {Running, Cancelled},
	Running: {Done, Failed, Pending},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionParams describes one compare-and-set status change applied by a Storage.
type TransitionParams struct {
	TaskID int64
	// From is the status the task must still have; the store rejects the change otherwise.
	From TaskStatus
	To   TaskStatus
	At   time.Time

	ResultSummary     *string
	IncrementAttempts bool
	ScheduledAt       *time.Time
	// Detail is recorded in the status change history.
	Detail string
}

// ApplyTransition mutates t according to p. The caller has already checked t.Status == p.From.
func (t *Task) ApplyTransition(p TransitionParams) {
	at := p.At.UTC()
	t.Status = p.To
	t.UpdatedAt = at
	if p.IncrementAttempts {
		t.Attempts++
	}
	if p.ResultSummary != nil {
		summary := Truncate(*p.ResultSummary, MaxResultSummaryLen)
		t.ResultSummary = &summary
	}
	if p.ScheduledAt != nil {
		scheduledAt := p.ScheduledAt.UTC()
		t.ScheduledAt = scheduledAt
	}

	switch p.To {
	case Running:
		t.StartedAt = &at
		t.CompletedAt = nil
	case Pending:
		t.StartedAt = nil
	case Done, Failed, Cancelled:
		t.CompletedAt = &at
	}
}
