package domain

import (
	"time"
)

type TaskStatus string

const (
	Pending   TaskStatus = "pending"
	Running   TaskStatus = "running"
	Done      TaskStatus = "done"
	Failed    TaskStatus = "failed"
	Cancelled TaskStatus = "cancelled"
)

// AllStatuses lists every status in display order.
var AllStatuses = []TaskStatus{Pending, Running, Done, Failed, Cancelled}

func (s TaskStatus) IsValid() bool {
	switch s {
	case Pending, Running, Done, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition can leave the status.
func (s TaskStatus) IsTerminal() bool {
	return s == Done || s == Failed || s == Cancelled
}

type TaskType string

const (
	Research    TaskType = "research"
	SelfImprove TaskType = "self_improve"
	Prepare     TaskType = "prepare"
	Remind      TaskType = "remind"
	Reflect     TaskType = "reflect"
	Maintain    TaskType = "maintain"
	Custom      TaskType = "custom"
)

// AllTaskTypes is the closed set of task categories.
var AllTaskTypes = []TaskType{Research, SelfImprove, Prepare, Remind, Reflect, Maintain, Custom}

func (t TaskType) IsValid() bool {
	for _, known := range AllTaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

type TaskPriority string

const (
	High   TaskPriority = "high"
	Normal TaskPriority = "normal"
	Low    TaskPriority = "low"
	Idle   TaskPriority = "idle"
)

// Rank orders priorities: high > normal > low > idle. Unknown priorities rank -1.
func (p TaskPriority) Rank() int {
	switch p {
	case High:
		return 3
	case Normal:
		return 2
	case Low:
		return 1
	case Idle:
		return 0
	default:
		return -1
	}
}

func (p TaskPriority) IsValid() bool {
	return p.Rank() >= 0
}

// MaxResultSummaryLen bounds the stored result summary.
const MaxResultSummaryLen = 1000

type Task struct {
	ID            int64        `json:"id"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Type          TaskType     `json:"task_type"`
	Priority      TaskPriority `json:"priority_name"`
	Status        TaskStatus   `json:"status"`
	Attempts      int          `json:"attempts"`
	ResultSummary *string      `json:"result_summary"`
	ParentID      *int64       `json:"parent_id"`
	Tags          []string     `json:"tags"`
	ScheduledAt   time.Time    `json:"scheduled_at"`
	StartedAt     *time.Time   `json:"started_at"`
	CompletedAt   *time.Time   `json:"completed_at"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// RunsBefore reports whether t is selected ahead of other in the pending order:
// priority desc, then created_at asc, then id asc.
func (t *Task) RunsBefore(other *Task) bool {
	if t.Priority.Rank() != other.Priority.Rank() {
		return t.Priority.Rank() > other.Priority.Rank()
	}
	if !t.CreatedAt.Equal(other.CreatedAt) {
		return t.CreatedAt.Before(other.CreatedAt)
	}
	return t.ID < other.ID
}

// TaskDraft is the input for creating a task, either user-authored or proposed by reflection.
type TaskDraft struct {
	Title       string       `json:"title" validate:"required"`
	Description string       `json:"description" validate:"required"`
	Type        TaskType     `json:"task_type" validate:"validate_task_type"`
	Priority    TaskPriority `json:"priority_name" validate:"validate_priority"`
	ParentID    *int64       `json:"parent_id,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	// ScheduledAt delays availability; nil means runnable immediately.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// QueueSummary is derived from the store on demand.
type QueueSummary struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Done      int64 `json:"done"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

func SummaryFromCounts(counts map[TaskStatus]int64) QueueSummary {
	return QueueSummary{
		Pending:   counts[Pending],
		Running:   counts[Running],
		Done:      counts[Done],
		Failed:    counts[Failed],
		Cancelled: counts[Cancelled],
	}
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// WithDefaults fills an empty type with custom and an empty priority with normal.
func (d TaskDraft) WithDefaults() TaskDraft {
	if d.Type == "" {
		d.Type = Custom
	}
	if d.Priority == "" {
		d.Priority = Normal
	}
	return d
}
