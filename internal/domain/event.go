package domain

import "time"

type EventType string

const (
	EventConnected               EventType = "connected"
	EventHeartbeatIdle           EventType = "heartbeat_idle"
	EventHeartbeatWorking        EventType = "heartbeat_working"
	EventHeartbeatTaskDone       EventType = "heartbeat_task_done"
	EventHeartbeatTaskFailed     EventType = "heartbeat_task_failed"
	EventHeartbeatReflecting     EventType = "heartbeat_reflecting"
	EventHeartbeatTasksGenerated EventType = "heartbeat_tasks_generated"
	EventHeartbeatPaused         EventType = "heartbeat_paused"
	EventHeartbeatResuming       EventType = "heartbeat_resuming"
	EventHeartbeatSkillCall      EventType = "heartbeat_skill_call"
)

// Event is an immutable notification of a lifecycle transition. It is never persisted.
type Event struct {
	Type         EventType     `json:"type"`
	Message      string        `json:"message,omitempty"`
	TaskID       int64         `json:"task_id,omitempty"`
	TaskTitle    string        `json:"task_title,omitempty"`
	TaskType     TaskType      `json:"task_type,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	QueueSummary *QueueSummary `json:"queue_summary,omitempty"`
	TasksAdded   *int          `json:"tasks_added,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// EventSummaryLen bounds summaries carried by events.
const EventSummaryLen = 200

func NewConnectedEvent(summary QueueSummary) Event {
	return Event{Type: EventConnected, QueueSummary: &summary}
}

func NewTaskEvent(eventType EventType, task *Task, message string) Event {
	return Event{
		Type:      eventType,
		Message:   message,
		TaskID:    task.ID,
		TaskTitle: task.Title,
		TaskType:  task.Type,
	}
}

func NewTaskDoneEvent(task *Task, message, summary string) Event {
	event := NewTaskEvent(EventHeartbeatTaskDone, task, message)
	event.Summary = Truncate(summary, EventSummaryLen)
	return event
}

func NewTasksGeneratedEvent(added int, message string) Event {
	return Event{Type: EventHeartbeatTasksGenerated, Message: message, TasksAdded: &added}
}

func NewMessageEvent(eventType EventType, message string) Event {
	return Event{Type: eventType, Message: message}
}
