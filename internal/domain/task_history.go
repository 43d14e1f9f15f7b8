package domain

import "time"

type TaskStatusChangeHistory struct {
	ID        int64       `json:"-"`
	TaskID    int64       `json:"task_id"`
	OldStatus *TaskStatus `json:"old_status"`
	NewStatus TaskStatus  `json:"new_status"`
	Detail    string      `json:"detail"`
	CreatedAt time.Time   `json:"created_at"`
}
