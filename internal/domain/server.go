package domain

type RouterRequestAddTask struct {
	Title        string   `json:"title" form:"title" binding:"required"`
	Description  string   `json:"description" form:"description" binding:"required"`
	TaskType     *string  `json:"task_type" form:"task_type" binding:"omitempty,validate_task_type"`
	TaskPriority *string  `json:"priority_name" form:"priority_name" binding:"omitempty,validate_priority"`
	Tags         []string `json:"tags" form:"tags"`
}

type RouterRequestActivity struct {
	State string `json:"state" binding:"required,oneof=started finished ping"`
}
