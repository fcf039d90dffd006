package types

import "time"

// Task statuses. Any status may follow any other.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Task is a unit of work assigned by one user to another.
type Task struct {
	// ID is the unique identifier of the task.
	ID int `json:"id" db:"id"`

	// Title is the short summary shown on dashboards.
	Title string `json:"title" db:"title"`

	// Description is the free-text body of the task.
	Description string `json:"description" db:"description"`

	// AssignedTo references the user responsible for the task.
	AssignedTo int `json:"assigned_to" db:"assigned_to"`

	// AssignedBy references the user who created or assigned the task.
	AssignedBy int `json:"assigned_by" db:"assigned_by"`

	// Deadline is the time by which the task should be completed.
	Deadline time.Time `json:"deadline" db:"deadline"`

	// Priority is one of low, medium or high.
	Priority string `json:"priority" db:"priority"`

	// Status is one of pending, in_progress or completed.
	Status string `json:"status" db:"status"`

	// IsFavorite is toggled by the assignee.
	IsFavorite bool `json:"is_favorite" db:"is_favorite"`

	// AssigneeName and AssignerName are filled by list queries for display.
	AssigneeName string `json:"assignee_name,omitempty" db:"-"`
	AssignerName string `json:"assigner_name,omitempty" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsOverdue reports whether the deadline has passed without completion.
func (t Task) IsOverdue(now time.Time) bool {
	return t.Status != TaskStatusCompleted && t.Deadline.Before(now)
}

// TaskStats aggregates task counts for a dashboard.
type TaskStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Overdue    int `json:"overdue"`
}

// TaskFilter narrows task listings. Zero values mean "any".
type TaskFilter struct {
	AssignedTo int
	AssignedBy int
	Status     string
}

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known task priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}
