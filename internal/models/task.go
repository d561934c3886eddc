package models

import "time"

const (
	MaxTaskTitleLength       = 200
	MaxTaskDescriptionLength = 2000
)

// Task is a single task-list entry. Every access path is scoped by UserID;
// a task belonging to another user is indistinguishable from a missing one.
type Task struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
