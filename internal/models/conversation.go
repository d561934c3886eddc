package models

import "time"

// Conversation groups the ordered chat turns of a single owner. It is created
// lazily on the first message and never reassigned to another user.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
