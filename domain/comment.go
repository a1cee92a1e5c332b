package domain

import "time"

// Comment is a message in a task's discussion thread.
type Comment struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"taskId"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName,omitempty"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
