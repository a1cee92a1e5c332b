package domain

import (
	"net/url"
	"time"
)

const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Task represents a single board item inside a project.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority,omitempty"`
	AssigneeID  string     `json:"assigneeId,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TaskPatch carries a partial task update; nil fields are left untouched.
type TaskPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *string    `json:"status,omitempty"`
	Priority    *string    `json:"priority,omitempty"`
	AssigneeID  *string    `json:"assigneeId,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// Apply returns a copy of t with the patch applied.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.AssigneeID != nil {
		t.AssigneeID = *p.AssigneeID
	}
	if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
	}
	return t
}

// TaskFilter holds the server-side filters of a task list.
type TaskFilter struct {
	Status     string `json:"status,omitempty" yaml:"status"`
	Priority   string `json:"priority,omitempty" yaml:"priority"`
	AssigneeID string `json:"assigneeId,omitempty" yaml:"assigneeId"`
	Search     string `json:"search,omitempty" yaml:"search"`
}

// Values encodes the filter as list endpoint query parameters.
func (f TaskFilter) Values() url.Values {
	v := url.Values{}
	if f.Status != "" {
		v.Set("status", f.Status)
	}
	if f.Priority != "" {
		v.Set("priority", f.Priority)
	}
	if f.AssigneeID != "" {
		v.Set("assigneeId", f.AssigneeID)
	}
	if f.Search != "" {
		v.Set("search", f.Search)
	}
	return v
}

// ParseTaskFilter reads a filter back from query parameters.
func ParseTaskFilter(v url.Values) TaskFilter {
	return TaskFilter{
		Status:     v.Get("status"),
		Priority:   v.Get("priority"),
		AssigneeID: v.Get("assigneeId"),
		Search:     v.Get("search"),
	}
}

// Matches reports whether t would be returned by a list query using f.
// Search is evaluated by the backend index and is not checked here.
func (f TaskFilter) Matches(t Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.AssigneeID != "" && t.AssigneeID != f.AssigneeID {
		return false
	}
	return true
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known task priority. Empty is allowed.
func ValidPriority(p string) bool {
	switch p {
	case "", PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}
