package model

import "time"

// Status is the board column a task sits in.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
)

// Valid reports whether s is one of the three board columns.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Assignee is the person a task is assigned to.
type Assignee struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Task is a board task as the server returns it. ID is server-assigned.
type Task struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Status          Status    `json:"status"`
	Deadline        time.Time `json:"deadline"`
	Assignee        Assignee  `json:"assignee"`
	IsHidden        bool      `json:"isHidden,omitempty"`
	CalendarEventID string    `json:"calendarEventId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// HasDeadline reports whether the task carries a deadline at all.
func (t Task) HasDeadline() bool {
	return !t.Deadline.IsZero()
}

// CreateTaskPayload is the body of POST /tasks.
type CreateTaskPayload struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Deadline    time.Time `json:"deadline"`
	Assignee    Assignee  `json:"assignee"`
}

// UpdateTaskPayload is the partial body of PUT /tasks/{id}. Nil fields are omitted.
type UpdateTaskPayload struct {
	Status   *Status `json:"status,omitempty"`
	IsHidden *bool   `json:"isHidden,omitempty"`
}
