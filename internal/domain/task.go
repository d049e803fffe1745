package domain

import (
	"time"
)

// Task is a user-created todo item, optionally with a reminder time.
type Task struct {
	ID        string
	UserID    string
	Title     string
	DueAt     *time.Time
	Done      bool
	Reminded  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NeedsReminder returns true if the task is due at or before now and a
// reminder has not yet been sent.
func (t *Task) NeedsReminder(now time.Time) bool {
	return !t.Done && !t.Reminded && t.DueAt != nil && !t.DueAt.After(now)
}
