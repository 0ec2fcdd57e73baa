package models

import "time"

// DueDateLayout is the calendar-date format accepted for Task.DueDate.
const DueDateLayout = "2006-01-02"

type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusCompleted TaskStatus = "completed"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return s == TaskStatusOpen || s == TaskStatusCompleted
}

type Task struct {
	ID          int64      `json:"task_id"`
	ProjectID   int64      `json:"project_id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Priority    *int64     `json:"priority"`
	DueDate     *string    `json:"due_date"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MarkComplete sets the task to completed and stamps UpdatedAt with now.
// UpdatedAt never moves backwards.
func (t *Task) MarkComplete(now time.Time) {
	t.Status = TaskStatusCompleted
	t.Touch(now)
}

// Touch stamps UpdatedAt, keeping it monotonic and not before CreatedAt.
func (t *Task) Touch(now time.Time) {
	t.UpdatedAt = Stamp(now, t.CreatedAt, t.UpdatedAt)
}

// IsOverdue reports whether the task has a due date strictly before now's
// calendar day and is not completed. An unparseable due date is never overdue.
func (t *Task) IsOverdue(now time.Time) bool {
	if t.DueDate == nil || *t.DueDate == "" || t.Status == TaskStatusCompleted {
		return false
	}
	due, err := time.ParseInLocation(DueDateLayout, *t.DueDate, now.Location())
	if err != nil {
		return false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return due.Before(today)
}

// ParseDueDate validates a calendar date in DueDateLayout.
func ParseDueDate(s string) (time.Time, error) {
	return time.Parse(DueDateLayout, s)
}

// Stamp returns the latest of now and the given previous timestamps.
func Stamp(now time.Time, previous ...time.Time) time.Time {
	latest := now
	for _, p := range previous {
		if p.After(latest) {
			latest = p
		}
	}
	return latest
}

// TaskPatch carries a partial task update. Nil fields are left unchanged;
// the Clear flags null out optional columns.
type TaskPatch struct {
	Description   *string     `json:"description,omitempty"`
	Priority      *int64      `json:"priority,omitempty"`
	ClearPriority bool        `json:"clear_priority,omitempty"`
	DueDate       *string     `json:"due_date,omitempty"`
	ClearDueDate  bool        `json:"clear_due_date,omitempty"`
	Status        *TaskStatus `json:"status,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Description == nil && p.Priority == nil && !p.ClearPriority &&
		p.DueDate == nil && !p.ClearDueDate && p.Status == nil
}

// Apply writes the patch onto t without stamping timestamps.
func (p TaskPatch) Apply(t *Task) {
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.ClearPriority {
		t.Priority = nil
	} else if p.Priority != nil {
		v := *p.Priority
		t.Priority = &v
	}
	if p.ClearDueDate {
		t.DueDate = nil
	} else if p.DueDate != nil {
		v := *p.DueDate
		t.DueDate = &v
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
}

// TaskView is a Task with its derived overdue flag, as returned to clients.
type TaskView struct {
	*Task
	Overdue bool `json:"overdue"`
}

// View returns t with the overdue flag evaluated at now.
func (t *Task) View(now time.Time) TaskView {
	return TaskView{Task: t, Overdue: t.IsOverdue(now)}
}

// NewTask holds the caller-supplied fields of a task to create.
type NewTask struct {
	ProjectID   int64   `json:"project_id"`
	Description string  `json:"description"`
	Priority    *int64  `json:"priority,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
}
