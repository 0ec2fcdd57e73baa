package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ldi/tasktrack/internal/apperr"
	"github.com/ldi/tasktrack/pkg/models"
)

const taskColumns = `task_id, project_id, description, status, priority, due_date, created_at, updated_at`

// CreateTask inserts a new open task under an existing project and bumps the
// project's activity timestamp in the same transaction.
func (db *DB) CreateTask(ctx context.Context, in models.NewTask) (*models.Task, error) {
	if err := validateNewTask(&in); err != nil {
		return nil, err
	}

	var t *models.Task
	err := db.withTx(ctx, "create task", func(exec executor) error {
		var err error
		t, err = db.createTask(ctx, exec, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	db.triggerChange(ctx)
	return t, nil
}

func (db *DB) createTask(ctx context.Context, exec executor, in models.NewTask) (*models.Task, error) {
	if _, err := getProject(ctx, exec, in.ProjectID); err != nil {
		return nil, err
	}

	now := db.now()
	t := &models.Task{
		ProjectID:   in.ProjectID,
		Description: in.Description,
		Status:      models.TaskStatusOpen,
		Priority:    in.Priority,
		DueDate:     in.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	res, err := exec.ExecContext(ctx, `
		INSERT INTO tasks (project_id, description, status, priority, due_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ProjectID, t.Description, t.Status, t.Priority, t.DueDate, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	t.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read task id: %w", err)
	}

	if err := db.touchProject(ctx, exec, t.ProjectID); err != nil {
		return nil, err
	}
	return t, nil
}

// GetTask retrieves a task by its ID.
func (db *DB) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var t *models.Task
	err := db.withTx(ctx, "get task", func(exec executor) error {
		var err error
		t, err = getTask(ctx, exec, id)
		return err
	})
	return t, err
}

func getTask(ctx context.Context, exec executor, id int64) (*models.Task, error) {
	row := exec.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	t := &models.Task{}
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Description, &t.Status, &t.Priority, &t.DueDate, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns a project's tasks in creation order, optionally filtered by status.
func (db *DB) ListTasks(ctx context.Context, projectID int64, status *models.TaskStatus) ([]*models.Task, error) {
	if status != nil && !status.Valid() {
		return nil, apperr.Validation("status", fmt.Sprintf("unknown status %q", *status))
	}

	var tasks []*models.Task
	err := db.withTx(ctx, "list tasks", func(exec executor) error {
		if _, err := getProject(ctx, exec, projectID); err != nil {
			return err
		}

		query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ?`
		args := []any{projectID}
		if status != nil {
			query += " AND status = ?"
			args = append(args, *status)
		}
		query += " ORDER BY task_id ASC"

		var err error
		tasks, err = queryTasks(ctx, exec, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListAllTasks returns every task across projects in creation order.
func (db *DB) ListAllTasks(ctx context.Context) ([]*models.Task, error) {
	var tasks []*models.Task
	err := db.withTx(ctx, "list all tasks", func(exec executor) error {
		var err error
		tasks, err = queryTasks(ctx, exec, `SELECT `+taskColumns+` FROM tasks ORDER BY task_id ASC`)
		return err
	})
	return tasks, err
}

// ListOverdueTasks returns open tasks whose due date is before now's calendar
// day. A nil projectID searches all projects. Rows with unparseable due dates
// are skipped.
func (db *DB) ListOverdueTasks(ctx context.Context, projectID *int64, now time.Time) ([]*models.Task, error) {
	var candidates []*models.Task
	err := db.withTx(ctx, "list overdue tasks", func(exec executor) error {
		query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? AND due_date IS NOT NULL`
		args := []any{models.TaskStatusOpen}
		if projectID != nil {
			if _, err := getProject(ctx, exec, *projectID); err != nil {
				return err
			}
			query += " AND project_id = ?"
			args = append(args, *projectID)
		}
		query += " ORDER BY task_id ASC"

		var err error
		candidates, err = queryTasks(ctx, exec, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}

	overdue := make([]*models.Task, 0, len(candidates))
	for _, t := range candidates {
		if t.IsOverdue(now) {
			overdue = append(overdue, t)
		}
	}
	return overdue, nil
}

// queryTasks is a helper to execute a query that returns a list of tasks.
func queryTasks(ctx context.Context, exec executor, query string, args ...any) ([]*models.Task, error) {
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return tasks, nil
}

// UpdateTask applies a partial update and stamps updated_at. An empty patch
// returns the current row without writing.
func (db *DB) UpdateTask(ctx context.Context, id int64, patch models.TaskPatch) (*models.Task, error) {
	if err := validatePatch(&patch); err != nil {
		return nil, err
	}

	var t *models.Task
	err := db.withTx(ctx, "update task", func(exec executor) error {
		var err error
		t, err = getTask(ctx, exec, id)
		if err != nil {
			return err
		}
		if patch.Empty() {
			return nil
		}

		patch.Apply(t)
		t.Touch(db.now())
		return db.writeTask(ctx, exec, t)
	})
	if err != nil {
		return nil, err
	}

	if !patch.Empty() {
		db.triggerChange(ctx)
	}
	return t, nil
}

// CompleteTask marks a task completed. Completing an already completed task
// is a no-op and leaves updated_at untouched.
func (db *DB) CompleteTask(ctx context.Context, id int64) (*models.Task, error) {
	var (
		t       *models.Task
		changed bool
	)
	err := db.withTx(ctx, "complete task", func(exec executor) error {
		var err error
		t, err = getTask(ctx, exec, id)
		if err != nil {
			return err
		}
		if t.Status == models.TaskStatusCompleted {
			return nil
		}

		t.MarkComplete(db.now())
		changed = true
		return db.writeTask(ctx, exec, t)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		db.triggerChange(ctx)
	}
	return t, nil
}

func (db *DB) writeTask(ctx context.Context, exec executor, t *models.Task) error {
	res, err := exec.ExecContext(ctx, `
		UPDATE tasks
		SET description = ?, status = ?, priority = ?, due_date = ?, updated_at = ?
		WHERE task_id = ?
	`, t.Description, t.Status, t.Priority, t.DueDate, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperr.NotFound("task", t.ID)
	}

	return db.touchProject(ctx, exec, t.ProjectID)
}

// DeleteTask deletes a task by its ID.
func (db *DB) DeleteTask(ctx context.Context, id int64) error {
	err := db.withTx(ctx, "delete task", func(exec executor) error {
		t, err := getTask(ctx, exec, id)
		if err != nil {
			return err
		}

		if _, err := exec.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}

		return db.touchProject(ctx, exec, t.ProjectID)
	})
	if err != nil {
		return err
	}

	db.triggerChange(ctx)
	return nil
}

func validateNewTask(in *models.NewTask) error {
	verr := &apperr.ValidationError{}

	if in.ProjectID <= 0 {
		verr.Add("project_id", "must be a positive integer")
	}
	in.Description = strings.TrimSpace(in.Description)
	if in.Description == "" {
		verr.Add("description", "must not be empty")
	}
	if in.DueDate != nil {
		if _, err := models.ParseDueDate(*in.DueDate); err != nil {
			verr.Add("due_date", "must be a calendar date in YYYY-MM-DD form")
		}
	}

	return verr.OrNil()
}

func validatePatch(p *models.TaskPatch) error {
	verr := &apperr.ValidationError{}

	if p.Description != nil {
		desc := strings.TrimSpace(*p.Description)
		if desc == "" {
			verr.Add("description", "must not be empty")
		}
		p.Description = &desc
	}
	if p.DueDate != nil && !p.ClearDueDate {
		if _, err := models.ParseDueDate(*p.DueDate); err != nil {
			verr.Add("due_date", "must be a calendar date in YYYY-MM-DD form")
		}
	}
	if p.Status != nil && !p.Status.Valid() {
		verr.Add("status", fmt.Sprintf("unknown status %q", *p.Status))
	}

	return verr.OrNil()
}
