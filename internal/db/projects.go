package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ldi/tasktrack/internal/apperr"
	"github.com/ldi/tasktrack/pkg/models"
)

const projectColumns = `project_id, project_name, created_at, last_activity_at`

// CreateProject inserts a project. Names are trimmed and must be unique.
func (db *DB) CreateProject(ctx context.Context, name string) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("project_name", "must not be empty")
	}

	var p *models.Project
	err := db.withTx(ctx, "create project", func(exec executor) error {
		var err error
		p, err = db.createProject(ctx, exec, name)
		return err
	})
	if err != nil {
		return nil, err
	}

	db.triggerChange(ctx)
	return p, nil
}

func (db *DB) createProject(ctx context.Context, exec executor, name string) (*models.Project, error) {
	now := db.now()
	p := &models.Project{Name: name, CreatedAt: now, LastActivityAt: now}

	res, err := exec.ExecContext(ctx,
		`INSERT INTO projects (project_name, created_at, last_activity_at) VALUES (?, ?, ?)`,
		p.Name, p.CreatedAt, p.LastActivityAt,
	)
	if err != nil {
		if errors.Is(classify("create project", err), apperr.ErrConflict) {
			return nil, apperr.Conflict("project %q already exists", name)
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	p.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read project id: %w", err)
	}
	return p, nil
}

// GetProject retrieves a project by its ID.
func (db *DB) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	var p *models.Project
	err := db.withTx(ctx, "get project", func(exec executor) error {
		var err error
		p, err = getProject(ctx, exec, id)
		return err
	})
	return p, err
}

// GetProjectByName retrieves a project by its unique name.
func (db *DB) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	var p *models.Project
	err := db.withTx(ctx, "get project by name", func(exec executor) error {
		row := exec.QueryRowContext(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE project_name = ?`, strings.TrimSpace(name))
		var err error
		p, err = scanProject(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("project", fmt.Sprintf("%q", name))
		}
		return err
	})
	return p, err
}

func getProject(ctx context.Context, exec executor, id int64) (*models.Project, error) {
	row := exec.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE project_id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

func scanProject(row interface{ Scan(...any) error }) (*models.Project, error) {
	p := &models.Project{}
	if err := row.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.LastActivityAt); err != nil {
		return nil, err
	}
	return p, nil
}

// ListProjects returns all projects in creation order.
func (db *DB) ListProjects(ctx context.Context) ([]*models.Project, error) {
	var projects []*models.Project
	err := db.withTx(ctx, "list projects", func(exec executor) error {
		var err error
		projects, err = listProjects(ctx, exec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return projects, nil
}

func listProjects(ctx context.Context, exec executor) ([]*models.Project, error) {
	rows, err := exec.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY project_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []*models.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return projects, nil
}

// DeleteProject deletes a project and, through the foreign key cascade, all
// of its tasks in the same transaction. It returns the number of tasks removed.
func (db *DB) DeleteProject(ctx context.Context, id int64) (int64, error) {
	var removed int64
	err := db.withTx(ctx, "delete project", func(exec executor) error {
		if err := exec.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE project_id = ?`, id).Scan(&removed); err != nil {
			return fmt.Errorf("failed to count project tasks: %w", err)
		}

		res, err := exec.ExecContext(ctx, `DELETE FROM projects WHERE project_id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return apperr.NotFound("project", id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	db.triggerChange(ctx)
	return removed, nil
}

// touchProject bumps a project's last activity inside the caller's transaction.
func (db *DB) touchProject(ctx context.Context, exec executor, id int64) error {
	res, err := exec.ExecContext(ctx,
		`UPDATE projects SET last_activity_at = ? WHERE project_id = ?`, db.now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch project: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperr.NotFound("project", id)
	}
	return nil
}
