package db

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ldi/tasktrack/internal/apperr"
	"github.com/ldi/tasktrack/internal/logging"
	"github.com/ldi/tasktrack/pkg/models"
)

const snapshotVersion = 1

type snapshotMeta struct {
	RecordType string    `json:"record_type"`
	Version    int       `json:"version"`
	ExportID   string    `json:"export_id"`
	ExportedAt time.Time `json:"exported_at"`
}

type snapshotProject struct {
	RecordType string `json:"record_type"`
	*models.Project
}

type snapshotTask struct {
	RecordType  string `json:"record_type"`
	ProjectName string `json:"project_name"`
	*models.Task
}

// EnableAutoSnapshot sets up a hook that automatically exports a snapshot
// to the given path after every successful write operation.
func (db *DB) EnableAutoSnapshot(path string) {
	db.SetOnChange(func(ctx context.Context) {
		// Hooks are best-effort; a failed export must not fail the write.
		if err := db.ExportSnapshot(ctx, path); err != nil {
			logging.FromContextOr(ctx, db.logger).WarnContext(ctx, "auto snapshot failed", "path", path, "error", err)
		}
	})
}

// ExportSnapshot writes every project and task as JSON lines to path,
// atomically via a temporary file in the same directory. Both tables are read
// in one transaction, and exports are serialized so a later export never gets
// renamed over by an older view.
func (db *DB) ExportSnapshot(ctx context.Context, path string) error {
	db.snapshotMu.Lock()
	defer db.snapshotMu.Unlock()

	var (
		projects []*models.Project
		tasks    []*models.Task
	)
	err := db.withTx(ctx, "export snapshot", func(exec executor) error {
		var err error
		if projects, err = listProjects(ctx, exec); err != nil {
			return err
		}
		tasks, err = queryTasks(ctx, exec, `SELECT `+taskColumns+` FROM tasks ORDER BY task_id ASC`)
		return err
	})
	if err != nil {
		return err
	}

	names := make(map[int64]string, len(projects))
	for _, p := range projects {
		names[p.ID] = p.Name
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "snapshot-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	w := bufio.NewWriter(tempFile)
	enc := json.NewEncoder(w)

	if err := enc.Encode(snapshotMeta{
		RecordType: "meta",
		Version:    snapshotVersion,
		ExportID:   uuid.New().String(),
		ExportedAt: db.now(),
	}); err != nil {
		return fmt.Errorf("failed to write snapshot meta: %w", err)
	}
	for _, p := range projects {
		if err := enc.Encode(snapshotProject{RecordType: "project", Project: p}); err != nil {
			return fmt.Errorf("failed to write snapshot project: %w", err)
		}
	}
	for _, t := range tasks {
		if err := enc.Encode(snapshotTask{RecordType: "task", ProjectName: names[t.ProjectID], Task: t}); err != nil {
			return fmt.Errorf("failed to write snapshot task: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	filename := tempFile.Name()
	tempFile = nil // Prevent defer from removing it

	if err := os.Rename(filename, path); err != nil {
		os.Remove(filename)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// ImportSnapshot reads a JSONL snapshot and merges it into the database in a
// single transaction. Projects are matched by name; tasks are matched by id
// when the existing row belongs to the same project, otherwise inserted anew.
func (db *DB) ImportSnapshot(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	err = db.withTx(ctx, "import snapshot", func(exec executor) error {
		if _, err := file.Seek(0, 0); err != nil {
			return fmt.Errorf("failed to rewind snapshot file: %w", err)
		}

		projectIDs := make(map[string]int64)
		rows, err := exec.QueryContext(ctx, "SELECT project_id, project_name FROM projects")
		if err != nil {
			return fmt.Errorf("failed to query projects: %w", err)
		}
		for rows.Next() {
			var id int64
			var name string
			if err := rows.Scan(&id, &name); err != nil {
				rows.Close()
				return err
			}
			projectIDs[name] = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var base struct {
				RecordType string `json:"record_type"`
			}
			if err := json.Unmarshal(line, &base); err != nil {
				return fmt.Errorf("failed to unmarshal base record: %w", err)
			}

			switch base.RecordType {
			case "meta":
				// Skip meta
			case "project":
				var p models.Project
				if err := json.Unmarshal(line, &p); err != nil {
					return fmt.Errorf("failed to unmarshal project: %w", err)
				}
				if err := importProject(ctx, exec, &p, projectIDs); err != nil {
					return err
				}
			case "task":
				var rec struct {
					ProjectName string `json:"project_name"`
					models.Task
				}
				if err := json.Unmarshal(line, &rec); err != nil {
					return fmt.Errorf("failed to unmarshal task: %w", err)
				}
				projectID, ok := projectIDs[rec.ProjectName]
				if !ok {
					return fmt.Errorf("task %d: %w", rec.ID, apperr.NotFound("project", fmt.Sprintf("%q", rec.ProjectName)))
				}
				rec.Task.ProjectID = projectID
				if err := importTask(ctx, exec, &rec.Task); err != nil {
					return err
				}
			}
		}

		if err := scanner.Err(); err != nil {
			return fmt.Errorf("scanner error: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	db.triggerChange(ctx)
	return nil
}

func importProject(ctx context.Context, exec executor, p *models.Project, ids map[string]int64) error {
	if id, exists := ids[p.Name]; exists {
		_, err := exec.ExecContext(ctx,
			`UPDATE projects SET created_at = ?, last_activity_at = ? WHERE project_id = ?`,
			p.CreatedAt, p.LastActivityAt, id)
		if err != nil {
			return fmt.Errorf("failed to sync project %s: %w", p.Name, err)
		}
		return nil
	}

	res, err := exec.ExecContext(ctx,
		`INSERT INTO projects (project_name, created_at, last_activity_at) VALUES (?, ?, ?)`,
		p.Name, p.CreatedAt, p.LastActivityAt)
	if err != nil {
		return fmt.Errorf("failed to insert project %s: %w", p.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read project id: %w", err)
	}
	ids[p.Name] = id
	return nil
}

func importTask(ctx context.Context, exec executor, t *models.Task) error {
	if t.Status == "" {
		t.Status = models.TaskStatusOpen
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		t.UpdatedAt = t.CreatedAt
	}

	var existingProject int64
	err := exec.QueryRowContext(ctx, `SELECT project_id FROM tasks WHERE task_id = ?`, t.ID).Scan(&existingProject)
	switch {
	case err == nil && existingProject == t.ProjectID:
		_, err = exec.ExecContext(ctx, `
			UPDATE tasks SET
				description = ?, status = ?, priority = ?, due_date = ?, created_at = ?, updated_at = ?
			WHERE task_id = ?`,
			t.Description, t.Status, t.Priority, t.DueDate, t.CreatedAt, t.UpdatedAt, t.ID)
		if err != nil {
			return fmt.Errorf("failed to sync task %d: %w", t.ID, err)
		}
		return nil
	case errors.Is(err, sql.ErrNoRows) && t.ID > 0:
		// Free id: keep it so exported references stay valid.
		_, err = exec.ExecContext(ctx, `
			INSERT INTO tasks (task_id, project_id, description, status, priority, due_date, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ProjectID, t.Description, t.Status, t.Priority, t.DueDate, t.CreatedAt, t.UpdatedAt)
	case err == nil || errors.Is(err, sql.ErrNoRows):
		_, err = exec.ExecContext(ctx, `
			INSERT INTO tasks (project_id, description, status, priority, due_date, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ProjectID, t.Description, t.Status, t.Priority, t.DueDate, t.CreatedAt, t.UpdatedAt)
	default:
		return fmt.Errorf("failed to look up task %d: %w", t.ID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to insert task %d: %w", t.ID, err)
	}
	return nil
}
