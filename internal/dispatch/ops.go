package dispatch

import (
	"context"

	"github.com/ldi/tasktrack/pkg/models"
)

// Operation names accepted in Request.Op.
const (
	OpCreateProject    = "create_project"
	OpGetProject       = "get_project"
	OpListProjects     = "list_projects"
	OpDeleteProject    = "delete_project"
	OpCreateTask       = "create_task"
	OpGetTask          = "get_task"
	OpListTasks        = "list_tasks"
	OpListOverdueTasks = "list_overdue_tasks"
	OpUpdateTask       = "update_task"
	OpCompleteTask     = "complete_task"
	OpDeleteTask       = "delete_task"
)

type ProjectList struct {
	Projects []*models.Project `json:"projects"`
}

type TaskList struct {
	Tasks []models.TaskView `json:"tasks"`
}

type ProjectDeleted struct {
	ProjectID    int64 `json:"project_id"`
	DeletedTasks int64 `json:"deleted_tasks"`
}

type TaskDeleted struct {
	TaskID  int64 `json:"task_id"`
	Deleted bool  `json:"deleted"`
}

func (d *Dispatcher) createProject(ctx context.Context, p *params) (any, error) {
	name := p.str("name", true)
	if err := p.err(); err != nil {
		return nil, err
	}
	return d.svc.CreateProject(ctx, *name)
}

func (d *Dispatcher) getProject(ctx context.Context, p *params) (any, error) {
	id := p.id("project_id", true)
	if err := p.err(); err != nil {
		return nil, err
	}
	return d.svc.GetProject(ctx, *id)
}

func (d *Dispatcher) listProjects(ctx context.Context, _ *params) (any, error) {
	projects, err := d.svc.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	return ProjectList{Projects: projects}, nil
}

func (d *Dispatcher) deleteProject(ctx context.Context, p *params) (any, error) {
	id := p.id("project_id", true)
	if err := p.err(); err != nil {
		return nil, err
	}
	removed, err := d.svc.DeleteProject(ctx, *id)
	if err != nil {
		return nil, err
	}
	return ProjectDeleted{ProjectID: *id, DeletedTasks: removed}, nil
}

func (d *Dispatcher) createTask(ctx context.Context, p *params) (any, error) {
	in := models.NewTask{}
	projectID := p.id("project_id", true)
	desc := p.str("description", true)
	in.Priority = p.integer("priority", false)
	in.DueDate = p.dueDate("due_date")
	if err := p.err(); err != nil {
		return nil, err
	}
	in.ProjectID = *projectID
	in.Description = *desc

	t, err := d.svc.CreateTask(ctx, in)
	if err != nil {
		return nil, err
	}
	return t.View(d.svc.Now()), nil
}

func (d *Dispatcher) getTask(ctx context.Context, p *params) (any, error) {
	id := p.id("task_id", true)
	if err := p.err(); err != nil {
		return nil, err
	}
	t, err := d.svc.GetTask(ctx, *id)
	if err != nil {
		return nil, err
	}
	return t.View(d.svc.Now()), nil
}

func (d *Dispatcher) listTasks(ctx context.Context, p *params) (any, error) {
	projectID := p.id("project_id", true)
	status := p.status("status")
	if err := p.err(); err != nil {
		return nil, err
	}
	tasks, err := d.svc.ListTasks(ctx, *projectID, status)
	if err != nil {
		return nil, err
	}
	return d.views(tasks), nil
}

func (d *Dispatcher) listOverdueTasks(ctx context.Context, p *params) (any, error) {
	projectID := p.id("project_id", false)
	if err := p.err(); err != nil {
		return nil, err
	}
	tasks, err := d.svc.ListOverdueTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return d.views(tasks), nil
}

// updateTask treats an explicit null priority or due_date as "clear".
func (d *Dispatcher) updateTask(ctx context.Context, p *params) (any, error) {
	id := p.id("task_id", true)

	var patch models.TaskPatch
	if p.has("description") {
		if p.isNull("description") {
			p.verr.Add("description", "must not be null")
		} else {
			patch.Description = p.str("description", false)
		}
	}
	if p.isNull("priority") {
		patch.ClearPriority = true
	} else {
		patch.Priority = p.integer("priority", false)
	}
	if p.isNull("due_date") {
		patch.ClearDueDate = true
	} else {
		patch.DueDate = p.dueDate("due_date")
	}
	if p.isNull("status") {
		p.verr.Add("status", "must not be null")
	} else {
		patch.Status = p.status("status")
	}
	if err := p.err(); err != nil {
		return nil, err
	}

	t, err := d.svc.UpdateTask(ctx, *id, patch)
	if err != nil {
		return nil, err
	}
	return t.View(d.svc.Now()), nil
}

func (d *Dispatcher) completeTask(ctx context.Context, p *params) (any, error) {
	id := p.id("task_id", true)
	if err := p.err(); err != nil {
		return nil, err
	}
	t, err := d.svc.CompleteTask(ctx, *id)
	if err != nil {
		return nil, err
	}
	return t.View(d.svc.Now()), nil
}

func (d *Dispatcher) deleteTask(ctx context.Context, p *params) (any, error) {
	id := p.id("task_id", true)
	if err := p.err(); err != nil {
		return nil, err
	}
	if err := d.svc.DeleteTask(ctx, *id); err != nil {
		return nil, err
	}
	return TaskDeleted{TaskID: *id, Deleted: true}, nil
}

func (d *Dispatcher) views(tasks []*models.Task) TaskList {
	now := d.svc.Now()
	out := make([]models.TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.View(now))
	}
	return TaskList{Tasks: out}
}
