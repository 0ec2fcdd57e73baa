// Package coordinator serializes mutations per project in front of the store.
//
// Every mutation that touches a project's tasks takes that project's FIFO
// lock, so concurrent requests against one project apply in arrival order
// while different projects proceed in parallel. Once the lock is held the
// store call runs detached from the caller's cancellation: a request is
// either abandoned while queued or carried through to commit.
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ldi/tasktrack/internal/logging"
	"github.com/ldi/tasktrack/internal/telemetry"
	"github.com/ldi/tasktrack/pkg/models"
)

// Store is the persistence contract the coordinator drives.
type Store interface {
	CreateProject(ctx context.Context, name string) (*models.Project, error)
	GetProject(ctx context.Context, id int64) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	DeleteProject(ctx context.Context, id int64) (int64, error)
	CreateTask(ctx context.Context, in models.NewTask) (*models.Task, error)
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	ListTasks(ctx context.Context, projectID int64, status *models.TaskStatus) ([]*models.Task, error)
	ListOverdueTasks(ctx context.Context, projectID *int64, now time.Time) ([]*models.Task, error)
	UpdateTask(ctx context.Context, id int64, patch models.TaskPatch) (*models.Task, error)
	CompleteTask(ctx context.Context, id int64) (*models.Task, error)
	DeleteTask(ctx context.Context, id int64) error
}

type Coordinator struct {
	store   Store
	locks   *keyedLock
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Coordinator)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the clock used to decide overdue tasks.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func New(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		locks:  newKeyedLock(),
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the coordinator's notion of the current time.
func (c *Coordinator) Now() time.Time {
	return c.now()
}

// withProject runs fn while holding projectID's lock. Cancellation of ctx
// only has an effect while waiting.
func (c *Coordinator) withProject(ctx context.Context, op string, projectID int64, fn func(ctx context.Context) error) error {
	start := time.Now()
	release, err := c.locks.Acquire(ctx, projectID)
	if err != nil {
		logging.FromContextOr(ctx, c.logger).DebugContext(ctx, "gave up waiting for project lock",
			slog.String("operation", op),
			slog.Int64("project_id", projectID),
			slog.Any("error", err),
		)
		return err
	}
	defer release()

	c.metrics.RecordLockWait(ctx, op, time.Since(start))
	return fn(context.WithoutCancel(ctx))
}

// withTask resolves the task's project and runs fn under that project's lock.
func (c *Coordinator) withTask(ctx context.Context, op string, taskID int64, fn func(ctx context.Context) error) error {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return c.withProject(ctx, op, t.ProjectID, fn)
}

// CreateProject is not project scoped; the store's uniqueness constraint
// orders competing names.
func (c *Coordinator) CreateProject(ctx context.Context, name string) (*models.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.store.CreateProject(context.WithoutCancel(ctx), name)
}

func (c *Coordinator) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	return c.store.GetProject(ctx, id)
}

func (c *Coordinator) ListProjects(ctx context.Context) ([]*models.Project, error) {
	return c.store.ListProjects(ctx)
}

// DeleteProject removes the project and its tasks, returning how many tasks went with it.
func (c *Coordinator) DeleteProject(ctx context.Context, id int64) (int64, error) {
	var removed int64
	err := c.withProject(ctx, "delete_project", id, func(ctx context.Context) error {
		var err error
		removed, err = c.store.DeleteProject(ctx, id)
		return err
	})
	return removed, err
}

func (c *Coordinator) CreateTask(ctx context.Context, in models.NewTask) (*models.Task, error) {
	var t *models.Task
	err := c.withProject(ctx, "create_task", in.ProjectID, func(ctx context.Context) error {
		var err error
		t, err = c.store.CreateTask(ctx, in)
		return err
	})
	return t, err
}

func (c *Coordinator) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	return c.store.GetTask(ctx, id)
}

func (c *Coordinator) ListTasks(ctx context.Context, projectID int64, status *models.TaskStatus) ([]*models.Task, error) {
	return c.store.ListTasks(ctx, projectID, status)
}

// ListOverdueTasks lists open tasks due before today, for one project or all when projectID is nil.
func (c *Coordinator) ListOverdueTasks(ctx context.Context, projectID *int64) ([]*models.Task, error) {
	return c.store.ListOverdueTasks(ctx, projectID, c.now())
}

func (c *Coordinator) UpdateTask(ctx context.Context, id int64, patch models.TaskPatch) (*models.Task, error) {
	var t *models.Task
	err := c.withTask(ctx, "update_task", id, func(ctx context.Context) error {
		var err error
		t, err = c.store.UpdateTask(ctx, id, patch)
		return err
	})
	return t, err
}

func (c *Coordinator) CompleteTask(ctx context.Context, id int64) (*models.Task, error) {
	var t *models.Task
	err := c.withTask(ctx, "complete_task", id, func(ctx context.Context) error {
		var err error
		t, err = c.store.CompleteTask(ctx, id)
		return err
	})
	return t, err
}

func (c *Coordinator) DeleteTask(ctx context.Context, id int64) error {
	return c.withTask(ctx, "delete_task", id, func(ctx context.Context) error {
		return c.store.DeleteTask(ctx, id)
	})
}
