package coordinator

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ldi/tasktrack/internal/apperr"
	"github.com/ldi/tasktrack/internal/db"
	"github.com/ldi/tasktrack/internal/logging"
	"github.com/ldi/tasktrack/internal/telemetry"
	"github.com/ldi/tasktrack/pkg/models"
)

func newStore(t *testing.T) *db.DB {
	t.Helper()

	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Init(context.Background()))
	return store
}

// cancelingStore cancels the caller's context as soon as the store is reached.
type cancelingStore struct {
	*db.DB
	cancel context.CancelFunc
}

func (s *cancelingStore) CreateTask(ctx context.Context, in models.NewTask) (*models.Task, error) {
	s.cancel()
	return s.DB.CreateTask(ctx, in)
}

func TestCoordinator_CreateAndComplete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(newStore(t), WithClock(func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}))

	p, err := c.CreateProject(ctx, "Launch")
	require.NoError(t, err)

	due := "2020-01-01"
	task, err := c.CreateTask(ctx, models.NewTask{ProjectID: p.ID, Description: "Write brief", DueDate: &due})
	require.NoError(t, err)

	overdue, err := c.ListOverdueTasks(ctx, &p.ID)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, task.ID, overdue[0].ID)

	done, err := c.CompleteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.False(t, done.IsOverdue(c.Now()))

	overdue, err = c.ListOverdueTasks(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	assert.Zero(t, c.locks.size(), "locks are released after use")
}

func TestCoordinator_ErrorsPassThrough(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(newStore(t))

	_, err := c.CreateTask(ctx, models.NewTask{ProjectID: 404, Description: "x"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = c.UpdateTask(ctx, 404, models.TaskPatch{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	err = c.DeleteTask(ctx, 404)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = c.DeleteProject(ctx, 404)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = c.CreateProject(ctx, "Dup")
	require.NoError(t, err)
	_, err = c.CreateProject(ctx, "Dup")
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestCoordinator_ConcurrentCreatesSameProject(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(newStore(t))

	p, err := c.CreateProject(ctx, "Busy")
	require.NoError(t, err)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.CreateTask(ctx, models.NewTask{ProjectID: p.ID, Description: "parallel"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tasks, err := c.ListTasks(ctx, p.ID, nil)
	require.NoError(t, err)
	require.Len(t, tasks, n)

	seen := make(map[int64]bool)
	for _, task := range tasks {
		assert.False(t, seen[task.ID], "duplicate id %d", task.ID)
		seen[task.ID] = true
	}
}

func TestCoordinator_CancelWhileQueuedHasNoEffect(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	c := New(store)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, "Queued")
	require.NoError(t, err)

	release, err := c.locks.Acquire(ctx, p.ID)
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := c.CreateTask(reqCtx, models.NewTask{ProjectID: p.ID, Description: "never"})
		done <- err
	}()
	waitForWaiters(t, c.locks, p.ID, 1)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	release()

	tasks, err := c.ListTasks(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCoordinator_LogsWithRequestLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	requestLogger := logging.New("debug", "json", &buf).With(slog.String("op", "create_task"))

	store := newStore(t)
	c := New(store)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, "Logged")
	require.NoError(t, err)

	release, err := c.locks.Acquire(ctx, p.ID)
	require.NoError(t, err)
	defer release()

	reqCtx, cancel := context.WithCancel(logging.WithLogger(ctx, requestLogger))
	done := make(chan error, 1)
	go func() {
		_, err := c.CreateTask(reqCtx, models.NewTask{ProjectID: p.ID, Description: "never"})
		done <- err
	}()
	waitForWaiters(t, c.locks, p.ID, 1)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Contains(t, buf.String(), "gave up waiting for project lock")
	assert.Contains(t, buf.String(), `"op":"create_task"`)
}

func TestCoordinator_CancelAfterLockStillCommits(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &cancelingStore{DB: newStore(t), cancel: cancel}
	c := New(store)

	p, err := c.CreateProject(context.Background(), "Committed")
	require.NoError(t, err)

	task, err := c.CreateTask(ctx, models.NewTask{ProjectID: p.ID, Description: "survives"})
	require.NoError(t, err)
	assert.Error(t, ctx.Err(), "caller context was canceled mid-flight")

	got, err := c.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "survives", got.Description)
}

func TestCoordinator_DeleteProjectWhileTaskQueued(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(newStore(t))

	p, err := c.CreateProject(ctx, "Doomed")
	require.NoError(t, err)
	_, err = c.CreateTask(ctx, models.NewTask{ProjectID: p.ID, Description: "first"})
	require.NoError(t, err)

	release, err := c.locks.Acquire(ctx, p.ID)
	require.NoError(t, err)

	deleted := make(chan int64, 1)
	go func() {
		removed, err := c.DeleteProject(ctx, p.ID)
		assert.NoError(t, err)
		deleted <- removed
	}()
	waitForWaiters(t, c.locks, p.ID, 1)

	created := make(chan error, 1)
	go func() {
		_, err := c.CreateTask(ctx, models.NewTask{ProjectID: p.ID, Description: "late"})
		created <- err
	}()
	waitForWaiters(t, c.locks, p.ID, 2)

	release()
	assert.Equal(t, int64(1), <-deleted)
	assert.ErrorIs(t, <-created, apperr.ErrNotFound, "the delete was queued first")
}

func TestCoordinator_RecordsLockWait(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	metrics, err := telemetry.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	ctx := context.Background()
	c := New(newStore(t), WithMetrics(metrics))

	p, err := c.CreateProject(ctx, "Metered")
	require.NoError(t, err)
	_, err = c.CreateTask(ctx, models.NewTask{ProjectID: p.ID, Description: "one"})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	var found bool
	for _, m := range rm.ScopeMetrics[0].Metrics {
		if m.Name == "tasktrack.lock.wait" {
			hist := m.Data.(metricdata.Histogram[float64])
			require.Len(t, hist.DataPoints, 1)
			assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
			found = true
		}
	}
	assert.True(t, found, "lock wait histogram recorded")
}
