// Package dispatch turns protocol requests into coordinator calls.
//
// Dispatch never fails: every outcome, including a panicking handler, is
// reported as a Response. Inputs are validated before the coordinator is
// reached, and storage or unexpected failures are reported with a generic
// message while the details go to the log.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/ldi/tasktrack/internal/apperr"
	"github.com/ldi/tasktrack/internal/logging"
	"github.com/ldi/tasktrack/internal/telemetry"
	"github.com/ldi/tasktrack/pkg/models"
)

// Service is the coordinator surface the dispatcher calls into.
type Service interface {
	CreateProject(ctx context.Context, name string) (*models.Project, error)
	GetProject(ctx context.Context, id int64) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	DeleteProject(ctx context.Context, id int64) (int64, error)
	CreateTask(ctx context.Context, in models.NewTask) (*models.Task, error)
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	ListTasks(ctx context.Context, projectID int64, status *models.TaskStatus) ([]*models.Task, error)
	ListOverdueTasks(ctx context.Context, projectID *int64) ([]*models.Task, error)
	UpdateTask(ctx context.Context, id int64, patch models.TaskPatch) (*models.Task, error)
	CompleteTask(ctx context.Context, id int64) (*models.Task, error)
	DeleteTask(ctx context.Context, id int64) error
	Now() time.Time
}

// Request is one inbound operation. ID is echoed back verbatim.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Kind    apperr.Kind       `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type handlerFunc func(ctx context.Context, p *params) (any, error)

type Dispatcher struct {
	svc      Service
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	handlers map[string]handlerFunc
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func New(svc Service, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		svc:    svc,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.handlers = map[string]handlerFunc{
		OpCreateProject:    d.createProject,
		OpGetProject:       d.getProject,
		OpListProjects:     d.listProjects,
		OpDeleteProject:    d.deleteProject,
		OpCreateTask:       d.createTask,
		OpGetTask:          d.getTask,
		OpListTasks:        d.listTasks,
		OpListOverdueTasks: d.listOverdueTasks,
		OpUpdateTask:       d.updateTask,
		OpCompleteTask:     d.completeTask,
		OpDeleteTask:       d.deleteTask,
	}
	return d
}

// Ops returns the supported operation names in sorted order.
func (d *Dispatcher) Ops() []string {
	ops := make([]string, 0, len(d.handlers))
	for op := range d.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Dispatch executes req and always returns a response carrying req.ID.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (resp Response) {
	start := time.Now()
	logger := d.logger.With(slog.String("op", req.Op))
	ctx = logging.WithLogger(ctx, logger)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "request handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			resp = errorResponse(req.ID, fmt.Errorf("panic: %v: %w", r, apperr.ErrInternal))
		}
		var kind string
		if resp.Error != nil {
			kind = string(resp.Error.Kind)
		}
		d.metrics.RecordRequest(ctx, req.Op, kind, time.Since(start))
	}()

	handler, ok := d.handlers[req.Op]
	if !ok {
		return errorResponse(req.ID, apperr.Validation("op", fmt.Sprintf("unknown operation %q", req.Op)))
	}

	p, err := parseParams(req.Params)
	if err != nil {
		return errorResponse(req.ID, err)
	}

	result, err := handler(ctx, p)
	if err != nil {
		d.logFailure(ctx, logger, err)
		return errorResponse(req.ID, err)
	}
	return Response{ID: req.ID, OK: true, Result: result}
}

func (d *Dispatcher) logFailure(ctx context.Context, logger *slog.Logger, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindStorage, apperr.KindInternal:
		logger.ErrorContext(ctx, "request failed", slog.Any("error", err))
	default:
		logger.DebugContext(ctx, "request rejected", slog.Any("error", err))
	}
}

// errorResponse renders err for the wire. Only validation, not-found and
// conflict errors keep their message.
func errorResponse(id json.RawMessage, err error) Response {
	kind := apperr.KindOf(err)
	body := &ErrorBody{Kind: kind}

	switch kind {
	case apperr.KindValidation:
		body.Message = err.Error()
		var verr *apperr.ValidationError
		if errors.As(err, &verr) {
			body.Fields = verr.Fields
		}
	case apperr.KindNotFound, apperr.KindConflict:
		body.Message = err.Error()
	case apperr.KindStorage:
		body.Message = "storage unavailable, try again later"
	case apperr.KindCanceled:
		body.Message = "request canceled"
	default:
		body.Kind = apperr.KindInternal
		body.Message = "internal error"
	}

	return Response{ID: id, OK: false, Error: body}
}
