// Package server is the read-only HTTP status API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ldi/tasktrack/internal/apperr"
	"github.com/ldi/tasktrack/pkg/models"
)

// Reader is the read side of the coordinator.
type Reader interface {
	GetProject(ctx context.Context, id int64) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	ListTasks(ctx context.Context, projectID int64, status *models.TaskStatus) ([]*models.Task, error)
	Now() time.Time
}

// HealthChecker reports whether storage is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type Server struct {
	reader Reader
	health HealthChecker
	state  func() string
	logger *slog.Logger

	mu     sync.Mutex
	server *http.Server
	closed bool
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithState reports the request server state on /healthz.
func WithState(state func() string) Option {
	return func(s *Server) { s.state = state }
}

func NewServer(reader Reader, health HealthChecker, opts ...Option) *Server {
	s := &Server{
		reader: reader,
		health: health,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/projects", s.handleProjects)
		r.Get("/projects/{id}", s.handleProject)
		r.Get("/projects/{id}/tasks", s.handleTasks)
	})
	return r
}

// Start serves on addr until Shutdown. It returns http.ErrServerClosed
// without listening if Shutdown was already called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("status api listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops a running server. Any later Start returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type health struct {
	Status string `json:"status"`
	Server string `json:"server,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := health{Status: "ok"}
	if s.state != nil {
		h.Server = s.state()
	}
	code := http.StatusOK
	if err := s.health.HealthCheck(r.Context()); err != nil {
		s.logger.WarnContext(r.Context(), "health check failed", slog.Any("error", err))
		h.Status, h.Error = "unavailable", "storage unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.reader.ListProjects(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	project, err := s.reader.GetProject(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var status *models.TaskStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := models.TaskStatus(raw)
		if !st.Valid() {
			s.respondError(w, r, apperr.Validation("status", "must be open or completed"))
			return
		}
		status = &st
	}

	tasks, err := s.reader.ListTasks(r.Context(), id, status)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	now := s.reader.Now()
	views := make([]models.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, t.View(now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

// parseID extracts a positive int64 path parameter.
func parseID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation(param, "must be a positive integer")
	}
	return id, nil
}

type errorBody struct {
	Kind    apperr.Kind       `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Kind: kind, Message: err.Error()}
	code := http.StatusInternalServerError

	switch kind {
	case apperr.KindValidation:
		code = http.StatusBadRequest
		var verr *apperr.ValidationError
		if errors.As(err, &verr) {
			body.Fields = verr.Fields
		}
	case apperr.KindNotFound:
		code = http.StatusNotFound
	case apperr.KindStorage:
		code = http.StatusServiceUnavailable
		body.Message = "storage unavailable, try again later"
	default:
		body.Message = "internal error"
	}

	if code >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "status api request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.Any("error", err))
	}
}
