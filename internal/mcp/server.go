// Package mcp exposes the dispatcher operations as MCP tools.
//
// Every tool call is turned into a dispatch.Request and handed to the
// lifecycle manager through the Transport, so MCP clients go through the same
// worker pool and coordinator as JSON-lines clients.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ldi/tasktrack/internal/dispatch"
	"github.com/ldi/tasktrack/internal/lifecycle"
)

const (
	KindHTTP  = "http"
	KindStdio = "stdio"

	// EndpointPath is where the streamable HTTP transport is mounted.
	EndpointPath = "/mcp"

	shutdownTimeout = 5 * time.Second
)

// Submitter runs one request and returns its response.
type Submitter func(ctx context.Context, req dispatch.Request) (dispatch.Response, error)

// NewServer builds the MCP server with one tool per dispatcher operation.
func NewServer(name, version string, submit Submitter) *server.MCPServer {
	s := server.NewMCPServer(name, version, server.WithToolCapabilities(false))

	// Projects
	s.AddTool(mcp.NewTool(dispatch.OpCreateProject,
		mcp.WithDescription("Create a new project. Project names are unique."),
		mcp.WithString("name", mcp.Description("Project name."), mcp.Required()),
	), toolHandler(dispatch.OpCreateProject, submit))

	s.AddTool(mcp.NewTool(dispatch.OpGetProject,
		mcp.WithDescription("Get a project by id."),
		mcp.WithNumber("project_id", mcp.Description("Project id."), mcp.Required()),
	), toolHandler(dispatch.OpGetProject, submit))

	s.AddTool(mcp.NewTool(dispatch.OpListProjects,
		mcp.WithDescription("List all projects in creation order."),
	), toolHandler(dispatch.OpListProjects, submit))

	s.AddTool(mcp.NewTool(dispatch.OpDeleteProject,
		mcp.WithDescription("Delete a project together with all of its tasks."),
		mcp.WithNumber("project_id", mcp.Description("Project id."), mcp.Required()),
	), toolHandler(dispatch.OpDeleteProject, submit))

	// Tasks
	s.AddTool(mcp.NewTool(dispatch.OpCreateTask,
		mcp.WithDescription("Create an open task in a project."),
		mcp.WithNumber("project_id", mcp.Description("Project the task belongs to."), mcp.Required()),
		mcp.WithString("description", mcp.Description("What needs to be done."), mcp.Required()),
		mcp.WithNumber("priority", mcp.Description("Optional integer priority.")),
		mcp.WithString("due_date", mcp.Description("Optional due date (YYYY-MM-DD).")),
	), toolHandler(dispatch.OpCreateTask, submit))

	s.AddTool(mcp.NewTool(dispatch.OpGetTask,
		mcp.WithDescription("Get a task by id, including whether it is overdue."),
		mcp.WithNumber("task_id", mcp.Description("Task id."), mcp.Required()),
	), toolHandler(dispatch.OpGetTask, submit))

	s.AddTool(mcp.NewTool(dispatch.OpListTasks,
		mcp.WithDescription("List the tasks of a project, optionally filtered by status."),
		mcp.WithNumber("project_id", mcp.Description("Project id."), mcp.Required()),
		mcp.WithString("status", mcp.Description("Status filter."), mcp.Enum("open", "completed")),
	), toolHandler(dispatch.OpListTasks, submit))

	s.AddTool(mcp.NewTool(dispatch.OpListOverdueTasks,
		mcp.WithDescription("List open tasks whose due date has passed."),
		mcp.WithNumber("project_id", mcp.Description("Limit to one project.")),
	), toolHandler(dispatch.OpListOverdueTasks, submit))

	s.AddTool(mcp.NewTool(dispatch.OpUpdateTask,
		mcp.WithDescription("Update fields of a task. Pass null for priority or due_date to clear it."),
		mcp.WithNumber("task_id", mcp.Description("Task id."), mcp.Required()),
		mcp.WithString("description", mcp.Description("New description.")),
		mcp.WithNumber("priority", mcp.Description("New priority.")),
		mcp.WithString("due_date", mcp.Description("New due date (YYYY-MM-DD).")),
		mcp.WithString("status", mcp.Description("New status."), mcp.Enum("open", "completed")),
	), toolHandler(dispatch.OpUpdateTask, submit))

	s.AddTool(mcp.NewTool(dispatch.OpCompleteTask,
		mcp.WithDescription("Mark a task completed. Completing a completed task is a no-op."),
		mcp.WithNumber("task_id", mcp.Description("Task id."), mcp.Required()),
	), toolHandler(dispatch.OpCompleteTask, submit))

	s.AddTool(mcp.NewTool(dispatch.OpDeleteTask,
		mcp.WithDescription("Delete a task."),
		mcp.WithNumber("task_id", mcp.Description("Task id."), mcp.Required()),
	), toolHandler(dispatch.OpDeleteTask, submit))

	return s
}

func toolHandler(op string, submit Submitter) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		id, _ := json.Marshal(uuid.NewString())

		resp, err := submit(ctx, dispatch.Request{ID: id, Op: op, Params: params})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolResult(resp), nil
	}
}

// toolResult renders a response as JSON text. Failed requests carry the
// error body so clients can read kind and fields.
func toolResult(resp dispatch.Response) *mcp.CallToolResult {
	if !resp.OK {
		body := resp.Error
		if body == nil {
			body = &dispatch.ErrorBody{Message: "request failed"}
		}
		data, err := json.Marshal(body)
		if err != nil {
			return mcp.NewToolResultError(body.Message)
		}
		return mcp.NewToolResultError(string(data))
	}

	data, err := json.Marshal(resp.Result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// Transport serves MCP tools over streamable HTTP or stdio and feeds their
// calls to the lifecycle manager.
type Transport struct {
	kind    string
	name    string
	version string
	logger  *slog.Logger
	stdin   io.Reader
	stdout  io.Writer

	mu      sync.Mutex
	bound   bool
	inbox   chan lifecycle.Inbound
	ctx     context.Context
	cancel  context.CancelFunc
	eof     chan struct{}
	httpSrv *http.Server
	ln      net.Listener
	wg      sync.WaitGroup
}

type Option func(*Transport)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithServerInfo sets the name and version reported to MCP clients.
func WithServerInfo(name, version string) Option {
	return func(t *Transport) {
		t.name, t.version = name, version
	}
}

// WithStdio replaces os.Stdin and os.Stdout for the stdio kind.
func WithStdio(r io.Reader, w io.Writer) Option {
	return func(t *Transport) {
		t.stdin, t.stdout = r, w
	}
}

func NewTransport(kind string, opts ...Option) (*Transport, error) {
	if kind != KindHTTP && kind != KindStdio {
		return nil, fmt.Errorf("unknown mcp transport kind %q", kind)
	}
	t := &Transport{
		kind:    kind,
		name:    lifecycle.DefaultName,
		version: "0.1.0",
		logger:  slog.New(slog.DiscardHandler),
		stdin:   os.Stdin,
		stdout:  os.Stdout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) Kind() string { return "mcp-" + t.kind }

// Bind starts serving. For stdio the host and port are ignored.
func (t *Transport) Bind(ctx context.Context, host string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound {
		return errors.New("mcp transport already bound")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.inbox = make(chan lifecycle.Inbound)
	t.eof = make(chan struct{})
	t.ctx, t.cancel = runCtx, cancel
	s := NewServer(t.name, t.version, t.submit)

	switch t.kind {
	case KindHTTP:
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			cancel()
			return err
		}
		r := chi.NewRouter()
		r.Handle(EndpointPath, server.NewStreamableHTTPServer(s))
		t.ln = ln
		t.httpSrv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

		t.wg.Add(1)
		go func(srv *http.Server) {
			defer t.wg.Done()
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.logger.Warn("mcp http server stopped", slog.Any("error", err))
			}
		}(t.httpSrv)

	case KindStdio:
		stdio := server.NewStdioServer(s)
		stdio.SetErrorLogger(slog.NewLogLogger(t.logger.Handler(), slog.LevelWarn))

		t.wg.Add(1)
		go func(eof chan struct{}) {
			defer t.wg.Done()
			defer close(eof)
			if err := stdio.Listen(runCtx, t.stdin, t.stdout); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				t.logger.Warn("mcp stdio server stopped", slog.Any("error", err))
			}
		}(t.eof)
	}

	t.bound = true
	return nil
}

// Addr returns the HTTP listen address, or nil for stdio and before Bind.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Accept returns the next tool call. Once stdin is exhausted it returns
// io.EOF.
func (t *Transport) Accept(ctx context.Context) (lifecycle.Inbound, error) {
	t.mu.Lock()
	inbox, done, eof := t.inbox, t.doneChan(), t.eof
	t.mu.Unlock()

	select {
	case in := <-inbox:
		return in, nil
	case <-done:
		return lifecycle.Inbound{}, lifecycle.ErrClosed
	case <-eof:
		return lifecycle.Inbound{}, io.EOF
	case <-ctx.Done():
		return lifecycle.Inbound{}, ctx.Err()
	}
}

func (t *Transport) doneChan() <-chan struct{} {
	if t.ctx == nil {
		return closedChan
	}
	return t.ctx.Done()
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (t *Transport) Send(_ context.Context, in lifecycle.Inbound, resp dispatch.Response) error {
	reply, ok := in.Token.(chan dispatch.Response)
	if !ok {
		return fmt.Errorf("mcp: foreign inbound token %T", in.Token)
	}
	select {
	case reply <- resp:
		return nil
	default:
		return errors.New("mcp: response already delivered")
	}
}

// Close stops serving and waits for the server goroutines to exit.
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.bound {
		t.mu.Unlock()
		return nil
	}
	t.bound = false
	cancel, srv := t.cancel, t.httpSrv
	t.httpSrv, t.ln = nil, nil
	t.mu.Unlock()

	cancel()

	var err error
	if srv != nil {
		ctx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err = srv.Shutdown(ctx); err != nil {
			err = errors.Join(err, srv.Close())
		}
	}
	t.wg.Wait()
	return err
}

// submit hands a tool call to whoever is calling Accept and waits for the
// response Send delivers.
func (t *Transport) submit(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	t.mu.Lock()
	inbox, done := t.inbox, t.doneChan()
	t.mu.Unlock()

	reply := make(chan dispatch.Response, 1)
	select {
	case inbox <- lifecycle.Inbound{Request: req, Token: reply}:
	case <-done:
		return dispatch.Response{}, errors.New("server is shutting down")
	case <-ctx.Done():
		return dispatch.Response{}, ctx.Err()
	}

	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return dispatch.Response{}, ctx.Err()
	}
}
