package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ldi/tasktrack/internal/coordinator"
	"github.com/ldi/tasktrack/internal/db"
	"github.com/ldi/tasktrack/internal/dispatch"
	"github.com/ldi/tasktrack/internal/lifecycle"
)

var today = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func newDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()

	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Init(context.Background()); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	c := coordinator.New(database, coordinator.WithClock(func() time.Time { return today }))
	return dispatch.New(c)
}

func direct(d *dispatch.Dispatcher) Submitter {
	return func(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
		return d.Dispatch(ctx, req), nil
	}
}

func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	tool := s.GetTool(name)
	if tool == nil {
		t.Fatalf("Tool %s not found", name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := tool.Handler(context.Background(), req)
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	return result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	if len(result.Content) == 0 {
		t.Fatal("Expected content in tool result")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("Expected text content, got %T", result.Content[0])
	}
	return text.Text
}

func decodeResult(t *testing.T, result *mcp.CallToolResult, v any) {
	t.Helper()

	if result.IsError {
		t.Fatalf("Tool returned error: %s", resultText(t, result))
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), v); err != nil {
		t.Fatalf("Failed to unmarshal result: %v", err)
	}
}

func TestNewServerRegistersEveryOperation(t *testing.T) {
	d := newDispatcher(t)
	s := NewServer(lifecycle.DefaultName, "test", direct(d))

	for _, op := range d.Ops() {
		if s.GetTool(op) == nil {
			t.Errorf("Expected tool %s to be registered", op)
		}
	}
}

func TestToolHandlers(t *testing.T) {
	s := NewServer(lifecycle.DefaultName, "test", direct(newDispatcher(t)))

	var project struct {
		ID   int64  `json:"project_id"`
		Name string `json:"project_name"`
	}
	decodeResult(t, callTool(t, s, "create_project", map[string]any{"name": "Launch"}), &project)
	if project.ID <= 0 || project.Name != "Launch" {
		t.Fatalf("Unexpected project: %+v", project)
	}

	type task struct {
		ID        int64   `json:"task_id"`
		Status    string  `json:"status"`
		Priority  *int64  `json:"priority"`
		DueDate   *string `json:"due_date"`
		IsOverdue bool    `json:"overdue"`
	}

	var created task
	decodeResult(t, callTool(t, s, "create_task", map[string]any{
		"project_id":  float64(project.ID),
		"description": "Write brief",
		"priority":    2.0,
		"due_date":    "2020-01-01",
	}), &created)
	if created.Status != "open" || !created.IsOverdue {
		t.Fatalf("Expected an open overdue task, got %+v", created)
	}
	if created.Priority == nil || *created.Priority != 2 {
		t.Errorf("Expected priority 2, got %v", created.Priority)
	}

	t.Run("list_overdue_tasks", func(t *testing.T) {
		var resp struct {
			Tasks []task `json:"tasks"`
		}
		decodeResult(t, callTool(t, s, "list_overdue_tasks", map[string]any{}), &resp)
		if len(resp.Tasks) != 1 || resp.Tasks[0].ID != created.ID {
			t.Errorf("Expected task %d to be overdue, got %+v", created.ID, resp.Tasks)
		}
	})

	t.Run("update_task clears fields", func(t *testing.T) {
		var updated task
		decodeResult(t, callTool(t, s, "update_task", map[string]any{
			"task_id":  float64(created.ID),
			"priority": nil,
			"due_date": nil,
		}), &updated)
		if updated.Priority != nil || updated.DueDate != nil {
			t.Errorf("Expected priority and due date cleared, got %+v", updated)
		}
	})

	t.Run("complete_task", func(t *testing.T) {
		var completed task
		decodeResult(t, callTool(t, s, "complete_task", map[string]any{"task_id": float64(created.ID)}), &completed)
		if completed.Status != "completed" {
			t.Errorf("Expected completed, got %s", completed.Status)
		}

		var resp struct {
			Tasks []task `json:"tasks"`
		}
		decodeResult(t, callTool(t, s, "list_tasks", map[string]any{
			"project_id": float64(project.ID),
			"status":     "open",
		}), &resp)
		if len(resp.Tasks) != 0 {
			t.Errorf("Expected no open tasks, got %d", len(resp.Tasks))
		}
	})

	t.Run("delete_project", func(t *testing.T) {
		var resp struct {
			DeletedTasks int64 `json:"deleted_tasks"`
		}
		decodeResult(t, callTool(t, s, "delete_project", map[string]any{"project_id": float64(project.ID)}), &resp)
		if resp.DeletedTasks != 1 {
			t.Errorf("Expected 1 deleted task, got %d", resp.DeletedTasks)
		}
	})
}

func TestToolErrors(t *testing.T) {
	s := NewServer(lifecycle.DefaultName, "test", direct(newDispatcher(t)))

	tests := []struct {
		name string
		tool string
		args map[string]any
		kind string
	}{
		{"missing task", "get_task", map[string]any{"task_id": 99.0}, "not_found"},
		{"missing description", "create_task", map[string]any{"project_id": 1.0}, "validation_error"},
		{"fractional id", "get_project", map[string]any{"project_id": 1.5}, "validation_error"},
		{"bad status", "list_tasks", map[string]any{"project_id": 1.0, "status": "done"}, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := callTool(t, s, tt.tool, tt.args)
			if !result.IsError {
				t.Fatalf("Expected an error result, got %s", resultText(t, result))
			}

			var body dispatch.ErrorBody
			if err := json.Unmarshal([]byte(resultText(t, result)), &body); err != nil {
				t.Fatalf("Failed to unmarshal error body: %v", err)
			}
			if string(body.Kind) != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, body.Kind)
			}
		})
	}
}

func TestSubmitFailureBecomesToolError(t *testing.T) {
	s := NewServer(lifecycle.DefaultName, "test", func(context.Context, dispatch.Request) (dispatch.Response, error) {
		return dispatch.Response{}, errors.New("server is shutting down")
	})

	result := callTool(t, s, "list_projects", nil)
	if !result.IsError {
		t.Fatal("Expected an error result")
	}
	if got := resultText(t, result); got != "server is shutting down" {
		t.Errorf("Unexpected error text %q", got)
	}
}

// rpc writes one JSON-RPC message and, when id is non-zero, reads the reply.
func rpc(t *testing.T, w io.Writer, r *bufio.Reader, id int, method string, params any) map[string]any {
	t.Helper()

	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		msg["params"] = params
	}
	if id != 0 {
		msg["id"] = id
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}
	if id == 0 {
		return nil
	}

	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v\nOutput: %s", err, line)
	}
	if got, _ := resp["id"].(float64); int(got) != id {
		t.Fatalf("Expected id %d, got %v", id, resp["id"])
	}
	return resp
}

func initialize(t *testing.T, w io.Writer, r *bufio.Reader) string {
	t.Helper()

	params := mcp.InitializeParams{ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION}
	params.ClientInfo = mcp.Implementation{Name: "test-client", Version: "1.0.0"}

	resp := rpc(t, w, r, 1, "initialize", params)
	rpc(t, w, r, 0, "notifications/initialized", nil)

	result, _ := resp["result"].(map[string]any)
	info, _ := result["serverInfo"].(map[string]any)
	name, _ := info["name"].(string)
	return name
}

func TestServerInitialization(t *testing.T) {
	s := NewServer(lifecycle.DefaultName, "test", nil)
	stdio := server.NewStdioServer(s)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	defer inW.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go stdio.Listen(ctx, inR, outW)

	if name := initialize(t, inW, bufio.NewReader(outR)); name != lifecycle.DefaultName {
		t.Errorf("Expected server name %s, got %v", lifecycle.DefaultName, name)
	}
}

func TestStdioTransportWithManager(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	out := bufio.NewReader(outR)

	tr, err := NewTransport(KindStdio, WithStdio(inR, outW), WithServerInfo("Tracker", "1.2.3"))
	if err != nil {
		t.Fatalf("Failed to create transport: %v", err)
	}

	ctx := context.Background()
	m := lifecycle.New(tr, newDispatcher(t))
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	defer m.Stop(ctx)

	if name := initialize(t, inW, out); name != "Tracker" {
		t.Errorf("Expected server name Tracker, got %v", name)
	}

	resp := rpc(t, inW, out, 2, "tools/call", map[string]any{
		"name":      "create_project",
		"arguments": map[string]any{"name": "Launch"},
	})
	result, _ := resp["result"].(map[string]any)
	if isErr, _ := result["isError"].(bool); isErr {
		t.Fatalf("Tool returned error: %v", result)
	}
	content, _ := result["content"].([]any)
	if len(content) == 0 {
		t.Fatalf("Expected content, got %v", resp)
	}
	text, _ := content[0].(map[string]any)["text"].(string)
	if !strings.Contains(text, `"project_name":"Launch"`) {
		t.Errorf("Expected created project in result, got %s", text)
	}

	// Closing stdin ends the accept loop.
	inW.Close()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Manager did not notice end of input")
	}

	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	if m.State() != lifecycle.StateStopped {
		t.Errorf("Expected stopped, got %s", m.State())
	}
}

func TestHTTPTransport(t *testing.T) {
	tr, err := NewTransport(KindHTTP)
	if err != nil {
		t.Fatalf("Failed to create transport: %v", err)
	}
	if err := tr.Bind(context.Background(), "127.0.0.1", 0); err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "test-client", Version: "1.0.0"},
		},
	})
	req, err := http.NewRequest(http.MethodPost, "http://"+tr.Addr().String()+EndpointPath, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Result struct {
			ServerInfo struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if out.Result.ServerInfo.Name != lifecycle.DefaultName {
		t.Errorf("Expected server name %s, got %s", lifecycle.DefaultName, out.Result.ServerInfo.Name)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if _, err := tr.Accept(context.Background()); !errors.Is(err, lifecycle.ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}

func TestNewTransportRejectsUnknownKind(t *testing.T) {
	if _, err := NewTransport("carrier-pigeon"); err == nil {
		t.Fatal("Expected an error for an unknown kind")
	}
}
