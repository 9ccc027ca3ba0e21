package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/memsandbox/internal/config"
	"github.com/jkaninda/memsandbox/internal/engine"
	"github.com/jkaninda/memsandbox/internal/sandbox"
	"github.com/jkaninda/memsandbox/internal/sandbox/monitor"
)

type inputRunner struct{}

func (inputRunner) Run(_ context.Context, req sandbox.Request) (*sandbox.RawOutcome, error) {
	return &sandbox.RawOutcome{Result: sandbox.NewSuccess(string(req.Context.Input), "", "", 0)}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord, err := sandbox.NewCoordinator(sandbox.CoordinatorConfig{}, inputRunner{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	mon := monitor.New()
	coord.Subscribe(mon)
	return NewServer(engine.New(coord, config.SandboxConfig{}, mon, logger), "mcp", "test", logger)
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content items = %d", len(res.Content))
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is %T, want text", res.Content[0])
	}
	return tc.Text
}

func TestExecuteCode(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleExecute(context.Background(), call(ToolExecuteCode, map[string]any{
		"code":  "return context.input",
		"task":  "echo",
		"input": map[string]any{"n": 1},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", text(t, res))
	}

	var out struct {
		ExecutionID string          `json:"execution_id"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal([]byte(text(t, res)), &out); err != nil {
		t.Fatal(err)
	}
	var r sandbox.ExecutionResult
	if err := json.Unmarshal(out.Result, &r); err != nil {
		t.Fatal(err)
	}
	if out.ExecutionID == "" || r.Success == nil || r.Success.Output != `{"n":1}` {
		t.Errorf("outcome = %s", text(t, res))
	}
}

func TestExecuteCode_NonSuccessIsError(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing code", map[string]any{}, "code"},
		{"violation", map[string]any{"code": "eval('2')"}, "security_violation"},
		{"unknown preset", map[string]any{"code": "return 1", "preset": "yolo"}, "unknown preset"},
		{"preset above configured", map[string]any{"code": "return 1", "preset": "permissive"}, "preset not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.handleExecute(context.Background(), call(ToolExecuteCode, tt.args))
			if err != nil {
				t.Fatal(err)
			}
			if !res.IsError {
				t.Error("expected IsError")
			}
			if got := text(t, res); !strings.Contains(got, tt.want) {
				t.Errorf("text = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestInProcessClient(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	c, err := mcpclient.NewInProcessClient(s.MCPServer())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "0"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	if !names[ToolExecuteCode] || !names[ToolSandboxStats] {
		t.Errorf("tools = %v", names)
	}

	if _, err := c.CallTool(ctx, call(ToolExecuteCode, map[string]any{"code": "return 1"})); err != nil {
		t.Fatal(err)
	}
	res, err := c.CallTool(ctx, call(ToolSandboxStats, nil))
	if err != nil {
		t.Fatal(err)
	}
	var stats engine.Stats
	if err := json.Unmarshal([]byte(text(t, res)), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 {
		t.Errorf("total = %d, want 1", stats.Total)
	}
}
