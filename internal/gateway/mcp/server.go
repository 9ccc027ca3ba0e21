// Package mcp exposes the sandbox as Model Context Protocol tools over stdio,
// so an LLM client can run code and read pool statistics.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/memsandbox/internal/engine"
	"github.com/jkaninda/memsandbox/internal/sandbox"
)

// Tool names.
const (
	ToolExecuteCode  = "execute_code"
	ToolSandboxStats = "sandbox_stats"
)

// Server wraps an MCP server exposing the sandbox tools.
type Server struct {
	engine *engine.Engine
	client string
	logger *slog.Logger
	mcp    *server.MCPServer
}

// NewServer creates the MCP server. client is the name recorded in the audit
// trail and used for rate limiting; an MCP stdio session has one caller.
func NewServer(eng *engine.Engine, client, version string, logger *slog.Logger) *Server {
	s := &Server{
		engine: eng,
		client: client,
		logger: logger,
		mcp:    server.NewMCPServer("memsandbox", version, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool(ToolExecuteCode,
		mcp.WithDescription("Run a JavaScript snippet in an isolated sandbox and return the structured result. "+
			"The code runs as the body of an async function; use `return` to produce output. "+
			"`context.task` and `context.input` hold the task name and input."),
		mcp.WithString("code", mcp.Required(), mcp.Description("JavaScript function body to execute")),
		mcp.WithString("task", mcp.Description("Task name exposed to the code as context.task")),
		mcp.WithObject("input", mcp.Description("JSON input exposed to the code as context.input")),
		mcp.WithString("preset", mcp.Description("Policy preset: restrictive, default or permissive. Presets looser than the server's are refused")),
	), s.handleExecute)

	s.mcp.AddTool(mcp.NewTool(ToolSandboxStats,
		mcp.WithDescription("Return sandbox execution statistics and pool health"),
	), s.handleStats)

	return s
}

// MCPServer returns the underlying server, e.g. for in-process clients.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Serve speaks MCP over the given streams until ctx is canceled or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server starting", slog.String("client", s.client))
	stdio := server.NewStdioServer(s.mcp)
	if err := stdio.Listen(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp stdio server: %w", err)
	}
	return nil
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var input json.RawMessage
	if raw, ok := req.GetArguments()["input"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			input = json.RawMessage(v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return mcp.NewToolResultError("input is not JSON-encodable"), nil
			}
			input = data
		}
	}

	out, err := s.engine.Execute(ctx, engine.Request{
		Client:  s.client,
		Gateway: engine.GatewayMCP,
		Code:    code,
		Task:    req.GetString("task", ""),
		Input:   input,
		Preset:  req.GetString("preset", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.InfoContext(ctx, "mcp execution",
		slog.String("execution_id", out.ExecutionID),
		slog.String("outcome", string(out.Result.Kind)),
	)

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	result := mcp.NewToolResultText(string(data))
	result.IsError = out.Result.Kind != sandbox.KindSuccess
	return result, nil
}

func (s *Server) handleStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(s.engine.Stats())
	if err != nil {
		return nil, fmt.Errorf("encoding stats: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
