package httpapi

import (
	"errors"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/memsandbox/internal/engine"
	"github.com/jkaninda/memsandbox/internal/sandbox"
)

// SSEEvent represents a server-sent event for streamed executions.
type SSEEvent struct {
	Type        string                   `json:"type"` // "accepted", "result", "error"
	ExecutionID string                   `json:"execution_id,omitempty"`
	Preset      string                   `json:"preset,omitempty"`
	Result      *sandbox.ExecutionResult `json:"result,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

// handleExecuteStream handles POST /v1/execute/stream. It announces the
// execution ID before the child is spawned, so a client can correlate a
// long-running execution in logs and the audit trail, then sends the result.
func (g *Gateway) handleExecuteStream(c *okapi.Context) error {
	client := c.GetString("client")

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("Bad request", err)
	}

	id := uuid.NewString()
	c.SSEvent("accepted", SSEEvent{Type: "accepted", ExecutionID: id, Preset: req.Preset})

	out, err := g.engine.Execute(sandbox.WithExecutionID(c.Context(), id), req.toEngine(client))
	if err != nil {
		msg := "execution failed"
		var rl *engine.RateLimitError
		if errors.As(err, &rl) || errors.Is(err, engine.ErrInvalidRequest) {
			msg = err.Error()
		}
		c.SSEvent("error", SSEEvent{Type: "error", ExecutionID: id, Error: msg})
		return nil
	}

	c.SSEvent("result", SSEEvent{Type: "result", ExecutionID: out.ExecutionID, Preset: out.Preset, Result: &out.Result})
	return nil
}
