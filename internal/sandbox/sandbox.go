// Package sandbox runs untrusted JavaScript snippets in a disposable, isolated
// child process and reports a structured result.
//
// Every execution passes through the same pipeline: static validation, a
// concurrency slot, a freshly spawned child with OS ceilings applied, and
// gated runtime bindings for filesystem, network and memory access. Any
// single layer may be bypassed without the others giving way.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

var (
	// ErrLaunch wraps host failures that prevented a child from starting.
	ErrLaunch = errors.New("sandbox launch failed")
	// ErrProtocol reports a child that broke the frame protocol.
	ErrProtocol = errors.New("sandbox protocol error")
	// ErrInvalidPolicy is returned for a policy that does not validate.
	ErrInvalidPolicy = errors.New("invalid sandbox policy")
)

// Runner executes one validated request in isolation.
type Runner interface {
	Run(ctx context.Context, req Request) (*RawOutcome, error)
}

// Phase names a traced step of an execution.
type Phase string

const (
	PhaseValidate    Phase = "validate"
	PhaseAcquireSlot Phase = "acquire_slot"
	PhaseRun         Phase = "run"
)

// PhaseTracer opens a span around one phase. The returned function ends the
// span; a non-empty failure marks the phase as failed.
type PhaseTracer interface {
	StartPhase(ctx context.Context, phase Phase) (context.Context, func(failure string))
}

// ExecutionContext is caller data exposed to the code as the frozen global
// `context`. The sandbox does not interpret it.
type ExecutionContext struct {
	Task     string            `json:"task"`
	Input    json.RawMessage   `json:"input,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// Request is what a Runner receives.
type Request struct {
	Code    string
	Context ExecutionContext
	Policy  policy.Config

	// Memory answers memory.query calls. Nil hides the binding.
	Memory memory.Querier
}

// RawOutcome is a Runner's report on one child process.
type RawOutcome struct {
	Result   ExecutionResult
	PID      int
	ExitCode int
	Elapsed  time.Duration

	// Crash holds captured child stderr when the child died without a
	// terminal frame.
	Crash string
}

type executionIDKey struct{}

// WithExecutionID makes the coordinator use id for the execution started
// with ctx, so callers can correlate audit records and logs.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

// ExecutionIDFrom returns the id set by WithExecutionID.
func ExecutionIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(executionIDKey{}).(string)
	return id, ok && id != ""
}
