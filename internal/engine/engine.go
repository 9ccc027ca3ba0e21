// Package engine is the single entry point the gateways and the CLI use to
// run code. It resolves the caller's policy, applies per-client rate limits,
// drives the sandbox coordinator and records every execution in the audit
// trail and the anomaly detector.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/memsandbox/internal/config"
	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/observability"
	"github.com/jkaninda/memsandbox/internal/ratelimit"
	"github.com/jkaninda/memsandbox/internal/sandbox"
	"github.com/jkaninda/memsandbox/internal/sandbox/monitor"
	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
	"github.com/jkaninda/memsandbox/internal/sandbox/validator"
	"github.com/jkaninda/memsandbox/internal/security"
)

var (
	// ErrInvalidRequest is returned for requests rejected before execution.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPresetNotAllowed is returned when a caller asks for a preset the
	// operator has not opened to callers.
	ErrPresetNotAllowed = errors.New("preset not allowed")
	// ErrEpisodesUnavailable is returned when no episode store is attached.
	ErrEpisodesUnavailable = errors.New("episode store not configured")
)

// RateLimitError is returned when the caller's bucket is empty.
type RateLimitError struct {
	Client     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Client, e.RetryAfter.Round(time.Millisecond))
}

// Unwrap returns ratelimit.ErrRateLimited so that errors.Is works.
func (e *RateLimitError) Unwrap() error { return ratelimit.ErrRateLimited }

// Gateway names recorded in the audit trail.
const (
	GatewayHTTP      = "http"
	GatewayWebSocket = "ws"
	GatewayMCP       = "mcp"
	GatewayCLI       = "cli"
)

// Request is one execution as submitted by a gateway.
type Request struct {
	Client  string
	Gateway string

	Code     string
	Task     string
	Input    json.RawMessage
	Metadata map[string]any

	// Preset selects a named policy. Empty means the configured preset. Only
	// presets the sandbox config allows are accepted.
	Preset string
	// Timeout lowers the preset's execution time limit. It may not raise it.
	Timeout time.Duration
}

// Outcome is what the caller gets back.
type Outcome struct {
	ExecutionID string                  `json:"execution_id"`
	Preset      string                  `json:"preset"`
	Result      sandbox.ExecutionResult `json:"result"`
	Elapsed     time.Duration           `json:"-"`
}

// Executor is the part of the coordinator the engine drives.
type Executor interface {
	ExecuteWithPolicy(ctx context.Context, code string, execCtx sandbox.ExecutionContext, cfg policy.Config) sandbox.ExecutionResult
	MaxConcurrency() int64
}

// Engine composes the coordinator with the audit, rate limit and memory
// collaborators. Optional collaborators are attached with the With* methods
// and may be left nil.
type Engine struct {
	exec    Executor
	sandbox config.SandboxConfig
	monitor *monitor.Monitor
	logger  *slog.Logger

	auditor  security.Auditor   // nil = audit disabled
	episodes memory.Store       // nil = episode endpoints unavailable
	limiter  *ratelimit.Limiter // nil = unlimited
	metrics  *observability.MetricsCollector
	anomaly  *observability.AnomalyDetector
	tracer   *observability.TracerSetup
}

// New creates an engine. sandboxCfg resolves presets and overrides; mon is
// the monitor subscribed to exec and backs Stats.
func New(exec Executor, sandboxCfg config.SandboxConfig, mon *monitor.Monitor, logger *slog.Logger) *Engine {
	return &Engine{
		exec:    exec,
		sandbox: sandboxCfg,
		monitor: mon,
		logger:  logger,
	}
}

// WithAuditor attaches the audit trail.
func (e *Engine) WithAuditor(a security.Auditor) *Engine {
	e.auditor = a
	return e
}

// WithEpisodes attaches the episodic memory store.
func (e *Engine) WithEpisodes(s memory.Store) *Engine {
	e.episodes = s
	return e
}

// WithRateLimiter enables per-client rate limiting.
func (e *Engine) WithRateLimiter(l *ratelimit.Limiter) *Engine {
	e.limiter = l
	return e
}

// WithObservability attaches metrics, tracing and anomaly detection.
func (e *Engine) WithObservability(obs *observability.Observability) *Engine {
	e.metrics = obs.MetricsOrNil()
	e.anomaly = obs.AnomalyOrNil()
	e.tracer = obs.TracerOrNil()
	return e
}

// Execute runs req under the execution ID carried by ctx, or a fresh one.
// The returned error is non-nil only when the request was
// rejected before reaching the sandbox: a rate limit, an unknown preset or
// a malformed request. Every sandbox outcome, including violations, is
// reported in Outcome.Result.
func (e *Engine) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		return nil, fmt.Errorf("%w: input is not valid JSON", ErrInvalidRequest)
	}
	if wait, err := e.limiter.Reserve(req.Client); err != nil {
		if e.metrics != nil {
			e.metrics.RateLimitedTotal.WithLabelValues(req.Gateway).Inc()
		}
		return nil, &RateLimitError{Client: req.Client, RetryAfter: wait}
	}

	preset := req.Preset
	if preset == "" {
		preset = e.presetName()
	}
	pol, err := e.resolvePolicy(preset, req.Timeout)
	if err != nil {
		return nil, err
	}

	id, ok := sandbox.ExecutionIDFrom(ctx)
	if !ok {
		id = uuid.NewString()
		ctx = sandbox.WithExecutionID(ctx, id)
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.StartExecution(ctx, id, req.Client, req.Gateway, preset)
	}

	start := time.Now()
	res := e.exec.ExecuteWithPolicy(ctx, req.Code, sandbox.ExecutionContext{
		Task:     req.Task,
		Input:    req.Input,
		Metadata: req.Metadata,
	}, pol)
	elapsed := time.Since(start)

	if span != nil {
		observability.EndExecution(span, res)
	}

	e.record(ctx, id, req, preset, res, elapsed)

	return &Outcome{ExecutionID: id, Preset: preset, Result: res, Elapsed: elapsed}, nil
}

func (e *Engine) presetName() string {
	if e.sandbox.Preset != "" {
		return e.sandbox.Preset
	}
	return policy.PresetDefault
}

func (e *Engine) resolvePolicy(preset string, timeout time.Duration) (policy.Config, error) {
	pol, err := e.sandbox.PolicyFor(preset)
	if err != nil {
		return policy.Config{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !e.sandbox.PresetAllowed(preset) {
		return policy.Config{}, fmt.Errorf("%w: %w: %q (allowed: %s)", ErrInvalidRequest, ErrPresetNotAllowed,
			preset, strings.Join(e.sandbox.RequestablePresets(), ", "))
	}
	if timeout < 0 {
		return policy.Config{}, fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	if timeout > 0 {
		if timeout > pol.MaxExecutionTime {
			return policy.Config{}, fmt.Errorf("%w: timeout %s exceeds the %s limit of preset %q",
				ErrInvalidRequest, timeout, pol.MaxExecutionTime, preset)
		}
		pol, err = policy.New(pol, policy.WithTimeout(timeout))
		if err != nil {
			return policy.Config{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	return pol, nil
}

// record writes the audit event and feeds the anomaly detector. Audit
// failures are logged and counted but never fail the execution.
func (e *Engine) record(ctx context.Context, id string, req Request, preset string, res sandbox.ExecutionResult, elapsed time.Duration) {
	switch res.Kind {
	case sandbox.KindSuccess:
		e.anomaly.RecordSuccess(req.Client)
	case sandbox.KindSecurityViolation:
		e.anomaly.RecordViolation(req.Client)
	default:
		e.anomaly.RecordError(req.Client)
	}

	if e.auditor == nil {
		return
	}
	ev := security.NewAuditEvent(id, req.Client, req.Gateway, req.Task, req.Code, preset, res, elapsed)
	if err := e.auditor.LogAction(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.ErrorContext(ctx, "audit write failed",
			slog.String("execution_id", id),
			slog.String("error", err.Error()),
		)
		if e.metrics != nil {
			e.metrics.AuditFailures.Inc()
		}
	}
}

// ValidationReport is the result of a dry validator run.
type ValidationReport struct {
	Valid    bool                `json:"valid"`
	Preset   string              `json:"preset"`
	Reason   string              `json:"reason,omitempty"`
	Findings []validator.Finding `json:"findings"`
}

// Validate runs the static validator without executing anything. Valid
// reflects what Execute would decide under preset; Findings lists every
// match of the full pattern battery.
func (e *Engine) Validate(code, preset string) (*ValidationReport, error) {
	if preset == "" {
		preset = e.presetName()
	}
	pol, err := e.resolvePolicy(preset, 0)
	if err != nil {
		return nil, err
	}
	report := &ValidationReport{Valid: true, Preset: preset, Findings: validator.Scan(code)}
	if report.Findings == nil {
		report.Findings = []validator.Finding{}
	}
	if err := validator.ValidateFor(code, pol); err != nil {
		report.Valid = false
		report.Reason = err.Error()
	}
	return report, nil
}

// Stats is the monitor view served to clients.
type Stats struct {
	monitor.Snapshot
	Health         string `json:"health"`
	MaxConcurrency int64  `json:"max_concurrency"`
}

// Stats returns the current monitor snapshot.
func (e *Engine) Stats() Stats {
	return Stats{
		Snapshot:       e.monitor.Snapshot(),
		Health:         e.monitor.Health(),
		MaxConcurrency: e.exec.MaxConcurrency(),
	}
}

// Health returns the monitor's pool health.
func (e *Engine) Health() string {
	return e.monitor.Health()
}

// AppendEpisode stores ep in the episodic memory.
func (e *Engine) AppendEpisode(ctx context.Context, ep *memory.Episode) error {
	if e.episodes == nil {
		return ErrEpisodesUnavailable
	}
	if err := e.episodes.Append(ctx, ep); err != nil {
		if errors.Is(err, memory.ErrInvalidEpisode) {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return fmt.Errorf("appending episode: %w", err)
	}
	return nil
}

// QueryEpisodes searches the episodic memory.
func (e *Engine) QueryEpisodes(ctx context.Context, q string, limit int) ([]memory.Episode, error) {
	if e.episodes == nil {
		return nil, ErrEpisodesUnavailable
	}
	eps, err := e.episodes.Query(ctx, q, memory.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying episodes: %w", err)
	}
	return eps, nil
}
