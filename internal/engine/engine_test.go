package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/memsandbox/internal/config"
	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/observability"
	"github.com/jkaninda/memsandbox/internal/ratelimit"
	"github.com/jkaninda/memsandbox/internal/sandbox"
	"github.com/jkaninda/memsandbox/internal/sandbox/monitor"
	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
	"github.com/jkaninda/memsandbox/internal/security"
)

type stubRunner struct {
	mu     sync.Mutex
	last   sandbox.Request
	result sandbox.ExecutionResult
}

func (s *stubRunner) Run(_ context.Context, req sandbox.Request) (*sandbox.RawOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = req
	return &sandbox.RawOutcome{Result: s.result}, nil
}

type memAuditor struct {
	mu     sync.Mutex
	events []security.AuditEvent
	err    error
}

func (m *memAuditor) LogAction(_ context.Context, ev security.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func (m *memAuditor) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, runner *stubRunner) (*Engine, *monitor.Monitor) {
	t.Helper()
	return newConfiguredEngine(t, runner, config.SandboxConfig{})
}

func newConfiguredEngine(t *testing.T, runner *stubRunner, cfg config.SandboxConfig) (*Engine, *monitor.Monitor) {
	t.Helper()
	coord, err := sandbox.NewCoordinator(sandbox.CoordinatorConfig{MaxConcurrency: 4}, runner, testLogger())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	mon := monitor.New()
	coord.Subscribe(mon)
	return New(coord, cfg, mon, testLogger()), mon
}

func TestExecute_Success(t *testing.T) {
	runner := &stubRunner{result: sandbox.NewSuccess("2", "", "", time.Millisecond)}
	e, mon := newTestEngine(t, runner)
	audit := &memAuditor{}
	e.WithAuditor(audit)

	out, err := e.Execute(context.Background(), Request{
		Client:  "alice",
		Gateway: GatewayHTTP,
		Code:    "return 1 + 1",
		Task:    "add",
		Input:   json.RawMessage(`{"a":1}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result.Kind != sandbox.KindSuccess || out.Result.Success.Output != "2" {
		t.Fatalf("result = %s", out.Result.Summary())
	}
	if out.Preset != policy.PresetDefault {
		t.Errorf("preset = %q", out.Preset)
	}
	if string(runner.last.Context.Input) != `{"a":1}` || runner.last.Context.Task != "add" {
		t.Errorf("context not forwarded: %+v", runner.last.Context)
	}
	if mon.Stats().Successful != 1 {
		t.Errorf("monitor successful = %d", mon.Stats().Successful)
	}

	if len(audit.events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(audit.events))
	}
	ev := audit.events[0]
	if ev.ExecutionID != out.ExecutionID || ev.Client != "alice" || ev.Gateway != GatewayHTTP {
		t.Errorf("audit event = %+v", ev)
	}
	if ev.CodeSHA256 != security.HashCode("return 1 + 1") || ev.Outcome != "success" {
		t.Errorf("audit event = %+v", ev)
	}
}

func TestExecute_ViolationAudited(t *testing.T) {
	runner := &stubRunner{result: sandbox.NewSuccess("", "", "", 0)}
	e, _ := newTestEngine(t, runner)
	audit := &memAuditor{}
	e.WithAuditor(audit)

	out, err := e.Execute(context.Background(), Request{Client: "bob", Code: "eval('1')"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.Kind != sandbox.KindSecurityViolation {
		t.Fatalf("result = %s", out.Result.Summary())
	}
	if ev := audit.events[0]; ev.ViolationType != "code_injection" {
		t.Errorf("violation type = %q", ev.ViolationType)
	}
}

func TestExecute_AuditFailureDoesNotFail(t *testing.T) {
	e, _ := newTestEngine(t, &stubRunner{result: sandbox.NewSuccess("1", "", "", 0)})
	obs, _ := observability.New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, observability.SandboxInfo{}, testLogger())
	e.WithAuditor(&memAuditor{err: errors.New("disk full")}).WithObservability(obs)

	out, err := e.Execute(context.Background(), Request{Client: "c", Code: "return 1"})
	if err != nil || out.Result.Kind != sandbox.KindSuccess {
		t.Fatalf("out=%v err=%v", out, err)
	}
}

func TestExecute_Rejections(t *testing.T) {
	e, _ := newTestEngine(t, &stubRunner{result: sandbox.NewSuccess("1", "", "", 0)})

	tests := []struct {
		name string
		req  Request
	}{
		{"empty code", Request{Code: "  "}},
		{"bad input", Request{Code: "return 1", Input: json.RawMessage(`{`)}},
		{"unknown preset", Request{Code: "return 1", Preset: "yolo"}},
		{"negative timeout", Request{Code: "return 1", Timeout: -time.Second}},
		{"timeout above preset", Request{Code: "return 1", Preset: policy.PresetRestrictive, Timeout: time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Execute(context.Background(), tt.req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestExecute_PresetCannotBeRaised(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.SandboxConfig
		preset  string
		allowed bool
	}{
		{"restrictive refuses permissive", config.SandboxConfig{Preset: policy.PresetRestrictive}, policy.PresetPermissive, false},
		{"restrictive refuses default", config.SandboxConfig{Preset: policy.PresetRestrictive}, policy.PresetDefault, false},
		{"restrictive keeps itself", config.SandboxConfig{Preset: policy.PresetRestrictive}, policy.PresetRestrictive, true},
		{"default refuses permissive", config.SandboxConfig{}, policy.PresetPermissive, false},
		{"default allows stricter", config.SandboxConfig{}, policy.PresetRestrictive, true},
		{"allowlist opens permissive", config.SandboxConfig{AllowedPresets: []string{policy.PresetPermissive}}, policy.PresetPermissive, true},
		{"allowlist is exhaustive", config.SandboxConfig{AllowedPresets: []string{policy.PresetPermissive}}, policy.PresetRestrictive, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &stubRunner{result: sandbox.NewSuccess("1", "", "", 0)}
			e, _ := newConfiguredEngine(t, runner, tt.cfg)

			out, err := e.Execute(context.Background(), Request{Code: "return 1", Preset: tt.preset})
			if tt.allowed {
				if err != nil {
					t.Fatalf("Execute: %v", err)
				}
				if out.Preset != tt.preset {
					t.Errorf("preset = %q, want %q", out.Preset, tt.preset)
				}
				return
			}
			if !errors.Is(err, ErrPresetNotAllowed) || !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("err = %v, want ErrPresetNotAllowed", err)
			}
			if runner.last.Code != "" {
				t.Error("refused request reached the sandbox")
			}
		})
	}
}

func TestExecute_TimeoutLowersPolicy(t *testing.T) {
	runner := &stubRunner{result: sandbox.NewSuccess("1", "", "", 0)}
	e, _ := newTestEngine(t, runner)

	if _, err := e.Execute(context.Background(), Request{Code: "return 1", Timeout: 500 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if got := runner.last.Policy.MaxExecutionTime; got != 500*time.Millisecond {
		t.Errorf("timeout = %v, want 500ms", got)
	}
}

func TestExecute_RateLimited(t *testing.T) {
	e, _ := newTestEngine(t, &stubRunner{result: sandbox.NewSuccess("1", "", "", 0)})
	e.WithRateLimiter(ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1}))

	if _, err := e.Execute(context.Background(), Request{Client: "alice", Code: "return 1"}); err != nil {
		t.Fatal(err)
	}
	_, err := e.Execute(context.Background(), Request{Client: "alice", Code: "return 1"})
	var rl *RateLimitError
	if !errors.As(err, &rl) || !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.RetryAfter <= 0 {
		t.Errorf("retry after = %v", rl.RetryAfter)
	}
	if _, err := e.Execute(context.Background(), Request{Client: "bob", Code: "return 1"}); err != nil {
		t.Errorf("bob limited by alice's bucket: %v", err)
	}
}

func TestValidate(t *testing.T) {
	e, _ := newTestEngine(t, &stubRunner{})

	report, err := e.Validate("return 1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || len(report.Findings) != 0 {
		t.Errorf("clean code report = %+v", report)
	}

	report, err = e.Validate("eval('x'); eval('y')", policy.PresetRestrictive)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid || len(report.Findings) != 2 || report.Reason == "" {
		t.Errorf("eval report = %+v", report)
	}

	if _, err := e.Validate("return 1", "nope"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v", err)
	}
}

func TestStats(t *testing.T) {
	e, _ := newTestEngine(t, &stubRunner{result: sandbox.NewSuccess("1", "", "", 0)})
	for range 3 {
		_, _ = e.Execute(context.Background(), Request{Code: "return 1"})
	}
	s := e.Stats()
	if s.Total != 3 || s.MaxConcurrency != 4 || s.Health != monitor.Healthy {
		t.Errorf("stats = %+v", s)
	}
}

func TestEpisodes(t *testing.T) {
	e, _ := newTestEngine(t, &stubRunner{})
	if err := e.AppendEpisode(context.Background(), &memory.Episode{Task: "t", Content: "c"}); !errors.Is(err, ErrEpisodesUnavailable) {
		t.Fatalf("err = %v", err)
	}

	e.WithEpisodes(memory.NewInMemoryStore())
	if err := e.AppendEpisode(context.Background(), &memory.Episode{Task: "deploy"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing content: err = %v", err)
	}
	ep := &memory.Episode{Task: "deploy", Content: "rolled back after failed canary"}
	if err := e.AppendEpisode(context.Background(), ep); err != nil {
		t.Fatal(err)
	}
	if ep.ID == "" {
		t.Error("episode id not assigned")
	}
	got, err := e.QueryEpisodes(context.Background(), "canary", 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("query = %v, %v", got, err)
	}
}
