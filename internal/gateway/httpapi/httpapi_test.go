package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jkaninda/memsandbox/internal/config"
	"github.com/jkaninda/memsandbox/internal/engine"
	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/observability"
	"github.com/jkaninda/memsandbox/internal/ratelimit"
	"github.com/jkaninda/memsandbox/internal/sandbox"
	"github.com/jkaninda/memsandbox/internal/sandbox/monitor"
)

const testKey = "test-key"

type echoRunner struct{}

func (echoRunner) Run(_ context.Context, req sandbox.Request) (*sandbox.RawOutcome, error) {
	return &sandbox.RawOutcome{Result: sandbox.NewSuccess(req.Context.Task, "", "", 0)}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	srv     *httptest.Server
	metrics *observability.MetricsCollector
}

func newFixture(t *testing.T, rpm int, episodes memory.Store) *fixture {
	t.Helper()
	coord, err := sandbox.NewCoordinator(sandbox.CoordinatorConfig{}, echoRunner{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	mon := monitor.New()
	coord.Subscribe(mon)
	obs, err := observability.New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, observability.SandboxInfo{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	eng := engine.New(coord, config.SandboxConfig{}, mon, testLogger()).
		WithObservability(obs).
		WithRateLimiter(ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: rpm}))
	if episodes != nil {
		eng.WithEpisodes(episodes)
	}

	gw := NewGateway(Config{
		APIKeys:         map[string]string{testKey: "alice"},
		MetricsRegistry: obs.Metrics.Registry,
		HealthChecker:   obs.Health,
		Metrics:         obs.Metrics,
		MaxRequestSize:  4 << 10,
	}, eng, testLogger())

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, metrics: obs.Metrics}
}

func (f *fixture) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, 0, nil)
	body := ExecuteRequest{Code: "return 1"}

	if resp := f.do(t, http.MethodPost, "/v1/execute", "", body); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/v1/execute", "wrong", body); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/v1/execute", testKey, body); resp.StatusCode != http.StatusOK {
		t.Errorf("valid key: status = %d", resp.StatusCode)
	}
}

func TestExecute(t *testing.T) {
	f := newFixture(t, 0, nil)

	resp := f.do(t, http.MethodPost, "/v1/execute", testKey, ExecuteRequest{Code: "return context.task", Task: "greet"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out := decode[struct {
		ExecutionID string          `json:"execution_id"`
		Preset      string          `json:"preset"`
		Result      json.RawMessage `json:"result"`
	}](t, resp)
	if out.ExecutionID == "" || out.Preset != "default" {
		t.Errorf("outcome = %+v", out)
	}
	var res sandbox.ExecutionResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.Kind != sandbox.KindSuccess || res.Success.Output != "greet" {
		t.Errorf("result = %s", res.Summary())
	}
}

func TestExecute_Violation(t *testing.T) {
	f := newFixture(t, 0, nil)

	resp := f.do(t, http.MethodPost, "/v1/execute", testKey, ExecuteRequest{Code: "require('child_process')"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("violations are results, not HTTP errors: status = %d", resp.StatusCode)
	}
	if !strings.Contains(readAll(t, resp), `"security_violation"`) {
		t.Error("expected a security_violation result")
	}
}

func TestExecute_BadRequests(t *testing.T) {
	f := newFixture(t, 0, nil)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"empty code", ExecuteRequest{}, http.StatusBadRequest},
		{"unknown preset", ExecuteRequest{Code: "return 1", Preset: "yolo"}, http.StatusBadRequest},
		{"preset above configured", ExecuteRequest{Code: "return 1", Preset: "permissive"}, http.StatusForbidden},
		{"too large", ExecuteRequest{Code: strings.Repeat("x", 8<<10)}, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := f.do(t, http.MethodPost, "/v1/execute", testKey, tt.body); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestExecute_RateLimited(t *testing.T) {
	f := newFixture(t, 1, nil)
	body := ExecuteRequest{Code: "return 1"}

	if resp := f.do(t, http.MethodPost, "/v1/execute", testKey, body); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: status = %d", resp.StatusCode)
	}
	resp := f.do(t, http.MethodPost, "/v1/execute", testKey, body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d", resp.StatusCode)
	}
	if b := decode[RateLimitedBody](t, resp); b.RetryAfterMs <= 0 {
		t.Errorf("retry_after_ms = %d", b.RetryAfterMs)
	}
}

func TestValidateAndStats(t *testing.T) {
	f := newFixture(t, 0, nil)

	resp := f.do(t, http.MethodPost, "/v1/validate", testKey, ValidateRequest{Code: "eval('1')"})
	report := decode[engine.ValidationReport](t, resp)
	if report.Valid || len(report.Findings) != 1 {
		t.Errorf("report = %+v", report)
	}

	f.do(t, http.MethodPost, "/v1/execute", testKey, ExecuteRequest{Code: "return 1"})
	stats := decode[struct {
		Total  int64  `json:"total"`
		Health string `json:"health"`
	}](t, f.do(t, http.MethodGet, "/v1/stats", testKey, nil))
	if stats.Total != 1 || stats.Health != monitor.Healthy {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEpisodes(t *testing.T) {
	unavailable := newFixture(t, 0, nil)
	ep := EpisodeRequest{Task: "deploy", Content: "canary failed", Tags: []string{"k8s"}}
	if resp := unavailable.do(t, http.MethodPost, "/v1/episodes", testKey, ep); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("no store: status = %d", resp.StatusCode)
	}

	f := newFixture(t, 0, memory.NewInMemoryStore())
	resp := f.do(t, http.MethodPost, "/v1/episodes", testKey, ep)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("append: status = %d", resp.StatusCode)
	}
	if got := decode[memory.Episode](t, resp); got.ID == "" {
		t.Error("episode id missing")
	}
	if resp := f.do(t, http.MethodPost, "/v1/episodes", testKey, EpisodeRequest{Task: "x"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid episode: status = %d", resp.StatusCode)
	}

	found := decode[[]memory.Episode](t, f.do(t, http.MethodGet, "/v1/episodes?q=canary&limit=5", testKey, nil))
	if len(found) != 1 {
		t.Errorf("query returned %d episodes", len(found))
	}
}

func TestObservabilityEndpoints(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.do(t, http.MethodPost, "/v1/execute", testKey, ExecuteRequest{Code: "return 1"})

	if resp := f.do(t, http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/readyz", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("readyz: status = %d", resp.StatusCode)
	}
	body := readAll(t, f.do(t, http.MethodGet, "/metrics", "", nil))
	for _, name := range []string{"memsandbox_http_requests_total", "memsandbox_active_requests"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}
