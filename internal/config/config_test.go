package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "memsandbox.yaml", `
data_dir: /var/lib/memsandbox
sandbox:
  preset: permissive
  max_concurrency: 4
  max_execution_ms: 2500
  allowed_domains: ["api.example.com"]
  max_requests: 3
gateways:
  http:
    listen_addr: ":9090"
    api_keys:
      k1: alice
    rate_limit:
      requests_per_minute: 60
      burst_size: 10
observability:
  reporter:
    enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Concurrency() != 4 || cfg.Gateways.HTTP.Addr() != ":9090" {
		t.Errorf("concurrency=%d addr=%s", cfg.Sandbox.Concurrency(), cfg.Gateways.HTTP.Addr())
	}
	if cfg.Observability.Reporter.Spec() != "@every 1m" {
		t.Errorf("reporter spec = %q", cfg.Observability.Reporter.Spec())
	}

	p, err := cfg.Sandbox.Policy()
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxExecutionTime != 2500*time.Millisecond || p.MaxMemoryBytes != 256<<20 {
		t.Errorf("policy limits = %s / %d", p.MaxExecutionTime, p.MaxMemoryBytes)
	}
	if !p.NetworkEnabled() || p.MaxRequests != 3 {
		t.Errorf("network enabled=%v max_requests=%d", p.NetworkEnabled(), p.MaxRequests)
	}
	if cfg.DatabasePath() != "/var/lib/memsandbox/memsandbox.db" {
		t.Errorf("DatabasePath = %s", cfg.DatabasePath())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "memsandbox.json", `{"sandbox":{"preset":"restrictive"},"storage":{"driver":"memory"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, _ := cfg.Sandbox.Policy()
	if p.MaxExecutionTime != policy.Restrictive().MaxExecutionTime {
		t.Errorf("preset not applied: %s", p.MaxExecutionTime)
	}
	if cfg.StorageDriverName() != "memory" {
		t.Errorf("driver = %s", cfg.StorageDriverName())
	}
}

func TestLoad_MissingDefaultFallsBack(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Preset != policy.PresetDefault || cfg.Gateways.WebSocket.WSPath() != "/v1/ws" {
		t.Errorf("unexpected defaults: %+v", cfg.Sandbox)
	}
}

func TestLoad_MissingExplicitFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for a missing explicit config")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "c.yaml", "sandbox:\n  preset: default\n")
	t.Setenv("MEMSANDBOX_PRESET", "restrictive")
	t.Setenv("MEMSANDBOX_MAX_CONCURRENCY", "7")
	t.Setenv("MEMSANDBOX_DB_DSN", "postgres://u:secret@db:5432/sandbox")
	t.Setenv("MEMSANDBOX_API_KEY", "env-key")
	t.Setenv("MEMSANDBOX_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Preset != "restrictive" || cfg.Sandbox.Concurrency() != 7 {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN == "" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Gateways.HTTP.APIKeys["env-key"] != "default" {
		t.Errorf("api keys = %v", cfg.Gateways.HTTP.APIKeys)
	}
	if tr := cfg.Observability.Tracing; !tr.Enabled || tr.Endpoint != "collector:4317" {
		t.Errorf("tracing = %+v", tr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"negative concurrency", "sandbox:\n  max_concurrency: -1\n", "must not be negative"},
		{"bad preset", "sandbox:\n  preset: yolo\n", "unknown preset"},
		{"cpu range", "sandbox:\n  max_cpu_percent: 150\n", "between 0 and 100"},
		{"bad driver", "storage:\n  driver: mongo\n", "not supported"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn is required"},
		{"audit store in memory", "storage:\n  driver: memory\naudit:\n  store: true\n", "audit.store"},
		{"tracing without endpoint", "observability:\n  tracing:\n    enabled: true\n", "endpoint is required"},
		{"bad log level", "log_level: loud\n", "log_level"},
		{"bad allowed preset", "sandbox:\n  allowed_presets: [yolo]\n", "allowed_presets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestRequestablePresets(t *testing.T) {
	tests := []struct {
		cfg  SandboxConfig
		want string
	}{
		{SandboxConfig{Preset: "restrictive"}, "restrictive"},
		{SandboxConfig{}, "restrictive,default"},
		{SandboxConfig{Preset: "permissive"}, "restrictive,default,permissive"},
		{SandboxConfig{Preset: "restrictive", AllowedPresets: []string{"Permissive"}}, "restrictive,permissive"},
	}
	for _, tt := range tests {
		if got := strings.Join(tt.cfg.RequestablePresets(), ","); got != tt.want {
			t.Errorf("%+v: RequestablePresets() = %s, want %s", tt.cfg, got, tt.want)
		}
	}
	if (&SandboxConfig{}).PresetAllowed("yolo") {
		t.Error("unknown preset allowed")
	}
}
