// Package config handles loading and validating memsandbox configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for memsandbox.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Default: ~/.memsandbox. Override: MEMSANDBOX_DATA_DIR.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // debug, info, warn, error. Override: MEMSANDBOX_LOG_LEVEL.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under the data directory
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// SandboxConfig selects the policy preset and the overrides applied on top of it.
// Zero values keep the preset's setting.
type SandboxConfig struct {
	Preset           string   `json:"preset" yaml:"preset"`                   // restrictive, default or permissive. Override: MEMSANDBOX_PRESET.
	MaxConcurrency   int      `json:"max_concurrency" yaml:"max_concurrency"` // Default: 20. Override: MEMSANDBOX_MAX_CONCURRENCY.
	MaxExecutionMs   int      `json:"max_execution_ms" yaml:"max_execution_ms"`
	MaxMemoryMB      int      `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUPercent    int      `json:"max_cpu_percent" yaml:"max_cpu_percent"` // Advisory: lowers scheduling priority only.
	AllowedPaths     []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`
	ReadOnly         *bool    `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	AllowedDomains   []string `json:"allowed_domains,omitempty" yaml:"allowed_domains,omitempty"` // Non-empty opens the network.
	AllowedIPs       []string `json:"allowed_ips,omitempty" yaml:"allowed_ips,omitempty"`
	MaxRequests      *int     `json:"max_requests,omitempty" yaml:"max_requests,omitempty"`
	DropUID          *int     `json:"drop_uid,omitempty" yaml:"drop_uid,omitempty"`
	DropGID          *int     `json:"drop_gid,omitempty" yaml:"drop_gid,omitempty"`
	Seccomp          *bool    `json:"seccomp,omitempty" yaml:"seccomp,omitempty"`
	HelperPath       string   `json:"helper_path,omitempty" yaml:"helper_path,omitempty"` // Default: this executable.
	TempRoot         string   `json:"temp_root,omitempty" yaml:"temp_root,omitempty"`     // Default: a private dir under the user cache dir.
	MemoryQueryLimit int      `json:"memory_query_limit,omitempty" yaml:"memory_query_limit,omitempty"`

	// Presets callers may request. Default: the configured preset and the
	// ones stricter than it.
	AllowedPresets []string `json:"allowed_presets,omitempty" yaml:"allowed_presets,omitempty"`
}

// Concurrency returns the executor slot count with a default of 20.
func (s *SandboxConfig) Concurrency() int64 {
	if s.MaxConcurrency > 0 {
		return int64(s.MaxConcurrency)
	}
	return 20
}

// PresetAllowed reports whether a caller may request preset. The configured
// preset always is.
func (s *SandboxConfig) PresetAllowed(preset string) bool {
	want, err := policy.PresetRank(preset)
	if err != nil {
		return false
	}
	own, err := policy.PresetRank(s.Preset)
	if err != nil {
		return false
	}
	if want == own {
		return true
	}
	if len(s.AllowedPresets) == 0 {
		return want < own
	}
	for _, p := range s.AllowedPresets {
		if r, err := policy.PresetRank(p); err == nil && r == want {
			return true
		}
	}
	return false
}

// RequestablePresets lists the presets PresetAllowed accepts.
func (s *SandboxConfig) RequestablePresets() []string {
	var out []string
	for _, p := range policy.PresetNames() {
		if s.PresetAllowed(p) {
			out = append(out, p)
		}
	}
	return out
}

// Policy resolves the named preset and applies the configured overrides.
func (s *SandboxConfig) Policy() (policy.Config, error) {
	return s.PolicyFor(s.Preset)
}

// PolicyFor resolves preset instead of the configured one and applies the
// configured overrides.
func (s *SandboxConfig) PolicyFor(preset string) (policy.Config, error) {
	base, err := policy.Preset(preset)
	if err != nil {
		return policy.Config{}, err
	}
	var opts []policy.Option
	if s.MaxExecutionMs > 0 {
		opts = append(opts, policy.WithTimeout(time.Duration(s.MaxExecutionMs)*time.Millisecond))
	}
	if s.MaxMemoryMB > 0 {
		opts = append(opts, policy.WithMemoryLimit(int64(s.MaxMemoryMB)<<20))
	}
	if s.MaxCPUPercent > 0 {
		opts = append(opts, policy.WithCPUPercent(s.MaxCPUPercent))
	}
	if len(s.AllowedPaths) > 0 {
		readOnly := true
		if s.ReadOnly != nil {
			readOnly = *s.ReadOnly
		}
		opts = append(opts, policy.WithFilesystem(s.AllowedPaths, readOnly))
	}
	if len(s.AllowedDomains) > 0 || len(s.AllowedIPs) > 0 {
		opts = append(opts,
			policy.WithBlockAllNetwork(false),
			policy.WithAllowedDomains(s.AllowedDomains...),
			policy.WithAllowedIPs(s.AllowedIPs...),
		)
	}
	if s.MaxRequests != nil {
		opts = append(opts, policy.WithMaxRequests(*s.MaxRequests))
	}
	if s.DropUID != nil {
		gid := *s.DropUID
		if s.DropGID != nil {
			gid = *s.DropGID
		}
		opts = append(opts, policy.WithDropPrivileges(*s.DropUID, gid))
	}
	if s.Seccomp != nil {
		opts = append(opts, policy.WithSeccomp(*s.Seccomp))
	}
	return policy.New(base, opts...)
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database under the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "memory", "sqlite" (default) or "postgres". Override: MEMSANDBOX_STORAGE_DRIVER.
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the driver name with a default of "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/memsandbox.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // Default: "wal"
}

// PostgresStorageConfig holds PostgreSQL settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: MEMSANDBOX_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// AuditConfig configures the execution audit trail.
type AuditConfig struct {
	Disabled bool   `json:"disabled" yaml:"disabled"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"` // JSONL file. Default: <data_dir>/audit.jsonl
	Store    bool   `json:"store" yaml:"store"`                   // Also append to the storage backend.
}

// GatewaysConfig configures the network and stdio surfaces.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
	MCP       *MCPGatewayConfig       `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: MEMSANDBOX_HTTP_ADDR.
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 512 KiB.
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"`                             // API key → client name. MEMSANDBOX_API_KEY adds one for "default".
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxBodyBytes returns the request size cap with a default of 512 KiB.
func (h *HTTPGatewayConfig) MaxBodyBytes() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 512 << 10
}

// WebSocketGatewayConfig configures the WebSocket execution stream.
type WebSocketGatewayConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	Path             string `json:"path" yaml:"path"`                             // Default: "/v1/ws".
	MaxInFlight      int    `json:"max_in_flight" yaml:"max_in_flight"`           // Per connection. Default: 8.
	PingIntervalSecs int    `json:"ping_interval_secs" yaml:"ping_interval_secs"` // Default: 30.
}

// WSPath returns the WebSocket path with a default of "/v1/ws".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/v1/ws"
}

// InFlight returns the per-connection execution cap with a default of 8.
func (w *WebSocketGatewayConfig) InFlight() int {
	if w != nil && w.MaxInFlight > 0 {
		return w.MaxInFlight
	}
	return 8
}

// PingInterval returns the keepalive interval with a default of 30s.
func (w *WebSocketGatewayConfig) PingInterval() time.Duration {
	if w != nil && w.PingIntervalSecs > 0 {
		return time.Duration(w.PingIntervalSecs) * time.Second
	}
	return 30 * time.Second
}

// MCPGatewayConfig configures the MCP stdio server.
type MCPGatewayConfig struct {
	Client string `json:"client" yaml:"client"` // Client name recorded in the audit trail. Default: "mcp".
}

// ClientName returns the audit client name with a default of "mcp".
func (m *MCPGatewayConfig) ClientName() string {
	if m != nil && m.Client != "" {
		return m.Client
	}
	return "mcp"
}

// RateLimitConfig configures per-client rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, anomaly detection and the stats reporter.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics  *MetricsConfig  `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing  *TracingConfig  `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly  *AnomalyConfig  `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
	Reporter *ReporterConfig `json:"reporter,omitempty" yaml:"reporter,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317". Override: MEMSANDBOX_OTLP_ENDPOINT.
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "memsandbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection over sliding windows.
type AnomalyConfig struct {
	Enabled                bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold     float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`         // e.g. 0.5 = 50% failed executions
	ViolationRateThreshold float64 `json:"violation_rate_threshold" yaml:"violation_rate_threshold"` // e.g. 0.3 = 30% security violations
	WindowSeconds          int     `json:"window_seconds" yaml:"window_seconds"`                     // Sliding window. Default: 300
}

// ReporterConfig configures the periodic stats log.
type ReporterConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // Cron spec. Default: "@every 1m"
}

// Spec returns the cron schedule with a default of "@every 1m".
func (r *ReporterConfig) Spec() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "@every 1m"
}

// DefaultConfigPath returns the default config file path (~/.memsandbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/memsandbox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".memsandbox", "config.yaml")
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{Preset: policy.PresetDefault},
		Gateways: GatewaysConfig{
			HTTP:      &HTTPGatewayConfig{},
			WebSocket: &WebSocketGatewayConfig{Enabled: true},
		},
	}
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path selects DefaultConfigPath, and a missing file there yields Default.
// MEMSANDBOX_* environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	cfg := Default()
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		cfg = &Config{}
		if err := decode(resolved, data, cfg); err != nil {
			return nil, err
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
		// Defaults.
	default:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv applies MEMSANDBOX_* overrides. Env vars take precedence over config values.
func (c *Config) applyEnv() error {
	c.DataDir = goutils.Env("MEMSANDBOX_DATA_DIR", c.DataDir)
	c.LogLevel = goutils.Env("MEMSANDBOX_LOG_LEVEL", c.LogLevel)
	c.Sandbox.Preset = goutils.Env("MEMSANDBOX_PRESET", c.Sandbox.Preset)

	if v := goutils.Env("MEMSANDBOX_MAX_CONCURRENCY", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MEMSANDBOX_MAX_CONCURRENCY: %w", err)
		}
		c.Sandbox.MaxConcurrency = n
	}

	if drv := goutils.Env("MEMSANDBOX_STORAGE_DRIVER", ""); drv != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = drv
	}
	if dsn := goutils.Env("MEMSANDBOX_DB_DSN", ""); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}

	if addr := goutils.Env("MEMSANDBOX_HTTP_ADDR", ""); addr != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{}
		}
		c.Gateways.HTTP.ListenAddr = addr
	}
	if key := goutils.Env("MEMSANDBOX_API_KEY", ""); key != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{}
		}
		if c.Gateways.HTTP.APIKeys == nil {
			c.Gateways.HTTP.APIKeys = make(map[string]string)
		}
		c.Gateways.HTTP.APIKeys[key] = "default"
	}

	if ep := goutils.Env("MEMSANDBOX_OTLP_ENDPOINT", ""); ep != "" {
		if c.Observability == nil {
			c.Observability = &ObservabilityConfig{}
		}
		if c.Observability.Tracing == nil {
			c.Observability.Tracing = &TracingConfig{}
		}
		c.Observability.Tracing.Enabled = true
		c.Observability.Tracing.Endpoint = ep
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".memsandbox")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "memsandbox.db")
}

// AuditLogPath returns the JSONL audit log path.
func (c *Config) AuditLogPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not supported (use debug, info, warn or error)", c.LogLevel)
	}
	if c.Sandbox.MaxConcurrency < 0 {
		return fmt.Errorf("sandbox.max_concurrency must not be negative")
	}
	if c.Sandbox.MaxExecutionMs < 0 {
		return fmt.Errorf("sandbox.max_execution_ms must not be negative")
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxCPUPercent < 0 || c.Sandbox.MaxCPUPercent > 100 {
		return fmt.Errorf("sandbox.max_cpu_percent must be between 0 and 100")
	}
	if _, err := c.Sandbox.Policy(); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	for _, p := range c.Sandbox.AllowedPresets {
		if _, err := policy.PresetRank(p); err != nil {
			return fmt.Errorf("sandbox.allowed_presets: %w", err)
		}
	}

	switch c.StorageDriverName() {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set MEMSANDBOX_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use memory, sqlite or postgres)", c.Storage.Driver)
	}
	if c.Audit.Store && c.StorageDriverName() == "memory" {
		return fmt.Errorf("audit.store requires a sqlite or postgres storage driver")
	}

	if h := c.Gateways.HTTP; h != nil {
		if h.RateLimit.RequestsPerMinute < 0 || h.RateLimit.BurstSize < 0 {
			return fmt.Errorf("gateways.http.rate_limit values must not be negative")
		}
		for key, client := range h.APIKeys {
			if key == "" || client == "" {
				return fmt.Errorf("gateways.http.api_keys entries need a key and a client name")
			}
		}
	}
	if w := c.Gateways.WebSocket; w != nil && w.Path != "" && !strings.HasPrefix(w.Path, "/") {
		return fmt.Errorf("gateways.websocket.path must start with /")
	}

	if o := c.Observability; o != nil {
		if t := o.Tracing; t != nil && t.Enabled {
			if t.Endpoint == "" {
				return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
			}
			switch t.Protocol {
			case "", "grpc", "http":
			default:
				return fmt.Errorf("observability.tracing.protocol must be grpc or http")
			}
		}
		if a := o.Anomaly; a != nil {
			if a.ErrorRateThreshold < 0 || a.ErrorRateThreshold > 1 || a.ViolationRateThreshold < 0 || a.ViolationRateThreshold > 1 {
				return fmt.Errorf("observability.anomaly thresholds must be between 0 and 1")
			}
		}
	}
	return nil
}
