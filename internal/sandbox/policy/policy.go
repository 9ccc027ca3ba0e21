// Package policy defines the immutable limits and allow/deny rules that govern
// one sandbox execution, the three named presets, and the closed set of
// violation kinds every other sandbox layer reports.
//
// A Config is a value: constructors copy every slice they receive and
// accessors hand out copies, so a Config shared by reference across
// concurrent executions can never be changed underneath them.
//
// Enforcement strength differs per limit:
//   - MaxExecutionTime is always enforced by killing the isolated process.
//   - MaxMemoryBytes is enforced through RLIMIT_DATA and a heap watchdog
//     where the platform supports it; elsewhere it is advisory.
//   - MaxCPUPercent is advisory. It lowers the scheduling priority of the
//     isolated process and is never used to terminate it.
package policy

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrInvalid is returned by Validate for out-of-range values.
var ErrInvalid = errors.New("invalid sandbox policy")

const (
	// MaxCodeBytes bounds the size of accepted source text.
	MaxCodeBytes = 100_000

	defaultMaxPathDepth = 10
	defaultMaxProcesses = 1
)

// Preset names accepted by Preset.
const (
	PresetRestrictive = "restrictive"
	PresetDefault     = "default"
	PresetPermissive  = "permissive"
)

// Config is the policy applied to one execution.
type Config struct {
	// Resource ceilings.
	MaxExecutionTime time.Duration `json:"max_execution_time" yaml:"max_execution_time"`
	MaxMemoryBytes   int64         `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxCPUPercent    int           `json:"max_cpu_percent" yaml:"max_cpu_percent"` // Advisory, 1-100.

	// Filesystem rule.
	AllowedPaths   []string `json:"allowed_paths" yaml:"allowed_paths"`
	ReadOnly       bool     `json:"read_only" yaml:"read_only"`
	MaxPathDepth   int      `json:"max_path_depth" yaml:"max_path_depth"`
	FollowSymlinks bool     `json:"follow_symlinks" yaml:"follow_symlinks"`

	// Network rule. BlockAllNetwork wins over every allow list.
	BlockAllNetwork bool     `json:"block_all_network" yaml:"block_all_network"`
	AllowedDomains  []string `json:"allowed_domains" yaml:"allowed_domains"`
	AllowedIPs      []string `json:"allowed_ips" yaml:"allowed_ips"`
	HTTPSOnly       bool     `json:"https_only" yaml:"https_only"`
	BlockPrivateIPs bool     `json:"block_private_ips" yaml:"block_private_ips"`
	BlockLocalhost  bool     `json:"block_localhost" yaml:"block_localhost"`
	MaxRequests     int      `json:"max_requests" yaml:"max_requests"` // 0 = no requests.

	// Isolation rule.
	DropUID      *int `json:"drop_uid,omitempty" yaml:"drop_uid,omitempty"`
	DropGID      *int `json:"drop_gid,omitempty" yaml:"drop_gid,omitempty"`
	MaxProcesses int  `json:"max_processes" yaml:"max_processes"` // 1 = the sandbox process only.
	Seccomp      bool `json:"seccomp" yaml:"seccomp"`             // Linux only; ignored elsewhere.
}

// Restrictive is the tightest preset: 3s, 64 MB, 30% CPU, no filesystem,
// no network.
func Restrictive() Config {
	return Config{
		MaxExecutionTime: 3 * time.Second,
		MaxMemoryBytes:   64 << 20,
		MaxCPUPercent:    30,
		ReadOnly:         true,
		MaxPathDepth:     defaultMaxPathDepth,
		BlockAllNetwork:  true,
		HTTPSOnly:        true,
		BlockPrivateIPs:  true,
		BlockLocalhost:   true,
		MaxProcesses:     defaultMaxProcesses,
		Seccomp:          true,
	}
}

// Default is the preset used when nothing else is configured: 5s, 128 MB,
// 50% CPU, deny-all filesystem and network.
func Default() Config {
	c := Restrictive()
	c.MaxExecutionTime = 5 * time.Second
	c.MaxMemoryBytes = 128 << 20
	c.MaxCPUPercent = 50
	return c
}

// Permissive is meant for trusted code: 10s, 256 MB, 80% CPU and read-write
// access under /tmp. Network stays blocked unless overridden, with a budget
// of 10 requests once it is opened.
func Permissive() Config {
	c := Default()
	c.MaxExecutionTime = 10 * time.Second
	c.MaxMemoryBytes = 256 << 20
	c.MaxCPUPercent = 80
	c.AllowedPaths = []string{"/tmp"}
	c.ReadOnly = false
	c.MaxRequests = 10
	return c
}

// Preset returns the named preset. The empty name selects Default.
func Preset(name string) (Config, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PresetRestrictive:
		return Restrictive(), nil
	case "", PresetDefault:
		return Default(), nil
	case PresetPermissive:
		return Permissive(), nil
	default:
		return Config{}, fmt.Errorf("%w: unknown preset %q", ErrInvalid, name)
	}
}

// PresetNames lists the accepted preset names in order of strictness.
func PresetNames() []string {
	return []string{PresetRestrictive, PresetDefault, PresetPermissive}
}

// PresetRank orders presets from the strictest (0) to the loosest. The empty
// name ranks as Default.
func PresetRank(name string) (int, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		n = PresetDefault
	}
	for i, p := range PresetNames() {
		if p == n {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown preset %q", ErrInvalid, name)
}

// Option overrides one aspect of a base Config.
type Option func(*Config)

// New builds a Config from base with the given overrides applied, then
// validates it. The result shares no memory with base.
func New(base Config, opts ...Option) (Config, error) {
	c := base.Clone()
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.AllowedPaths = slices.Clone(c.AllowedPaths)
	out.AllowedDomains = slices.Clone(c.AllowedDomains)
	out.AllowedIPs = slices.Clone(c.AllowedIPs)
	if c.DropUID != nil {
		v := *c.DropUID
		out.DropUID = &v
	}
	if c.DropGID != nil {
		v := *c.DropGID
		out.DropGID = &v
	}
	return out
}

// Validate checks that every limit is in range.
func (c Config) Validate() error {
	if c.MaxExecutionTime <= 0 {
		return fmt.Errorf("%w: max_execution_time must be positive", ErrInvalid)
	}
	if c.MaxMemoryBytes <= 0 {
		return fmt.Errorf("%w: max_memory_bytes must be positive", ErrInvalid)
	}
	if c.MaxCPUPercent < 1 || c.MaxCPUPercent > 100 {
		return fmt.Errorf("%w: max_cpu_percent must be between 1 and 100", ErrInvalid)
	}
	if c.MaxPathDepth < 0 {
		return fmt.Errorf("%w: max_path_depth must not be negative", ErrInvalid)
	}
	if c.MaxRequests < 0 {
		return fmt.Errorf("%w: max_requests must not be negative", ErrInvalid)
	}
	if c.MaxProcesses < 1 {
		return fmt.Errorf("%w: max_processes must be at least 1", ErrInvalid)
	}
	if c.DropUID != nil && *c.DropUID < 0 {
		return fmt.Errorf("%w: drop_uid must not be negative", ErrInvalid)
	}
	if c.DropGID != nil && *c.DropGID < 0 {
		return fmt.Errorf("%w: drop_gid must not be negative", ErrInvalid)
	}
	for _, p := range c.AllowedPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%w: allowed path %q must be absolute", ErrInvalid, p)
		}
	}
	return nil
}

// NetworkEnabled reports whether any network target could be permitted.
func (c Config) NetworkEnabled() bool {
	return !c.BlockAllNetwork && c.MaxRequests > 0 && (len(c.AllowedDomains) > 0 || len(c.AllowedIPs) > 0)
}

// --- Options ---

// WithTimeout sets MaxExecutionTime.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.MaxExecutionTime = d }
}

// WithMemoryLimit sets MaxMemoryBytes.
func WithMemoryLimit(bytes int64) Option {
	return func(c *Config) { c.MaxMemoryBytes = bytes }
}

// WithCPUPercent sets the advisory CPU share.
func WithCPUPercent(pct int) Option {
	return func(c *Config) { c.MaxCPUPercent = pct }
}

// WithFilesystem replaces the filesystem rule.
func WithFilesystem(paths []string, readOnly bool) Option {
	return func(c *Config) {
		c.AllowedPaths = slices.Clone(paths)
		c.ReadOnly = readOnly
	}
}

// WithMaxPathDepth sets the deepest path the filesystem gate accepts.
func WithMaxPathDepth(depth int) Option {
	return func(c *Config) { c.MaxPathDepth = depth }
}

// WithFollowSymlinks allows symlinks whose targets stay inside the whitelist.
func WithFollowSymlinks(follow bool) Option {
	return func(c *Config) { c.FollowSymlinks = follow }
}

// WithAllowedDomains opens the network to the given domains and their
// subdomains, keeping HTTPS-only and private-range blocking as they are.
// A zero request budget is raised to 10.
func WithAllowedDomains(domains ...string) Option {
	return func(c *Config) {
		c.BlockAllNetwork = false
		c.AllowedDomains = normalizeDomains(domains)
		if c.MaxRequests == 0 {
			c.MaxRequests = 10
		}
	}
}

// WithAllowedIPs permits literal IP targets.
func WithAllowedIPs(ips ...string) Option {
	return func(c *Config) { c.AllowedIPs = slices.Clone(ips) }
}

// WithBlockAllNetwork closes or reopens the network.
func WithBlockAllNetwork(block bool) Option {
	return func(c *Config) { c.BlockAllNetwork = block }
}

// WithHTTPSOnly toggles rejection of plain http targets.
func WithHTTPSOnly(on bool) Option {
	return func(c *Config) { c.HTTPSOnly = on }
}

// WithBlockPrivateIPs toggles private, link-local and broadcast blocking.
func WithBlockPrivateIPs(on bool) Option {
	return func(c *Config) { c.BlockPrivateIPs = on }
}

// WithBlockLocalhost toggles loopback blocking.
func WithBlockLocalhost(on bool) Option {
	return func(c *Config) { c.BlockLocalhost = on }
}

// WithMaxRequests sets the per-execution request budget.
func WithMaxRequests(n int) Option {
	return func(c *Config) { c.MaxRequests = n }
}

// WithDropPrivileges runs the isolated process as uid:gid.
func WithDropPrivileges(uid, gid int) Option {
	return func(c *Config) {
		c.DropUID = &uid
		c.DropGID = &gid
	}
}

// WithMaxProcesses sets the process ceiling.
func WithMaxProcesses(n int) Option {
	return func(c *Config) { c.MaxProcesses = n }
}

// WithSeccomp toggles the syscall filter.
func WithSeccomp(on bool) Option {
	return func(c *Config) { c.Seccomp = on }
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}
