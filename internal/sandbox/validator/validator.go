// Package validator rejects source text that names a dangerous primitive
// before any process is spawned for it.
//
// Matching is plain substring search on the raw text. It is a cheap first
// filter and is expected to miss obfuscated variants; the isolated runtime
// enforces the same rules again at the point of access.
package validator

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

// ErrInvalidEncoding is returned for source text that is not valid UTF-8.
var ErrInvalidEncoding = errors.New("code is not valid UTF-8")

// Finding is one pattern match.
type Finding struct {
	Type    policy.ViolationType `json:"type"`
	Pattern string               `json:"pattern"`
	Offset  int                  `json:"offset"`
}

type rule struct {
	vtype    policy.ViolationType
	reason   string
	patterns []string
}

var (
	filesystemRule = rule{
		vtype:  policy.FilesystemAccess,
		reason: "filesystem primitive",
		patterns: []string{
			"require('fs')", `require("fs")`, "require(`fs`)",
			"require('fs/promises')", `require("fs/promises")`,
			"import fs from", "import * as fs",
			"readFile", "writeFile", "appendFile",
			"mkdir", "rmdir", "unlink",
			"__dirname", "__filename",
		},
	}
	networkRule = rule{
		vtype:  policy.NetworkAccess,
		reason: "network primitive",
		patterns: []string{
			"require('http')", `require("http")`,
			"require('https')", `require("https")`,
			"require('net')", `require("net")`,
			"require('dgram')", `require("dgram")`,
			"XMLHttpRequest", "WebSocket",
			"import('http')", "import('https')",
		},
	}
	processRule = rule{
		vtype:  policy.ProcessSpawn,
		reason: "process control primitive",
		patterns: []string{
			"child_process",
			"exec(", "execSync(", "execFile(",
			"spawn(", "spawnSync(", "fork(",
			"process.exit",
		},
	}
	injectionRule = rule{
		vtype:    policy.CodeInjection,
		reason:   "dynamic code evaluation",
		patterns: []string{"eval(", "Function(", "new Function"},
	}
	loopRule = rule{
		vtype:    policy.ResourceExhaustion,
		reason:   "unbounded loop",
		patterns: []string{"while(true)", "while (true)", "for(;;)", "for (;;)"},
	}
)

// Validate applies the full battery, as for a policy with no filesystem and
// no network access.
func Validate(code string) error {
	return ValidateFor(code, policy.Default())
}

// ValidateFor applies the battery for cfg. Filesystem patterns are skipped
// when cfg whitelists at least one path and network patterns are skipped
// when cfg opens the network, since the gated bindings then carry those
// names legitimately.
func ValidateFor(code string, cfg policy.Config) error {
	if len(code) > policy.MaxCodeBytes {
		return policy.Violationf(policy.ResourceExhaustion, "code exceeds maximum length (%d bytes)", policy.MaxCodeBytes)
	}
	if !utf8.ValidString(code) {
		return ErrInvalidEncoding
	}
	for _, r := range rulesFor(cfg) {
		for _, p := range r.patterns {
			if strings.Contains(code, p) {
				return policy.Violationf(r.vtype, "%s %q is not allowed", r.reason, p)
			}
		}
	}
	return nil
}

// Scan reports every match of the full battery in order of the rules, then
// by offset. It never stops at the first hit.
func Scan(code string) []Finding {
	var out []Finding
	if len(code) > policy.MaxCodeBytes {
		out = append(out, Finding{Type: policy.ResourceExhaustion, Pattern: "size", Offset: policy.MaxCodeBytes})
	}
	for _, r := range rulesFor(policy.Default()) {
		for _, p := range r.patterns {
			for off := 0; ; {
				i := strings.Index(code[off:], p)
				if i < 0 {
					break
				}
				out = append(out, Finding{Type: r.vtype, Pattern: p, Offset: off + i})
				off += i + len(p)
			}
		}
	}
	return out
}

func rulesFor(cfg policy.Config) []rule {
	rules := make([]rule, 0, 5)
	if len(cfg.AllowedPaths) == 0 {
		rules = append(rules, filesystemRule)
	}
	if !cfg.NetworkEnabled() {
		rules = append(rules, networkRule)
	}
	return append(rules, processRule, injectionRule, loopRule)
}
