package validator

import (
	"errors"
	"strings"
	"testing"

	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		code string
		want policy.ViolationType // 0 = allowed
	}{
		{"arithmetic", "return 1 + 1", 0},
		{"console", "console.log('hi'); return {ok: true}", 0},
		{"bounded loop", "let s = 0; for (let i = 0; i < 10; i++) { s += i } return s", 0},
		{"while one", "while(1){}", 0},
		{"fetch is gated at runtime", "await fetch('https://example.com')", 0},
		{"require fs single", "const fs = require('fs')", policy.FilesystemAccess},
		{"require fs double", `const fs = require("fs")`, policy.FilesystemAccess},
		{"fs promises", `require("fs/promises")`, policy.FilesystemAccess},
		{"readFile", "readFile('/etc/passwd')", policy.FilesystemAccess},
		{"dirname", "return __dirname", policy.FilesystemAccess},
		{"http", "require('http')", policy.NetworkAccess},
		{"dgram", "require('dgram')", policy.NetworkAccess},
		{"xhr", "new XMLHttpRequest()", policy.NetworkAccess},
		{"websocket", "new WebSocket('ws://x')", policy.NetworkAccess},
		{"child process", "require('child_process')", policy.ProcessSpawn},
		{"exec", "exec('ls')", policy.ProcessSpawn},
		{"spawnSync", "spawnSync('sh')", policy.ProcessSpawn},
		{"process exit", "process.exit(1)", policy.ProcessSpawn},
		{"eval", "eval('1')", policy.CodeInjection},
		{"function ctor", "Function('return 1')()", policy.CodeInjection},
		{"new function", "new Function", policy.CodeInjection},
		{"while true", "while(true){}", policy.ResourceExhaustion},
		{"while true spaced", "while (true) {}", policy.ResourceExhaustion},
		{"for ever", "for(;;){}", policy.ResourceExhaustion},
		{"for ever spaced", "for (;;) {}", policy.ResourceExhaustion},
		{"too large", strings.Repeat("a", policy.MaxCodeBytes+1), policy.ResourceExhaustion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.code)
			if tt.want == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			v, ok := policy.AsViolation(err)
			if !ok {
				t.Fatalf("error = %v, want violation", err)
			}
			if v.Type != tt.want {
				t.Errorf("type = %v, want %v", v.Type, tt.want)
			}
		})
	}
}

func TestValidate_FirstRuleWins(t *testing.T) {
	err := Validate("eval(readFile('x'))")
	v, ok := policy.AsViolation(err)
	if !ok || v.Type != policy.FilesystemAccess {
		t.Fatalf("error = %v, want filesystem_access", err)
	}
}

func TestValidate_Deterministic(t *testing.T) {
	code := "require('net')"
	first, second := Validate(code), Validate(code)
	if first.Error() != second.Error() {
		t.Errorf("validation is not deterministic: %q vs %q", first, second)
	}
}

func TestValidate_InvalidUTF8(t *testing.T) {
	if err := Validate("return '\xff'"); !errors.Is(err, ErrInvalidEncoding) {
		t.Errorf("error = %v, want ErrInvalidEncoding", err)
	}
}

func TestValidateFor_GatedBindings(t *testing.T) {
	fsPolicy, err := policy.New(policy.Default(), policy.WithFilesystem([]string{"/tmp"}, true))
	if err != nil {
		t.Fatal(err)
	}
	if err := ValidateFor("return fs.readFile('/tmp/a')", fsPolicy); err != nil {
		t.Errorf("readFile should pass when paths are whitelisted: %v", err)
	}
	if err := ValidateFor("eval('1')", fsPolicy); err == nil {
		t.Error("eval must stay blocked regardless of policy")
	}

	netPolicy, err := policy.New(policy.Default(), policy.WithAllowedDomains("example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ValidateFor("new WebSocket('wss://example.com')", netPolicy); err != nil {
		t.Errorf("network names should pass when the network is open: %v", err)
	}
	if err := ValidateFor("readFile('x')", netPolicy); err == nil {
		t.Error("filesystem names should still be blocked")
	}
}

func TestScan(t *testing.T) {
	findings := Scan("eval(1); eval(2); while(true){}")
	if len(findings) != 3 {
		t.Fatalf("findings = %d, want 3: %+v", len(findings), findings)
	}
	if findings[0].Offset != 0 || findings[1].Offset != 9 {
		t.Errorf("offsets = %d, %d, want 0, 9", findings[0].Offset, findings[1].Offset)
	}
	if findings[2].Type != policy.ResourceExhaustion {
		t.Errorf("last finding type = %v, want resource_exhaustion", findings[2].Type)
	}
	if got := Scan("return 1"); len(got) != 0 {
		t.Errorf("clean code produced findings: %+v", got)
	}
}
