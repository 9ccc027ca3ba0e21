package sandbox

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

func TestConstructors_ExactlyOneVariant(t *testing.T) {
	results := []ExecutionResult{
		NewSuccess("2", "", "", 3*time.Millisecond),
		NewError(ErrorRuntime, "boom", "out", "err"),
		NewTimeout(time.Second, "partial"),
		NewTimeout(time.Second, ""),
		NewViolation(policy.NetworkAccess, "blocked"),
		FromViolation(policy.Violationf(policy.ProcessSpawn, "spawn")),
	}
	for _, r := range results {
		if err := r.Check(); err != nil {
			t.Errorf("%s: %v", r.Kind, err)
		}
	}
}

func TestExecutionResult_JSONShape(t *testing.T) {
	data, err := json.Marshal(NewSuccess("2", "hi\n", "", 12*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"kind":"success","success":{"output":"2","stdout":"hi\n","stderr":"","execution_time_ms":12}}`
	if string(data) != want {
		t.Errorf("json = %s\nwant   %s", data, want)
	}

	data, err = json.Marshal(NewViolation(policy.FilesystemAccess, "no"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"violation_type":"filesystem_access"`) {
		t.Errorf("violation json = %s", data)
	}
}

func TestExecutionResult_UnmarshalRejectsMalformed(t *testing.T) {
	bad := []string{
		`{"kind":"success"}`,
		`{"kind":"success","error":{"message":"x"}}`,
		`{"kind":"success","success":{},"error":{}}`,
		`{"kind":"weird","success":{}}`,
		`{"kind":"security_violation","security_violation":{"reason":"x","violation_type":"telepathy"}}`,
	}
	for _, in := range bad {
		var r ExecutionResult
		if err := json.Unmarshal([]byte(in), &r); err == nil {
			t.Errorf("accepted %s", in)
		}
	}

	var r ExecutionResult
	in := `{"kind":"timeout","timeout":{"elapsed_ms":1001,"partial_output":"x"}}`
	if err := json.Unmarshal([]byte(in), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Timeout.Elapsed() != 1001*time.Millisecond || *r.Timeout.PartialOutput != "x" {
		t.Errorf("timeout = %+v", r.Timeout)
	}
}

func TestExecutionResult_UnmarshalProtocolError(t *testing.T) {
	var r ExecutionResult
	err := json.Unmarshal([]byte(`{"kind":"error"}`), &r)
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("error = %v, want ErrProtocol", err)
	}
}

func TestSummary(t *testing.T) {
	tests := []struct {
		r    ExecutionResult
		want string
	}{
		{NewSuccess("", "", "", 5*time.Millisecond), "success in 5ms"},
		{NewError(ErrorSyntax, "bad", "", ""), "syntax error: bad"},
		{NewTimeout(time.Second, ""), "timed out after 1s"},
		{NewViolation(policy.CodeInjection, "eval"), "code_injection violation: eval"},
	}
	for _, tt := range tests {
		if got := tt.r.Summary(); got != tt.want {
			t.Errorf("Summary() = %q, want %q", got, tt.want)
		}
	}
}
