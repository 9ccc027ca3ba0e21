package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

// Kind discriminates ExecutionResult.
type Kind string

const (
	KindSuccess           Kind = "success"
	KindError             Kind = "error"
	KindTimeout           Kind = "timeout"
	KindSecurityViolation Kind = "security_violation"
)

// Kinds lists every result kind.
func Kinds() []Kind {
	return []Kind{KindSuccess, KindError, KindTimeout, KindSecurityViolation}
}

// ErrorType classifies an Error result.
type ErrorType string

const (
	ErrorSyntax  ErrorType = "syntax"
	ErrorRuntime ErrorType = "runtime"
)

// Success is a run that returned normally.
type Success struct {
	Output          string `json:"output"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// ExecutionTime returns the run time as a Duration.
func (s *Success) ExecutionTime() time.Duration {
	return time.Duration(s.ExecutionTimeMs) * time.Millisecond
}

// Error is a run that failed to compile or threw.
type Error struct {
	Message   string    `json:"message"`
	ErrorType ErrorType `json:"error_type"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
}

// Timeout is a run that was killed at its deadline.
type Timeout struct {
	ElapsedMs     int64   `json:"elapsed_ms"`
	PartialOutput *string `json:"partial_output,omitempty"`
}

// Elapsed returns the time until the kill.
func (t *Timeout) Elapsed() time.Duration {
	return time.Duration(t.ElapsedMs) * time.Millisecond
}

// SecurityViolation is a run stopped for breaking policy.
type SecurityViolation struct {
	Reason        string               `json:"reason"`
	ViolationType policy.ViolationType `json:"violation_type"`
}

// ExecutionResult is a tagged union: Kind names the one non-nil variant.
// Build values with the New* constructors.
type ExecutionResult struct {
	Kind      Kind               `json:"kind"`
	Success   *Success           `json:"success,omitempty"`
	Error     *Error             `json:"error,omitempty"`
	Timeout   *Timeout           `json:"timeout,omitempty"`
	Violation *SecurityViolation `json:"security_violation,omitempty"`
}

func NewSuccess(output, stdout, stderr string, elapsed time.Duration) ExecutionResult {
	return ExecutionResult{Kind: KindSuccess, Success: &Success{
		Output:          output,
		Stdout:          stdout,
		Stderr:          stderr,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}}
}

func NewError(errType ErrorType, message, stdout, stderr string) ExecutionResult {
	return ExecutionResult{Kind: KindError, Error: &Error{
		Message:   message,
		ErrorType: errType,
		Stdout:    stdout,
		Stderr:    stderr,
	}}
}

// NewTimeout builds a Timeout. Empty partial output is recorded as absent.
func NewTimeout(elapsed time.Duration, partial string) ExecutionResult {
	t := &Timeout{ElapsedMs: elapsed.Milliseconds()}
	if partial != "" {
		t.PartialOutput = &partial
	}
	return ExecutionResult{Kind: KindTimeout, Timeout: t}
}

func NewViolation(vtype policy.ViolationType, reason string) ExecutionResult {
	return ExecutionResult{Kind: KindSecurityViolation, Violation: &SecurityViolation{
		Reason:        reason,
		ViolationType: vtype,
	}}
}

// FromViolation converts a gate denial.
func FromViolation(v *policy.Violation) ExecutionResult {
	return NewViolation(v.Type, v.Error())
}

// Check reports whether r is a well-formed union.
func (r ExecutionResult) Check() error {
	set := 0
	for _, p := range []bool{r.Success != nil, r.Error != nil, r.Timeout != nil, r.Violation != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("execution result has %d variants set, want 1", set)
	}
	var ok bool
	switch r.Kind {
	case KindSuccess:
		ok = r.Success != nil
	case KindError:
		ok = r.Error != nil
	case KindTimeout:
		ok = r.Timeout != nil
	case KindSecurityViolation:
		ok = r.Violation != nil && r.Violation.ViolationType.Valid()
	default:
		return fmt.Errorf("unknown result kind %q", r.Kind)
	}
	if !ok {
		return fmt.Errorf("result kind %q does not match its variant", r.Kind)
	}
	return nil
}

// UnmarshalJSON rejects payloads that are not a well-formed union.
func (r *ExecutionResult) UnmarshalJSON(data []byte) error {
	type plain ExecutionResult
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	res := ExecutionResult(p)
	if err := res.Check(); err != nil {
		return errors.Join(ErrProtocol, err)
	}
	*r = res
	return nil
}

// Summary is a one-line description for logs and CLI output.
func (r ExecutionResult) Summary() string {
	switch r.Kind {
	case KindSuccess:
		return fmt.Sprintf("success in %s", r.Success.ExecutionTime())
	case KindError:
		return fmt.Sprintf("%s error: %s", r.Error.ErrorType, r.Error.Message)
	case KindTimeout:
		return fmt.Sprintf("timed out after %s", r.Timeout.Elapsed())
	case KindSecurityViolation:
		return fmt.Sprintf("%s violation: %s", r.Violation.ViolationType, r.Violation.Reason)
	default:
		return string(r.Kind)
	}
}

// ViolationType returns the violation kind, or zero when r is not a violation.
func (r ExecutionResult) ViolationType() policy.ViolationType {
	if r.Violation == nil {
		return 0
	}
	return r.Violation.ViolationType
}
