package policy

import (
	"errors"
	"fmt"
)

// ViolationType is the closed set of reasons an execution can be stopped for
// breaking policy. Callers switch over it exhaustively.
type ViolationType int

const (
	FilesystemAccess ViolationType = iota + 1
	NetworkAccess
	ProcessSpawn
	CodeInjection
	ResourceExhaustion
)

var violationNames = map[ViolationType]string{
	FilesystemAccess:   "filesystem_access",
	NetworkAccess:      "network_access",
	ProcessSpawn:       "process_spawn",
	CodeInjection:      "code_injection",
	ResourceExhaustion: "resource_exhaustion",
}

// ViolationTypes lists every member of the enum.
func ViolationTypes() []ViolationType {
	return []ViolationType{FilesystemAccess, NetworkAccess, ProcessSpawn, CodeInjection, ResourceExhaustion}
}

func (v ViolationType) String() string {
	if name, ok := violationNames[v]; ok {
		return name
	}
	return fmt.Sprintf("violation(%d)", int(v))
}

// Valid reports whether v is a member of the enum.
func (v ViolationType) Valid() bool {
	_, ok := violationNames[v]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (v ViolationType) MarshalText() ([]byte, error) {
	name, ok := violationNames[v]
	if !ok {
		return nil, fmt.Errorf("unknown violation type %d", int(v))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names are an
// error so a newer peer cannot smuggle in a kind this build does not handle.
func (v *ViolationType) UnmarshalText(text []byte) error {
	for k, name := range violationNames {
		if name == string(text) {
			*v = k
			return nil
		}
	}
	return fmt.Errorf("unknown violation type %q", string(text))
}

// Violation is the error every gate returns on denial.
type Violation struct {
	Type   ViolationType
	Reason string
}

// Violationf builds a Violation with a formatted reason.
func Violationf(t ViolationType, format string, args ...any) *Violation {
	return &Violation{Type: t, Reason: fmt.Sprintf(format, args...)}
}

func (v *Violation) Error() string {
	return fmt.Sprintf("security violation (%s): %s", v.Type, v.Reason)
}

// AsViolation extracts a Violation from err's chain.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
