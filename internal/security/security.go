// Package security holds the sandbox's audit trail and gateway credential
// checks.
//
// Audit events describe executions, never their code: the source is
// reduced to a SHA-256 digest before it reaches any sink.
package security

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/jkaninda/memsandbox/internal/sandbox"
)

// Sentinel errors for security enforcement.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrMissingAPIKey    = errors.New("missing or invalid Authorization header")
)

// AuditEvent is a single entry in the append-only execution audit log.
type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	ExecutionID   string    `json:"execution_id"`
	Client        string    `json:"client"`
	Gateway       string    `json:"gateway"` // "http", "ws", "mcp", "cli"
	Task          string    `json:"task,omitempty"`
	CodeSHA256    string    `json:"code_sha256"`
	CodeBytes     int       `json:"code_bytes"`
	Preset        string    `json:"preset,omitempty"`
	Outcome       string    `json:"outcome"`
	ViolationType string    `json:"violation_type,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
}

// Auditor records audit events.
type Auditor interface {
	LogAction(ctx context.Context, event AuditEvent) error
	Close() error
}

// AuditStore is an append-only store for audit events.
// No update or delete methods; immutability is enforced at the interface level.
type AuditStore interface {
	Append(ctx context.Context, event AuditEvent) error
	Query(ctx context.Context, client string, limit int) ([]AuditEvent, error)
}

// HashCode returns the hex SHA-256 of code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// NewAuditEvent describes a finished execution.
func NewAuditEvent(id, client, gateway, task, code, preset string, res sandbox.ExecutionResult, elapsed time.Duration) AuditEvent {
	ev := AuditEvent{
		Timestamp:   time.Now().UTC(),
		ExecutionID: id,
		Client:      client,
		Gateway:     gateway,
		Task:        task,
		CodeSHA256:  HashCode(code),
		CodeBytes:   len(code),
		Preset:      preset,
		Outcome:     string(res.Kind),
		DurationMs:  elapsed.Milliseconds(),
	}
	switch {
	case res.Violation != nil:
		ev.ViolationType = res.Violation.ViolationType.String()
		ev.Error = res.Violation.Reason
	case res.Error != nil:
		ev.Error = res.Error.Message
	}
	return ev
}

// MultiAuditor fans events out to every auditor. All are attempted; the
// errors are joined.
type MultiAuditor []Auditor

func (m MultiAuditor) LogAction(ctx context.Context, event AuditEvent) error {
	var errs []error
	for _, a := range m {
		if err := a.LogAction(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiAuditor) Close() error {
	var errs []error
	for _, a := range m {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// APIKeys maps API keys to client names.
type APIKeys map[string]string

// Authenticate checks a "Bearer <key>" header value and returns the client
// the key belongs to. Every configured key is compared in constant time.
func (k APIKeys) Authenticate(header string) (string, error) {
	key, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || key == "" {
		return "", ErrMissingAPIKey
	}
	client := ""
	for candidate, name := range k {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			client = name
		}
	}
	if client == "" {
		return "", ErrPermissionDenied
	}
	return client, nil
}
