package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/memsandbox/internal/sandbox"
	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewAuditEvent_NeverStoresCode(t *testing.T) {
	code := "return secretToken + 1"
	res := sandbox.NewViolation(policy.NetworkAccess, "fetch to evil.com denied")
	ev := NewAuditEvent("id-1", "alice", "http", "sum", code, "default", res, 42*time.Millisecond)

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "secretToken") {
		t.Fatalf("audit event leaks code: %s", data)
	}
	if ev.CodeSHA256 != HashCode(code) || len(ev.CodeSHA256) != 64 {
		t.Errorf("CodeSHA256 = %q", ev.CodeSHA256)
	}
	if ev.Outcome != "security_violation" || ev.ViolationType != "network_access" {
		t.Errorf("outcome=%s violation=%s", ev.Outcome, ev.ViolationType)
	}
	if ev.DurationMs != 42 || ev.CodeBytes != len(code) {
		t.Errorf("duration=%d bytes=%d", ev.DurationMs, ev.CodeBytes)
	}
}

func TestAuditLogger_AppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	al, err := NewAuditLogger(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := NewAuditEvent("id", "c", "cli", "", "return 1", "", sandbox.NewSuccess("1", "", "", time.Duration(i)), 0)
			if err := al.LogAction(context.Background(), ev); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if err := al.Close(); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		lines++
	}
	if lines != 20 {
		t.Errorf("lines = %d, want 20", lines)
	}
}

type memStore struct {
	mu     sync.Mutex
	events []AuditEvent
	err    error
}

func (m *memStore) Append(_ context.Context, ev AuditEvent) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) Query(context.Context, string, int) ([]AuditEvent, error) {
	return m.events, nil
}

func TestMultiAuditor(t *testing.T) {
	good := &memStore{}
	bad := &memStore{err: errors.New("disk full")}
	m := MultiAuditor{NewStoreAuditLogger(bad, testLogger()), NewStoreAuditLogger(good, testLogger())}

	err := m.LogAction(context.Background(), AuditEvent{ExecutionID: "x"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("err = %v", err)
	}
	if len(good.events) != 1 {
		t.Error("a failing sink blocked the others")
	}
	if err := m.Close(); err != nil {
		t.Error(err)
	}
}

func TestAPIKeys_Authenticate(t *testing.T) {
	keys := APIKeys{"k-alice": "alice", "k-bob": "bob"}
	tests := []struct {
		header string
		client string
		err    error
	}{
		{"Bearer k-alice", "alice", nil},
		{"Bearer k-bob", "bob", nil},
		{"Bearer k-eve", "", ErrPermissionDenied},
		{"Bearer ", "", ErrMissingAPIKey},
		{"k-alice", "", ErrMissingAPIKey},
		{"", "", ErrMissingAPIKey},
	}
	for _, tt := range tests {
		client, err := keys.Authenticate(tt.header)
		if client != tt.client || !errors.Is(err, tt.err) {
			t.Errorf("Authenticate(%q) = %q, %v; want %q, %v", tt.header, client, err, tt.client, tt.err)
		}
	}
}
