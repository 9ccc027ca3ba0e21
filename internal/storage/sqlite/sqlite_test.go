package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/security"
	"github.com/jkaninda/memsandbox/internal/storage"
)

func openTest(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(Config{Path: path}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestStore_Lifecycle(t *testing.T) {
	s := openTest(t, filepath.Join(t.TempDir(), "db", "memsandbox.db"))
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver = %q", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Audit() != s.Audit() {
		t.Error("Audit() should return the same repository")
	}
}

func TestAudit_AppendQuery(t *testing.T) {
	s := openTest(t, InMemory)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, client := range []string{"alice", "bob", "alice"} {
		ev := security.AuditEvent{
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			ExecutionID:   client + "-" + string(rune('a'+i)),
			Client:        client,
			Gateway:       "http",
			CodeSHA256:    security.HashCode("return 1"),
			CodeBytes:     8,
			Outcome:       "security_violation",
			ViolationType: "network_access",
			DurationMs:    int64(i),
		}
		if err := s.Audit().Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := s.Audit().Query(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events for alice, want 2", len(events))
	}
	if events[0].ExecutionID != "alice-c" || events[1].ExecutionID != "alice-a" {
		t.Errorf("order = %s, %s; want newest first", events[0].ExecutionID, events[1].ExecutionID)
	}
	if events[0].ViolationType != "network_access" || events[0].CodeSHA256 != security.HashCode("return 1") {
		t.Errorf("round trip lost fields: %+v", events[0])
	}

	all, err := s.Audit().Query(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("got %d events, want 3", len(all))
	}
}

func TestEpisodes_AppendQuery(t *testing.T) {
	s := openTest(t, InMemory)
	ctx := context.Background()
	eps := s.Episodes()
	base := time.Now().UTC().Add(-time.Hour)

	for i, ep := range []memory.Episode{
		{Task: "deploy api", Content: "rollout ok", Tags: []string{"K8s"}},
		{Task: "debug", Content: "found 50% packet loss", Outcome: "fixed"},
		{Task: "Deploy worker", Content: "image pull failed", Tags: []string{"k8s", "incident"}},
	} {
		ep.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := eps.Append(ctx, &ep); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tests := []struct {
		q     string
		limit int
		want  []string
	}{
		{"deploy", 10, []string{"Deploy worker", "deploy api"}},
		{"k8s", 10, []string{"Deploy worker", "deploy api"}},
		{"incident", 10, []string{"Deploy worker"}},
		{"50%", 10, []string{"debug"}},
		{"%", 10, []string{"debug"}},
		{"_", 10, nil},
		{"", 2, []string{"Deploy worker", "debug"}},
	}
	for _, tt := range tests {
		got, err := eps.Query(ctx, tt.q, tt.limit)
		if err != nil {
			t.Fatalf("Query(%q): %v", tt.q, err)
		}
		if len(got) != len(tt.want) {
			t.Errorf("Query(%q) returned %d episodes, want %d", tt.q, len(got), len(tt.want))
			continue
		}
		for i := range got {
			if got[i].Task != tt.want[i] {
				t.Errorf("Query(%q)[%d] = %q, want %q", tt.q, i, got[i].Task, tt.want[i])
			}
		}
	}

	got, _ := eps.Query(ctx, "incident", 1)
	if len(got) != 1 || len(got[0].Tags) != 2 || got[0].Tags[0] != "k8s" || got[0].ID == "" {
		t.Errorf("episode round trip = %+v", got)
	}
}

func TestEpisodes_RejectsInvalid(t *testing.T) {
	s := openTest(t, InMemory)
	err := s.Episodes().Append(context.Background(), &memory.Episode{Content: "no task"})
	if !errors.Is(err, memory.ErrInvalidEpisode) {
		t.Errorf("err = %v, want ErrInvalidEpisode", err)
	}
}
