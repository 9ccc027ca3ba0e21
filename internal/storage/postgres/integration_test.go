//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/security"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAudit_ConcurrentAppends(t *testing.T) {
	db := testDB(t)
	repo := NewAuditRepository(db.GormDB())
	ctx := context.Background()
	client := "it-" + uuid.NewString()[:8]

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Append(ctx, security.AuditEvent{
				Timestamp:   time.Now().UTC(),
				ExecutionID: fmt.Sprintf("exec-%d", i),
				Client:      client,
				Gateway:     "http",
				CodeSHA256:  security.HashCode("return 1"),
				Outcome:     "success",
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	events, err := repo.Query(ctx, client, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 20 {
		t.Errorf("got %d events, want 20", len(events))
	}
}

func TestEpisodes_QueryTags(t *testing.T) {
	db := testDB(t)
	repo := NewEpisodeRepository(db.GormDB())
	ctx := context.Background()
	tag := "it-" + uuid.NewString()[:8]

	if err := repo.Append(ctx, &memory.Episode{Task: "deploy", Content: "rolled back", Tags: []string{tag}}); err != nil {
		t.Fatal(err)
	}
	eps, err := repo.Query(ctx, tag, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 1 || eps[0].Tags[0] != tag {
		t.Errorf("episodes = %+v", eps)
	}
}
