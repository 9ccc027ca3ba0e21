package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/security"
	"github.com/jkaninda/memsandbox/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu       sync.Mutex
	audit    security.AuditStore
	episodes memory.Store
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

// Migrate is a no-op; Open already ran AutoMigrate.
func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

func (s *Store) Audit() security.AuditStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.pgDB.GormDB())
	}
	return s.audit
}

func (s *Store) Episodes() memory.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.episodes == nil {
		s.episodes = NewEpisodeRepository(s.pgDB.GormDB())
	}
	return s.episodes
}

var _ storage.Store = (*Store)(nil)
