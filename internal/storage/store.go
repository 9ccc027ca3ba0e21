// Package storage defines the unified Store interface for the sandbox's
// persistent state: the execution audit trail and the episodic memory.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"

	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/security"
)

// Store is the unified persistence interface.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	// Sub-store accessors share the same underlying connection.
	Audit() security.AuditStore
	Episodes() memory.Store

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

const (
	// DefaultDriver is the default storage driver.
	DefaultDriver = DriverSQLite
	// DriverMemory keeps episodes in process and writes no audit rows.
	DriverMemory = "memory"
	// DriverSQLite is the SQLite driver name.
	DriverSQLite = "sqlite"
	// DriverPostgres is the PostgreSQL driver name.
	DriverPostgres = "postgres"
)
