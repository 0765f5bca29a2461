// Package store defines the persistence contracts for the inbound-message
// core. Three backends implement them: Postgres (managed mode), SQLite
// (standalone mode), and an in-memory store used by tests and ephemeral runs.
package store

import (
	"errors"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Stores is the top-level container for all storage backends.
type Stores struct {
	Conversations ConversationStore
	Messages      MessageStore
	Tenants       TenantStore
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	// PostgresDSN enables managed mode when non-empty.
	PostgresDSN string
	// SQLitePath is the standalone-mode database file (default
	// ~/.parley/parley.db). Ignored when PostgresDSN is set.
	SQLitePath string
}
