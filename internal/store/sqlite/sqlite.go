// Package sqlite implements the stores on SQLite (standalone mode). The
// schema is created on open; standalone deployments don't run the migration
// tooling the managed Postgres mode uses.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/parley-hq/parley/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL DEFAULT 'webhook',
	callback_url TEXT,
	debounce_window_ms INTEGER NOT NULL DEFAULT 0,
	confidence_threshold REAL NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	address TEXT NOT NULL,
	status TEXT NOT NULL,
	fallback_reason TEXT,
	assigned_operator TEXT,
	assigned_at TIMESTAMP,
	last_message_at TIMESTAMP NOT NULL,
	last_customer_message_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (tenant_id, address)
);
CREATE INDEX IF NOT EXISTS idx_conversations_stalled
	ON conversations (status, last_customer_message_at);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	sender TEXT NOT NULL,
	body TEXT NOT NULL,
	confidence REAL,
	escalation_triggered INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages (conversation_id, created_at);
`

// OpenDB opens (and initializes) the standalone SQLite database.
func OpenDB(path string) (*sql.DB, error) {
	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; serialize through one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return db, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// NewSQLiteStores creates all stores backed by SQLite (standalone mode).
func NewSQLiteStores(cfg store.StoreConfig) (*store.Stores, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "~/.parley/parley.db"
	}
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Conversations: NewConversationStore(db),
		Messages:      NewMessageStore(db),
		Tenants:       NewTenantStore(db),
	}, nil
}
