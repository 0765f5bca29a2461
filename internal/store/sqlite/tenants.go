package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parley-hq/parley/internal/store"
	"github.com/parley-hq/parley/internal/tenant"
)

// TenantStore implements store.TenantStore backed by SQLite.
type TenantStore struct {
	db *sql.DB
}

func NewTenantStore(db *sql.DB) *TenantStore {
	return &TenantStore{db: db}
}

func (s *TenantStore) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, channel, callback_url, debounce_window_ms, confidence_threshold, created_at, updated_at
		 FROM tenants WHERE id = ?`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

func (s *TenantStore) Upsert(ctx context.Context, t *tenant.Tenant) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, channel, callback_url, debounce_window_ms, confidence_threshold, created_at, updated_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, channel = excluded.channel, callback_url = excluded.callback_url,
		   debounce_window_ms = excluded.debounce_window_ms,
		   confidence_threshold = excluded.confidence_threshold, updated_at = excluded.updated_at`,
		t.ID, t.Name, t.Channel, t.CallbackURL, t.DebounceWindow.Milliseconds(), t.ConfidenceThreshold, now, now)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (s *TenantStore) List(ctx context.Context) ([]*tenant.Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, channel, callback_url, debounce_window_ms, confidence_threshold, created_at, updated_at
		 FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []*tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTenant(row interface{ Scan(...any) error }) (*tenant.Tenant, error) {
	var t tenant.Tenant
	var callback sql.NullString
	var windowMS int64
	err := row.Scan(&t.ID, &t.Name, &t.Channel, &callback, &windowMS, &t.ConfidenceThreshold, &t.Created, &t.Updated)
	if err != nil {
		return nil, err
	}
	t.CallbackURL = callback.String
	t.DebounceWindow = time.Duration(windowMS) * time.Millisecond
	return &t, nil
}
