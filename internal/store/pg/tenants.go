package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parley-hq/parley/internal/store"
	"github.com/parley-hq/parley/internal/tenant"
)

// PGTenantStore implements store.TenantStore backed by Postgres.
type PGTenantStore struct {
	db *sql.DB
}

func NewPGTenantStore(db *sql.DB) *PGTenantStore {
	return &PGTenantStore{db: db}
}

func (s *PGTenantStore) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, channel, callback_url, debounce_window_ms, confidence_threshold, created_at, updated_at
		 FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

func (s *PGTenantStore) Upsert(ctx context.Context, t *tenant.Tenant) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, channel, callback_url, debounce_window_ms, confidence_threshold, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, channel = EXCLUDED.channel, callback_url = EXCLUDED.callback_url,
		   debounce_window_ms = EXCLUDED.debounce_window_ms,
		   confidence_threshold = EXCLUDED.confidence_threshold, updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.Channel, t.CallbackURL, t.DebounceWindow.Milliseconds(), t.ConfidenceThreshold, now)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (s *PGTenantStore) List(ctx context.Context) ([]*tenant.Tenant, error) {
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
