package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parley-hq/parley/internal/convo"
	"github.com/parley-hq/parley/internal/store"
)

// ConversationStore implements store.ConversationStore backed by SQLite.
// Same conditional-update guards as the Postgres store, with ? placeholders
// and text UUIDs.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

const convColumns = `id, tenant_id, channel, address, status, fallback_reason,
	assigned_operator, assigned_at, last_message_at, last_customer_message_at,
	created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*convo.Conversation, error) {
	var c convo.Conversation
	var id string
	var fallback, operator sql.NullString
	var assignedAt sql.NullTime
	err := row.Scan(&id, &c.TenantID, &c.Channel, &c.Address, &c.Status, &fallback,
		&operator, &assignedAt, &c.LastMessageAt, &c.LastCustomerMessageAt,
		&c.Created, &c.Updated)
	if err != nil {
		return nil, err
	}
	c.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse conversation id: %w", err)
	}
	c.Fallback = convo.FallbackReason(fallback.String)
	c.AssignedOperator = operator.String
	if assignedAt.Valid {
		at := assignedAt.Time
		c.AssignedAt = &at
	}
	return &c, nil
}

func (s *ConversationStore) GetOpen(ctx context.Context, tenantID, address string) (*convo.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+convColumns+` FROM conversations WHERE tenant_id = ? AND address = ?`,
		tenantID, address)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open conversation: %w", err)
	}
	return c, nil
}

func (s *ConversationStore) Create(ctx context.Context, c *convo.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, tenant_id, channel, address, status, fallback_reason,
		   assigned_operator, assigned_at, last_message_at, last_customer_message_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?)`,
		c.ID.String(), c.TenantID, c.Channel, c.Address, c.Status, string(c.Fallback),
		c.AssignedOperator, c.AssignedAt, c.LastMessageAt, c.LastCustomerMessageAt,
		c.Created, c.Updated)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *ConversationStore) Get(ctx context.Context, id uuid.UUID) (*convo.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+convColumns+` FROM conversations WHERE id = ?`, id.String())
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *ConversationStore) TouchCustomer(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ?, last_customer_message_at = ?, updated_at = ?
		 WHERE id = ?`, at, at, at, id.String())
	if err != nil {
		return fmt.Errorf("touch customer: %w", err)
	}
	return nil
}

func (s *ConversationStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`,
		at, at, id.String())
	if err != nil {
		return fmt.Errorf("touch: %w", err)
	}
	return nil
}

func (s *ConversationStore) guardedUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *ConversationStore) Escalate(ctx context.Context, id uuid.UUID, reason convo.FallbackReason, at time.Time) (bool, error) {
	ok, err := s.guardedUpdate(ctx,
		`UPDATE conversations
		 SET status = ?, fallback_reason = ?, last_message_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		convo.StatusAwaitingOperator, string(reason), at, at, id.String(), convo.StatusAutomated)
	if err != nil {
		return false, fmt.Errorf("escalate conversation: %w", err)
	}
	return ok, nil
}

func (s *ConversationStore) Claim(ctx context.Context, id uuid.UUID, operator string, at time.Time) (bool, error) {
	ok, err := s.guardedUpdate(ctx,
		`UPDATE conversations
		 SET status = ?, assigned_operator = ?, assigned_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		convo.StatusAssigned, operator, at, at, id.String(), convo.StatusAwaitingOperator)
	if err != nil {
		return false, fmt.Errorf("claim conversation: %w", err)
	}
	return ok, nil
}

func (s *ConversationStore) Recover(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	ok, err := s.guardedUpdate(ctx,
		`UPDATE conversations
		 SET status = ?, fallback_reason = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND assigned_operator IS NULL`,
		convo.StatusAutomated, at, id.String(), convo.StatusAwaitingOperator)
	if err != nil {
		return false, fmt.Errorf("recover conversation: %w", err)
	}
	return ok, nil
}

func (s *ConversationStore) Release(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	ok, err := s.guardedUpdate(ctx,
		`UPDATE conversations
		 SET status = ?, fallback_reason = NULL, assigned_operator = NULL, assigned_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		convo.StatusAutomated, at, id.String(), convo.StatusAssigned)
	if err != nil {
		return false, fmt.Errorf("release conversation: %w", err)
	}
	return ok, nil
}

func (s *ConversationStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*convo.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+convColumns+` FROM conversations
		 WHERE tenant_id = ? ORDER BY last_message_at DESC LIMIT ? OFFSET ?`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

func (s *ConversationStore) ListStalled(ctx context.Context, cutoff time.Time) ([]*convo.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+convColumns+` FROM conversations
		 WHERE status = ? AND assigned_operator IS NULL AND last_customer_message_at < ?
		 ORDER BY last_customer_message_at ASC`,
		convo.StatusAwaitingOperator, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stalled conversations: %w", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

func collectConversations(rows *sql.Rows) ([]*convo.Conversation, error) {
	var out []*convo.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
