package pg

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

// PGConversationStore implements store.ConversationStore backed by Postgres.
// Transition guards are expressed in the WHERE clause of a single UPDATE, so
// concurrent claim/recover races resolve at the database without locks.
type PGConversationStore struct {
	db *sql.DB
}

func NewPGConversationStore(db *sql.DB) *PGConversationStore {
	return &PGConversationStore{db: db}
}

const convColumns = `id, tenant_id, channel, address, status, fallback_reason,
	assigned_operator, assigned_at, last_message_at, last_customer_message_at,
	created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*convo.Conversation, error) {
	var c convo.Conversation
	var fallback, operator sql.NullString
	var assignedAt sql.NullTime
	err := row.Scan(&c.ID, &c.TenantID, &c.Channel, &c.Address, &c.Status, &fallback,
		&operator, &assignedAt, &c.LastMessageAt, &c.LastCustomerMessageAt,
		&c.Created, &c.Updated)
	if err != nil {
		return nil, err
	}
	c.Fallback = convo.FallbackReason(fallback.String)
	c.AssignedOperator = operator.String
	if assignedAt.Valid {
		at := assignedAt.Time
		c.AssignedAt = &at
	}
	return &c, nil
}

func (s *PGConversationStore) GetOpen(ctx context.Context, tenantID, address string) (*convo.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+convColumns+` FROM conversations WHERE tenant_id = $1 AND address = $2`,
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

func (s *PGConversationStore) Create(ctx context.Context, c *convo.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, tenant_id, channel, address, status, fallback_reason,
		   assigned_operator, assigned_at, last_message_at, last_customer_message_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11, $12)`,
		c.ID, c.TenantID, c.Channel, c.Address, c.Status, string(c.Fallback),
		c.AssignedOperator, c.AssignedAt, c.LastMessageAt, c.LastCustomerMessageAt,
		c.Created, c.Updated)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *PGConversationStore) Get(ctx context.Context, id uuid.UUID) (*convo.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+convColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *PGConversationStore) TouchCustomer(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = $2, last_customer_message_at = $2, updated_at = $2
		 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch customer: %w", err)
	}
	return nil
}

func (s *PGConversationStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = $2, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch: %w", err)
	}
	return nil
}

// guardedUpdate runs a conditional transition and reports whether the guard
// matched a row.
func (s *PGConversationStore) guardedUpdate(ctx context.Context, query string, args ...any) (bool, error) {
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

func (s *PGConversationStore) Escalate(ctx context.Context, id uuid.UUID, reason convo.FallbackReason, at time.Time) (bool, error) {
	ok, err := s.guardedUpdate(ctx,
		`UPDATE conversations
		 SET status = $2, fallback_reason = $3, last_message_at = $4, updated_at = $4
		 WHERE id = $1 AND status = $5`,
		id, convo.StatusAwaitingOperator, string(reason), at, convo.StatusAutomated)
	if err != nil {
		return false, fmt.Errorf("escalate conversation: %w", err)
	}
	return ok, nil
}

func (s *PGConversationStore) Claim(ctx context.Context, id uuid.UUID, operator string, at time.Time) (bool, error) {
	ok, err := s.guardedUpdate(ctx,
		`UPDATE conversations
		 SET status = $2, assigned_operator = $3, assigned_at = $4, updated_at = $4
		 WHERE id = $1 AND status = $5`,
		id, convo.StatusAssigned, operator, at, convo.StatusAwaitingOperator)
	if err != nil {
		return false, fmt.Errorf("claim conversation: %w", err)
	}
	return ok, nil
}

func (s *PGConversationStore) Recover(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	ok, err := s.guardedUpdate(ctx,
		`UPDATE conversations
		 SET status = $2, fallback_reason = NULL, updated_at = $3
		 WHERE id = $1 AND status = $4 AND assigned_operator IS NULL`,
		id, convo.StatusAutomated, at, convo.StatusAwaitingOperator)
	if err != nil {
		return false, fmt.Errorf("recover conversation: %w", err)
	}
	return ok, nil
}

func (s *PGConversationStore) Release(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	ok, err := s.guardedUpdate(ctx,
		`UPDATE conversations
		 SET status = $2, fallback_reason = NULL, assigned_operator = NULL, assigned_at = NULL, updated_at = $3
		 WHERE id = $1 AND status = $4`,
		id, convo.StatusAutomated, at, convo.StatusAssigned)
	if err != nil {
		return false, fmt.Errorf("release conversation: %w", err)
	}
	return ok, nil
}

func (s *PGConversationStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*convo.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+convColumns+` FROM conversations
		 WHERE tenant_id = $1 ORDER BY last_message_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

func (s *PGConversationStore) ListStalled(ctx context.Context, cutoff time.Time) ([]*convo.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+convColumns+` FROM conversations
		 WHERE status = $1 AND assigned_operator IS NULL AND last_customer_message_at < $2
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
