package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/parley-hq/parley/internal/convo"
	"github.com/parley-hq/parley/internal/tenant"
)

// ConversationStore manages conversation records. All status transitions are
// conditional updates: they succeed only if the record is still in the
// required state at write time, so a recovery sweep racing a human claim can
// never both win. Each transition returns false (not an error) when the
// guard fails; callers translate that to convo.ErrConflict where appropriate.
type ConversationStore interface {
	// GetOpen returns the open conversation for a (tenant, address) pair,
	// or ErrNotFound. At most one exists at a time.
	GetOpen(ctx context.Context, tenantID, address string) (*convo.Conversation, error)

	// Create persists a new conversation. Fails if an open conversation
	// already exists for the same (tenant, address) pair.
	Create(ctx context.Context, c *convo.Conversation) error

	// Get returns a conversation by id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*convo.Conversation, error)

	// TouchCustomer updates last-message and last-customer-message
	// timestamps after an inbound turn.
	TouchCustomer(ctx context.Context, id uuid.UUID, at time.Time) error

	// Touch updates the last-message timestamp after an outbound turn.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error

	// Escalate transitions automated → awaiting_operator, recording the
	// fallback reason. Returns false if the conversation is not automated.
	Escalate(ctx context.Context, id uuid.UUID, reason convo.FallbackReason, at time.Time) (bool, error)

	// Claim transitions awaiting_operator → assigned, recording the
	// operator and claim time. Returns false if the conversation is not
	// awaiting an operator.
	Claim(ctx context.Context, id uuid.UUID, operator string, at time.Time) (bool, error)

	// Recover transitions awaiting_operator → automated, clearing the
	// fallback reason. Guarded on "still unassigned": returns false if the
	// conversation was claimed or is not awaiting an operator.
	Recover(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// Release transitions assigned → automated, clearing operator and
	// fallback reason. Admin-surface re-entry into automated handling.
	Release(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// ListByTenant returns a tenant's conversations, most recent first.
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*convo.Conversation, error)

	// ListStalled returns conversations awaiting an operator, with no
	// operator assigned, whose last customer message is older than cutoff.
	// Feeds the recovery sweep.
	ListStalled(ctx context.Context, cutoff time.Time) ([]*convo.Conversation, error)
}

// MessageStore manages message turns. Messages are append-only.
type MessageStore interface {
	Append(ctx context.Context, m *convo.Message) error

	// ListByConversation returns a conversation's turns in creation order.
	ListByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]*convo.Message, error)
}

// TenantStore manages tenant records.
type TenantStore interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
	Upsert(ctx context.Context, t *tenant.Tenant) error
	List(ctx context.Context) ([]*tenant.Tenant, error)
}
