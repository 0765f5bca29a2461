// Package convo defines the conversation domain model: one end-customer
// thread per tenant, its hand-off status, and the immutable message turns
// inside it.
package convo

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the hand-off state of a conversation.
type Status string

const (
	// StatusAutomated: the agent answers directly. Initial state and
	// recovery target.
	StatusAutomated Status = "automated"
	// StatusAwaitingOperator: escalated, no operator has claimed it yet.
	StatusAwaitingOperator Status = "awaiting_operator"
	// StatusAssigned: a human operator owns the conversation.
	StatusAssigned Status = "assigned"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusAutomated, StatusAwaitingOperator, StatusAssigned:
		return true
	}
	return false
}

// FallbackReason records why a conversation was handed off.
type FallbackReason string

const (
	FallbackNone            FallbackReason = ""
	FallbackLowConfidence   FallbackReason = "low_confidence"
	FallbackExplicitRequest FallbackReason = "explicit_request"
)

// SenderKind identifies who produced a message turn.
type SenderKind string

const (
	SenderCustomer SenderKind = "customer"
	SenderAgent    SenderKind = "agent"
	SenderOperator SenderKind = "operator"
	SenderSystem   SenderKind = "system"
)

// ErrConflict is returned when a status transition is attempted against a
// conversation that is no longer in the required state (e.g. claiming a
// conversation that is not awaiting an operator). Callers map it to a 409.
var ErrConflict = errors.New("conversation status conflict")

// Conversation is one end-customer thread for one tenant.
// At most one conversation per (tenant, channel address) is open at a time;
// the stores enforce this with a unique constraint.
type Conversation struct {
	ID       uuid.UUID `json:"id"`
	TenantID string    `json:"tenant_id"`
	Channel  string    `json:"channel"` // delivery channel name ("telegram", "webhook", ...)
	Address  string    `json:"address"` // external channel address (phone number, chat id)

	Status   Status         `json:"status"`
	Fallback FallbackReason `json:"fallback_reason,omitempty"`

	// Operator assignment; zero values when unassigned.
	AssignedOperator string     `json:"assigned_operator,omitempty"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`

	LastMessageAt         time.Time `json:"last_message_at"`
	LastCustomerMessageAt time.Time `json:"last_customer_message_at"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Assigned reports whether an operator currently owns the conversation.
func (c *Conversation) Assigned() bool { return c.AssignedOperator != "" }

// Message is one turn within a conversation. Created exactly once, immutable
// thereafter.
type Message struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	Sender         SenderKind `json:"sender"`
	Body           string     `json:"body"`

	// Confidence is set only for agent turns, always within [0,1].
	Confidence *float64 `json:"confidence,omitempty"`
	// EscalationTriggered marks the turn that pushed the conversation to a
	// human. For agent turns it means the candidate answer was withheld.
	EscalationTriggered bool `json:"escalation_triggered,omitempty"`

	Created time.Time `json:"created"`
}

// NewConversation creates an open automated conversation for one
// (tenant, address) pair.
func NewConversation(tenantID, channel, address string, now time.Time) *Conversation {
	return &Conversation{
		ID:                    uuid.Must(uuid.NewV7()),
		TenantID:              tenantID,
		Channel:               channel,
		Address:               address,
		Status:                StatusAutomated,
		LastMessageAt:         now,
		LastCustomerMessageAt: now,
		Created:               now,
		Updated:               now,
	}
}

// NewMessage creates a message turn. Confidence is clamped to [0,1] before
// persisting so a misbehaving scorer can never violate the invariant.
func NewMessage(conversationID uuid.UUID, sender SenderKind, body string, now time.Time) *Message {
	return &Message{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: conversationID,
		Sender:         sender,
		Body:           body,
		Created:        now,
	}
}

// WithConfidence sets the confidence score on an agent turn, clamped to [0,1].
func (m *Message) WithConfidence(score float64) *Message {
	s := ClampScore(score)
	m.Confidence = &s
	return m
}

// ClampScore forces a confidence score into [0,1].
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
