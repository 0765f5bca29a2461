// Package handoff owns the conversation hand-off state machine: when a
// conversation leaves automated handling, who may claim it, and how stalled
// escalations are recovered.
//
// Transitions:
//
//	automated         → awaiting_operator  (low confidence or explicit request)
//	awaiting_operator → assigned           (operator claim)
//	awaiting_operator → automated          (recovery sweep, unclaimed past SLA)
//	assigned          → automated          (admin-surface release)
//
// Every transition is a conditional update evaluated at the store, so a
// recovery racing a claim resolves to exactly one winner.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parley-hq/parley/internal/bus"
	"github.com/parley-hq/parley/internal/convo"
	"github.com/parley-hq/parley/internal/store"
)

// Machine applies hand-off transitions and broadcasts the resulting operator
// events.
type Machine struct {
	conversations store.ConversationStore
	events        bus.EventPublisher
}

// NewMachine creates a state machine over the given store. events may be nil.
func NewMachine(conversations store.ConversationStore, events bus.EventPublisher) *Machine {
	return &Machine{conversations: conversations, events: events}
}

// Escalate moves an automated conversation to awaiting_operator, recording
// why. Returns convo.ErrConflict if the conversation already left automated
// handling.
func (m *Machine) Escalate(ctx context.Context, id uuid.UUID, reason convo.FallbackReason) error {
	ok, err := m.conversations.Escalate(ctx, id, reason, time.Now())
	if err != nil {
		return fmt.Errorf("escalate: %w", err)
	}
	if !ok {
		return convo.ErrConflict
	}
	slog.Info("handoff.escalated", "conversation", id, "reason", reason)
	m.broadcast(bus.EventEscalated, map[string]any{"conversation_id": id, "reason": reason})
	return nil
}

// Claim assigns an awaiting conversation to an operator and returns the
// updated record. A claim against a conversation in any other status is a
// conflict, not a no-op: the caller is told and nothing is mutated.
func (m *Machine) Claim(ctx context.Context, id uuid.UUID, operator string) (*convo.Conversation, error) {
	ok, err := m.conversations.Claim(ctx, id, operator, time.Now())
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		slog.Warn("handoff.claim_conflict", "conversation", id, "operator", operator)
		return nil, convo.ErrConflict
	}
	c, err := m.conversations.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("claim: reload: %w", err)
	}
	slog.Info("handoff.claimed", "conversation", id, "operator", operator)
	m.broadcast(bus.EventClaimed, map[string]any{"conversation_id": id, "operator": operator})
	return c, nil
}

// Release returns an assigned conversation to automated handling. This is
// the admin surface's re-entry point into the machine.
func (m *Machine) Release(ctx context.Context, id uuid.UUID) error {
	ok, err := m.conversations.Release(ctx, id, time.Now())
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if !ok {
		return convo.ErrConflict
	}
	slog.Info("handoff.released", "conversation", id)
	m.broadcast(bus.EventReleased, map[string]any{"conversation_id": id})
	return nil
}

// Recover returns one stalled escalation to automated handling. The store
// guard re-checks "still awaiting, still unassigned" at write time; a claim
// that landed since the sweep's read wins and Recover reports false.
func (m *Machine) Recover(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := m.conversations.Recover(ctx, id, time.Now())
	if err != nil {
		return false, fmt.Errorf("recover: %w", err)
	}
	if ok {
		slog.Info("handoff.recovered", "conversation", id)
		m.broadcast(bus.EventRecovered, map[string]any{"conversation_id": id})
	}
	return ok, nil
}

func (m *Machine) broadcast(name string, payload any) {
	if m.events != nil {
		m.events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}
