// Package memory provides an in-memory store implementation. Used by tests
// and by ephemeral gateway runs where no database is configured. All
// operations are safe for concurrent use; transition guards are evaluated
// under the store lock, matching the conditional-update semantics of the
// database backends.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-hq/parley/internal/convo"
	"github.com/parley-hq/parley/internal/store"
	"github.com/parley-hq/parley/internal/tenant"
)

// NewStores creates an empty in-memory store set.
func NewStores() *store.Stores {
	return &store.Stores{
		Conversations: NewConversationStore(),
		Messages:      NewMessageStore(),
		Tenants:       NewTenantStore(),
	}
}

// ConversationStore implements store.ConversationStore in memory.
type ConversationStore struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*convo.Conversation
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{byID: make(map[uuid.UUID]*convo.Conversation)}
}

func clone(c *convo.Conversation) *convo.Conversation {
	cp := *c
	if c.AssignedAt != nil {
		at := *c.AssignedAt
		cp.AssignedAt = &at
	}
	return &cp
}

func (s *ConversationStore) GetOpen(_ context.Context, tenantID, address string) (*convo.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.byID {
		if c.TenantID == tenantID && c.Address == address {
			return clone(c), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *ConversationStore) Create(_ context.Context, c *convo.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.TenantID == c.TenantID && existing.Address == c.Address {
			return convo.ErrConflict
		}
	}
	s.byID[c.ID] = clone(c)
	return nil
}

func (s *ConversationStore) Get(_ context.Context, id uuid.UUID) (*convo.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(c), nil
}

func (s *ConversationStore) TouchCustomer(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	c.LastMessageAt = at
	c.LastCustomerMessageAt = at
	c.Updated = at
	return nil
}

func (s *ConversationStore) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	c.LastMessageAt = at
	c.Updated = at
	return nil
}

func (s *ConversationStore) Escalate(_ context.Context, id uuid.UUID, reason convo.FallbackReason, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if c.Status != convo.StatusAutomated {
		return false, nil
	}
	c.Status = convo.StatusAwaitingOperator
	c.Fallback = reason
	c.LastMessageAt = at
	c.Updated = at
	return true, nil
}

func (s *ConversationStore) Claim(_ context.Context, id uuid.UUID, operator string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if c.Status != convo.StatusAwaitingOperator {
		return false, nil
	}
	c.Status = convo.StatusAssigned
	c.AssignedOperator = operator
	assignedAt := at
	c.AssignedAt = &assignedAt
	c.Updated = at
	return true, nil
}

func (s *ConversationStore) Recover(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if c.Status != convo.StatusAwaitingOperator || c.Assigned() {
		return false, nil
	}
	c.Status = convo.StatusAutomated
	c.Fallback = convo.FallbackNone
	c.Updated = at
	return true, nil
}

func (s *ConversationStore) Release(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if c.Status != convo.StatusAssigned {
		return false, nil
	}
	c.Status = convo.StatusAutomated
	c.Fallback = convo.FallbackNone
	c.AssignedOperator = ""
	c.AssignedAt = nil
	c.Updated = at
	return true, nil
}

func (s *ConversationStore) ListByTenant(_ context.Context, tenantID string, limit, offset int) ([]*convo.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*convo.Conversation
	for _, c := range s.byID {
		if c.TenantID == tenantID {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ConversationStore) ListStalled(_ context.Context, cutoff time.Time) ([]*convo.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*convo.Conversation
	for _, c := range s.byID {
		if c.Status == convo.StatusAwaitingOperator && !c.Assigned() && c.LastCustomerMessageAt.Before(cutoff) {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastCustomerMessageAt.Before(out[j].LastCustomerMessageAt) })
	return out, nil
}

// MessageStore implements store.MessageStore in memory.
type MessageStore struct {
	mu     sync.RWMutex
	byConv map[uuid.UUID][]*convo.Message
}

func NewMessageStore() *MessageStore {
	return &MessageStore{byConv: make(map[uuid.UUID][]*convo.Message)}
}

func (s *MessageStore) Append(_ context.Context, m *convo.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	if m.Confidence != nil {
		score := convo.ClampScore(*m.Confidence)
		cp.Confidence = &score
	}
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], &cp)
	return nil
}

func (s *MessageStore) ListByConversation(_ context.Context, conversationID uuid.UUID, limit int) ([]*convo.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.byConv[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*convo.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

// TenantStore implements store.TenantStore in memory.
type TenantStore struct {
	mu   sync.RWMutex
	byID map[string]*tenant.Tenant
}

func NewTenantStore() *TenantStore {
	return &TenantStore{byID: make(map[string]*tenant.Tenant)}
}

func (s *TenantStore) Get(_ context.Context, id string) (*tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *TenantStore) Upsert(_ context.Context, t *tenant.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.byID[t.ID] = &cp
	return nil
}

func (s *TenantStore) List(_ context.Context) ([]*tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*tenant.Tenant, 0, len(s.byID))
	for _, t := range s.byID {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
