package handoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parley-hq/parley/internal/convo"
	"github.com/parley-hq/parley/internal/store/memory"
)

func newTestMachine(t *testing.T) (*Machine, *memory.ConversationStore) {
	t.Helper()
	conversations := memory.NewConversationStore()
	return NewMachine(conversations, nil), conversations
}

func seedConversation(t *testing.T, conversations *memory.ConversationStore, status convo.Status, operator string) *convo.Conversation {
	t.Helper()
	c := convo.NewConversation("acme", "webhook", "+15551234567", time.Now())
	if err := conversations.Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	switch status {
	case convo.StatusAwaitingOperator:
		if _, err := conversations.Escalate(context.Background(), c.ID, convo.FallbackLowConfidence, time.Now()); err != nil {
			t.Fatal(err)
		}
	case convo.StatusAssigned:
		if _, err := conversations.Escalate(context.Background(), c.ID, convo.FallbackLowConfidence, time.Now()); err != nil {
			t.Fatal(err)
		}
		if _, err := conversations.Claim(context.Background(), c.ID, operator, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	got, err := conversations.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestMachine_EscalateRecordsReason(t *testing.T) {
	m, conversations := newTestMachine(t)
	c := seedConversation(t, conversations, convo.StatusAutomated, "")

	if err := m.Escalate(context.Background(), c.ID, convo.FallbackExplicitRequest); err != nil {
		t.Fatal(err)
	}
	got, _ := conversations.Get(context.Background(), c.ID)
	if got.Status != convo.StatusAwaitingOperator {
		t.Errorf("status = %s, want %s", got.Status, convo.StatusAwaitingOperator)
	}
	if got.Fallback != convo.FallbackExplicitRequest {
		t.Errorf("fallback = %s, want %s", got.Fallback, convo.FallbackExplicitRequest)
	}
}

func TestMachine_EscalateAlreadyEscalatedConflicts(t *testing.T) {
	m, conversations := newTestMachine(t)
	c := seedConversation(t, conversations, convo.StatusAwaitingOperator, "")

	err := m.Escalate(context.Background(), c.ID, convo.FallbackLowConfidence)
	if !errors.Is(err, convo.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestMachine_ClaimAssignsOperator(t *testing.T) {
	m, conversations := newTestMachine(t)
	c := seedConversation(t, conversations, convo.StatusAwaitingOperator, "")

	got, err := m.Claim(context.Background(), c.ID, "op-jamie")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != convo.StatusAssigned {
		t.Errorf("status = %s, want %s", got.Status, convo.StatusAssigned)
	}
	if got.AssignedOperator != "op-jamie" {
		t.Errorf("operator = %q, want op-jamie", got.AssignedOperator)
	}
	if got.AssignedAt == nil {
		t.Error("AssignedAt not set")
	}
}

func TestMachine_SecondClaimConflictsAndKeepsFirstOperator(t *testing.T) {
	m, conversations := newTestMachine(t)
	c := seedConversation(t, conversations, convo.StatusAwaitingOperator, "")

	if _, err := m.Claim(context.Background(), c.ID, "op-first"); err != nil {
		t.Fatal(err)
	}
	_, err := m.Claim(context.Background(), c.ID, "op-second")
	if !errors.Is(err, convo.ErrConflict) {
		t.Fatalf("second claim err = %v, want ErrConflict", err)
	}
	got, _ := conversations.Get(context.Background(), c.ID)
	if got.AssignedOperator != "op-first" {
		t.Errorf("operator = %q, want op-first (unchanged)", got.AssignedOperator)
	}
}

func TestMachine_ClaimOnAutomatedConflicts(t *testing.T) {
	m, conversations := newTestMachine(t)
	c := seedConversation(t, conversations, convo.StatusAutomated, "")

	_, err := m.Claim(context.Background(), c.ID, "op-jamie")
	if !errors.Is(err, convo.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestMachine_RecoverSkipsClaimed(t *testing.T) {
	m, conversations := newTestMachine(t)
	c := seedConversation(t, conversations, convo.StatusAssigned, "op-jamie")

	ok, err := m.Recover(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("recover succeeded on a claimed conversation")
	}
	got, _ := conversations.Get(context.Background(), c.ID)
	if got.Status != convo.StatusAssigned || got.AssignedOperator != "op-jamie" {
		t.Errorf("claimed conversation mutated by recover: %+v", got)
	}
}

func TestMachine_RecoverClearsFallback(t *testing.T) {
	m, conversations := newTestMachine(t)
	c := seedConversation(t, conversations, convo.StatusAwaitingOperator, "")

	ok, err := m.Recover(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("recover failed on an unclaimed escalation")
	}
	got, _ := conversations.Get(context.Background(), c.ID)
	if got.Status != convo.StatusAutomated {
		t.Errorf("status = %s, want %s", got.Status, convo.StatusAutomated)
	}
	if got.Fallback != convo.FallbackNone {
		t.Errorf("fallback = %q, want cleared", got.Fallback)
	}
}

func TestMachine_ReleaseReturnsToAutomated(t *testing.T) {
	m, conversations := newTestMachine(t)
	c := seedConversation(t, conversations, convo.StatusAssigned, "op-jamie")

	if err := m.Release(context.Background(), c.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := conversations.Get(context.Background(), c.ID)
	if got.Status != convo.StatusAutomated {
		t.Errorf("status = %s, want %s", got.Status, convo.StatusAutomated)
	}
	if got.AssignedOperator != "" || got.AssignedAt != nil {
		t.Errorf("operator fields not cleared: %+v", got)
	}
}
