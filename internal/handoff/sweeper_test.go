package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/parley-hq/parley/internal/convo"
	"github.com/parley-hq/parley/internal/store/memory"
)

// backdate rewrites a conversation's last-customer-message timestamp by
// touching it with an old time.
func backdate(t *testing.T, conversations *memory.ConversationStore, c *convo.Conversation, age time.Duration) {
	t.Helper()
	if err := conversations.TouchCustomer(context.Background(), c.ID, time.Now().Add(-age)); err != nil {
		t.Fatal(err)
	}
}

func TestSweeper_RecoversStalledPastSLA(t *testing.T) {
	conversations := memory.NewConversationStore()
	machine := NewMachine(conversations, nil)
	sweeper, err := NewSweeper(machine, conversations, 24*time.Hour, "")
	if err != nil {
		t.Fatal(err)
	}

	stalled := seedConversation(t, conversations, convo.StatusAwaitingOperator, "")
	backdate(t, conversations, stalled, 25*time.Hour)

	fresh := seedConversationAt(t, conversations, "addr-fresh", convo.StatusAwaitingOperator)

	n, err := sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}

	got, _ := conversations.Get(context.Background(), stalled.ID)
	if got.Status != convo.StatusAutomated {
		t.Errorf("stalled conversation status = %s, want %s", got.Status, convo.StatusAutomated)
	}
	got, _ = conversations.Get(context.Background(), fresh.ID)
	if got.Status != convo.StatusAwaitingOperator {
		t.Errorf("fresh escalation status = %s, want untouched %s", got.Status, convo.StatusAwaitingOperator)
	}
}

func TestSweeper_SkipsClaimedConversations(t *testing.T) {
	conversations := memory.NewConversationStore()
	machine := NewMachine(conversations, nil)
	sweeper, err := NewSweeper(machine, conversations, 24*time.Hour, "")
	if err != nil {
		t.Fatal(err)
	}

	claimed := seedConversation(t, conversations, convo.StatusAssigned, "op-jamie")
	backdate(t, conversations, claimed, 48*time.Hour)

	n, err := sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("recovered = %d, want 0", n)
	}
	got, _ := conversations.Get(context.Background(), claimed.ID)
	if got.Status != convo.StatusAssigned || got.AssignedOperator != "op-jamie" {
		t.Errorf("claimed conversation mutated by sweep: %+v", got)
	}
}

func TestSweeper_ClaimRacingSweepWins(t *testing.T) {
	conversations := memory.NewConversationStore()
	machine := NewMachine(conversations, nil)

	c := seedConversation(t, conversations, convo.StatusAwaitingOperator, "")
	backdate(t, conversations, c, 25*time.Hour)

	// Simulate the race: the sweep has already read the stalled list when an
	// operator claims the conversation. The guarded write must lose.
	if _, err := machine.Claim(context.Background(), c.ID, "op-late"); err != nil {
		t.Fatal(err)
	}
	ok, err := machine.Recover(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("recover won a race against a claim")
	}
	got, _ := conversations.Get(context.Background(), c.ID)
	if got.Status != convo.StatusAssigned || got.AssignedOperator != "op-late" {
		t.Errorf("conversation lost its claim: %+v", got)
	}
}

func TestSweeper_UpdateTunablesShortensSLA(t *testing.T) {
	conversations := memory.NewConversationStore()
	machine := NewMachine(conversations, nil)
	sweeper, err := NewSweeper(machine, conversations, 24*time.Hour, "")
	if err != nil {
		t.Fatal(err)
	}

	stalled := seedConversation(t, conversations, convo.StatusAwaitingOperator, "")
	backdate(t, conversations, stalled, 2*time.Hour)

	// Under the constructor-time 24h SLA this escalation is still fresh.
	n, err := sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("recovered = %d before reload, want 0", n)
	}

	sweeper.UpdateTunables(time.Hour, "")
	n, err = sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("recovered = %d after SLA reload, want 1", n)
	}
}

func TestSweeper_UpdateTunablesRejectsBadSchedule(t *testing.T) {
	conversations := memory.NewConversationStore()
	machine := NewMachine(conversations, nil)
	sweeper, err := NewSweeper(machine, conversations, 0, "")
	if err != nil {
		t.Fatal(err)
	}

	sweeper.UpdateTunables(0, "not a cron expr")
	if _, schedule := sweeper.tunables(); schedule != DefaultSchedule {
		t.Errorf("schedule = %q after invalid reload, want %q", schedule, DefaultSchedule)
	}

	sweeper.UpdateTunables(0, "*/5 * * * *")
	if _, schedule := sweeper.tunables(); schedule != "*/5 * * * *" {
		t.Errorf("schedule = %q, want */5 * * * *", schedule)
	}
}

func TestNewSweeper_RejectsBadSchedule(t *testing.T) {
	conversations := memory.NewConversationStore()
	machine := NewMachine(conversations, nil)
	if _, err := NewSweeper(machine, conversations, 0, "not a cron expr"); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

// seedConversationAt seeds a conversation with a distinct address so multiple
// conversations can coexist in one store.
func seedConversationAt(t *testing.T, conversations *memory.ConversationStore, address string, status convo.Status) *convo.Conversation {
	t.Helper()
	c := convo.NewConversation("acme", "webhook", address, time.Now())
	if err := conversations.Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if status == convo.StatusAwaitingOperator {
		if _, err := conversations.Escalate(context.Background(), c.ID, convo.FallbackLowConfidence, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	got, err := conversations.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}
