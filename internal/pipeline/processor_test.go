package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parley-hq/parley/internal/answer"
	"github.com/parley-hq/parley/internal/bus"
	"github.com/parley-hq/parley/internal/confidence"
	"github.com/parley-hq/parley/internal/convo"
	"github.com/parley-hq/parley/internal/handoff"
	"github.com/parley-hq/parley/internal/retrieval"
	"github.com/parley-hq/parley/internal/store"
	"github.com/parley-hq/parley/internal/store/memory"
	"github.com/parley-hq/parley/internal/tenant"
)

type fakeRetriever struct {
	mu       sync.Mutex
	passages map[string][]retrieval.Passage // tenantID → passages
	queries  []string
	lastK    int
}

func (f *fakeRetriever) Query(_ context.Context, tenantID, text string, k int) ([]retrieval.Passage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, tenantID+"/"+text)
	f.lastK = k
	return f.passages[tenantID], nil
}

func (f *fakeRetriever) lastQueryK() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastK
}

type fakeGenerator struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (f *fakeGenerator) Generate(_ context.Context, req answer.Request) (*answer.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &answer.Response{Text: f.reply, PassagesUsed: req.Passages}, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
	err  error
}

func (f *fakeDeliverer) Deliver(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeDeliverer) delivered() []bus.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.OutboundMessage(nil), f.sent...)
}

type fixture struct {
	stores    *store.Stores
	retriever *fakeRetriever
	generator *fakeGenerator
	deliverer *fakeDeliverer
	machine   *handoff.Machine
	processor *Processor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	stores := memory.NewStores()
	if err := stores.Tenants.Upsert(context.Background(), &tenant.Tenant{ID: "acme", Name: "Acme", Channel: "webhook"}); err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		stores: stores,
		retriever: &fakeRetriever{passages: map[string][]retrieval.Passage{
			"acme": {{Text: "Orders ship within 2 days.", Relevance: 0.9}},
		}},
		generator: &fakeGenerator{reply: "Your order ships within 2 business days of purchase."},
		deliverer: &fakeDeliverer{},
	}
	f.machine = handoff.NewMachine(stores.Conversations, nil)
	f.processor = New(stores, confidence.New(0.6), f.machine,
		f.retriever, f.generator, f.deliverer, nil, opts)
	t.Cleanup(f.processor.Buffer().Close)
	return f
}

func (f *fixture) openConv(t *testing.T, address string) *convo.Conversation {
	t.Helper()
	c, err := f.stores.Conversations.GetOpen(context.Background(), "acme", address)
	if err != nil {
		t.Fatalf("open conversation for %s: %v", address, err)
	}
	return c
}

func (f *fixture) messages(t *testing.T, c *convo.Conversation) []*convo.Message {
	t.Helper()
	msgs, err := f.stores.Messages.ListByConversation(context.Background(), c.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestProcessTurn_AnswersConfidentTurn(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.processor.processTurn(context.Background(), "acme", "+1555", "when does my order ship"); err != nil {
		t.Fatal(err)
	}

	c := f.openConv(t, "+1555")
	if c.Status != convo.StatusAutomated {
		t.Errorf("status = %s, want automated", c.Status)
	}

	msgs := f.messages(t, c)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want customer + agent", len(msgs))
	}
	if msgs[0].Sender != convo.SenderCustomer || msgs[0].Body != "when does my order ship" {
		t.Errorf("inbound turn = %+v", msgs[0])
	}
	reply := msgs[1]
	if reply.Sender != convo.SenderAgent {
		t.Errorf("reply sender = %s, want agent", reply.Sender)
	}
	if reply.Confidence == nil || *reply.Confidence < 0 || *reply.Confidence > 1 {
		t.Errorf("reply confidence = %v, want within [0,1]", reply.Confidence)
	}
	if reply.EscalationTriggered {
		t.Error("confident reply flagged as escalation")
	}

	sent := f.deliverer.delivered()
	if len(sent) != 1 || sent[0].Text != f.generator.reply {
		t.Errorf("delivered = %+v, want the generated answer", sent)
	}
	if sent[0].TenantID != "acme" || sent[0].Address != "+1555" {
		t.Errorf("delivery routing = %+v", sent[0])
	}
}

func TestProcessTurn_LowConfidenceEscalates(t *testing.T) {
	f := newFixture(t, Options{})
	// No passages: retrieval signal 0, so the score cannot reach 0.6.
	f.retriever.passages["acme"] = nil
	f.generator.reply = "Something vague about things unrelated to anything."

	if err := f.processor.processTurn(context.Background(), "acme", "+1555", "what is your warranty policy"); err != nil {
		t.Fatal(err)
	}

	c := f.openConv(t, "+1555")
	if c.Status != convo.StatusAwaitingOperator {
		t.Fatalf("status = %s, want awaiting_operator", c.Status)
	}
	if c.Fallback != convo.FallbackLowConfidence {
		t.Errorf("fallback = %s, want low_confidence", c.Fallback)
	}

	msgs := f.messages(t, c)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want customer + withheld candidate + ack", len(msgs))
	}
	candidate := msgs[1]
	if candidate.Sender != convo.SenderAgent || !candidate.EscalationTriggered {
		t.Errorf("candidate = %+v, want escalation-flagged agent turn", candidate)
	}
	if candidate.Confidence == nil || *candidate.Confidence >= 0.6 {
		t.Errorf("candidate confidence = %v, want < 0.6", candidate.Confidence)
	}

	// Customer gets the hand-off acknowledgement, not the candidate.
	sent := f.deliverer.delivered()
	if len(sent) != 1 || sent[0].Text != DefaultHandoffAck {
		t.Errorf("delivered = %+v, want handoff ack", sent)
	}
}

func TestProcessTurn_ExplicitRequestOverridesScore(t *testing.T) {
	f := newFixture(t, Options{})
	// Retrieval and generation would produce a high score, but an explicit
	// request must escalate before either runs.
	if err := f.processor.processTurn(context.Background(), "acme", "+1555", "let me talk to a human"); err != nil {
		t.Fatal(err)
	}

	c := f.openConv(t, "+1555")
	if c.Status != convo.StatusAwaitingOperator {
		t.Fatalf("status = %s, want awaiting_operator", c.Status)
	}
	if c.Fallback != convo.FallbackExplicitRequest {
		t.Errorf("fallback = %s, want explicit_request", c.Fallback)
	}
	if f.generator.callCount() != 0 {
		t.Errorf("generator ran %d times for an explicit request, want 0", f.generator.callCount())
	}

	msgs := f.messages(t, c)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want customer + ack", len(msgs))
	}
	if !msgs[0].EscalationTriggered {
		t.Error("triggering customer turn not flagged")
	}
}

func TestProcessTurn_EscalatedConversationSuspendsAutomation(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.processor.processTurn(context.Background(), "acme", "+1555", "talk to a human"); err != nil {
		t.Fatal(err)
	}
	c := f.openConv(t, "+1555")

	// Further turns are recorded but not answered while escalated.
	if err := f.processor.processTurn(context.Background(), "acme", "+1555", "hello? anyone there"); err != nil {
		t.Fatal(err)
	}
	if f.generator.callCount() != 0 {
		t.Errorf("generator ran while escalated")
	}
	msgs := f.messages(t, c)
	last := msgs[len(msgs)-1]
	if last.Sender != convo.SenderCustomer || last.Body != "hello? anyone there" {
		t.Errorf("followup turn not recorded: %+v", last)
	}
}

func TestProcessTurn_RecoveryResumesAutomation(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.processor.processTurn(context.Background(), "acme", "+1555", "talk to a human"); err != nil {
		t.Fatal(err)
	}
	c := f.openConv(t, "+1555")

	ok, err := f.machine.Recover(context.Background(), c.ID)
	if err != nil || !ok {
		t.Fatalf("recover = (%v, %v), want success", ok, err)
	}

	if err := f.processor.processTurn(context.Background(), "acme", "+1555", "when does my order ship"); err != nil {
		t.Fatal(err)
	}
	if f.generator.callCount() != 1 {
		t.Errorf("generator calls after recovery = %d, want 1", f.generator.callCount())
	}
	got := f.openConv(t, "+1555")
	if got.Status != convo.StatusAutomated {
		t.Errorf("status = %s, want automated after answering", got.Status)
	}
}

func TestProcessTurn_DeliveryFailureKeepsState(t *testing.T) {
	f := newFixture(t, Options{})
	f.deliverer.err = errors.New("channel down")

	err := f.processor.processTurn(context.Background(), "acme", "+1555", "when does my order ship")
	if err == nil {
		t.Fatal("expected delivery error")
	}

	// The reply is persisted and the conversation stays automated, so the
	// next fragment re-triggers processing instead of compounding failure.
	c := f.openConv(t, "+1555")
	if c.Status != convo.StatusAutomated {
		t.Errorf("status = %s, want automated", c.Status)
	}
	msgs := f.messages(t, c)
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want customer + persisted reply", len(msgs))
	}
}

func TestPublishInbound_UnknownTenantDropped(t *testing.T) {
	f := newFixture(t, Options{DebounceWindow: 10 * time.Millisecond})

	if err := f.processor.PublishInbound(context.Background(), bus.InboundFragment{
		TenantID: "ghost", Channel: "webhook", Address: "+1555", Text: "hello",
	}); err != nil {
		t.Fatal(err)
	}
	if n := f.processor.Buffer().Pending(); n != 0 {
		t.Errorf("pending windows = %d, want 0 for unknown tenant", n)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := f.stores.Conversations.GetOpen(context.Background(), "ghost", "+1555"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("conversation created for unknown tenant: err = %v", err)
	}
}

func TestPublishInbound_CoalescesThroughBuffer(t *testing.T) {
	f := newFixture(t, Options{DebounceWindow: 30 * time.Millisecond})

	ctx := context.Background()
	for _, frag := range []string{"I nee", "d help", "with my order"} {
		if err := f.processor.PublishInbound(ctx, bus.InboundFragment{
			TenantID: "acme", Channel: "webhook", Address: "+1555", Text: frag,
		}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := f.stores.Conversations.GetOpen(ctx, "acme", "+1555"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("coalesced turn never processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c := f.openConv(t, "+1555")
	msgs := f.messages(t, c)
	if len(msgs) == 0 || msgs[0].Sender != convo.SenderCustomer {
		t.Fatalf("missing coalesced customer turn: %+v", msgs)
	}
	wantBody := "I nee\nd help\nwith my order"
	if msgs[0].Body != wantBody {
		t.Errorf("composite body = %q, want %q", msgs[0].Body, wantBody)
	}
	if !strings.Contains(f.retriever.queries[0], wantBody) {
		t.Errorf("retrieval query = %q, want the composite turn", f.retriever.queries[0])
	}
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.stores.Tenants.Upsert(context.Background(), &tenant.Tenant{ID: "globex", Name: "Globex", Channel: "webhook"}); err != nil {
		t.Fatal(err)
	}
	f.retriever.passages["globex"] = []retrieval.Passage{{Text: "Globex doc", Relevance: 0.9}}

	// Same external address under both tenants.
	if err := f.processor.processTurn(context.Background(), "acme", "+1555", "when does my order ship"); err != nil {
		t.Fatal(err)
	}
	if err := f.processor.processTurn(context.Background(), "globex", "+1555", "talk to a human"); err != nil {
		t.Fatal(err)
	}

	acme := f.openConv(t, "+1555")
	globex, err := f.stores.Conversations.GetOpen(context.Background(), "globex", "+1555")
	if err != nil {
		t.Fatal(err)
	}
	if acme.ID == globex.ID {
		t.Fatal("tenants share a conversation")
	}
	if acme.Status != convo.StatusAutomated {
		t.Errorf("acme status = %s, want automated", acme.Status)
	}
	if globex.Status != convo.StatusAwaitingOperator {
		t.Errorf("globex status = %s, want awaiting_operator", globex.Status)
	}
	// Messages stay under their own conversations.
	if msgs := f.messages(t, globex); len(msgs) != 2 {
		t.Errorf("globex has %d messages, want 2", len(msgs))
	}
	if msgs := f.messages(t, acme); len(msgs) != 2 {
		t.Errorf("acme has %d messages, want 2", len(msgs))
	}
}

func TestProcessor_UpdateTunables(t *testing.T) {
	f := newFixture(t, Options{RetrievalK: 5})

	// Raise the process-wide threshold above the fixture's confident score
	// and shrink the retrieval depth, as a config reload would.
	f.processor.UpdateTunables(0, 0.95, 2)

	if err := f.processor.processTurn(context.Background(), "acme", "+1555", "when does my order ship"); err != nil {
		t.Fatal(err)
	}

	if k := f.retriever.lastQueryK(); k != 2 {
		t.Errorf("retrieval depth = %d after reload, want 2", k)
	}
	c := f.openConv(t, "+1555")
	if c.Status != convo.StatusAwaitingOperator {
		t.Errorf("status = %s, want awaiting_operator under the raised threshold", c.Status)
	}
}
