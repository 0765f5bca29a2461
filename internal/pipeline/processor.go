// Package pipeline wires the inbound-message core together: fragments enter
// through the debounce buffer, quiescence produces one coalesced turn, and
// the processor runs retrieval, generation, scoring, and the hand-off
// decision for that turn.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parley-hq/parley/internal/answer"
	"github.com/parley-hq/parley/internal/bus"
	"github.com/parley-hq/parley/internal/confidence"
	"github.com/parley-hq/parley/internal/convo"
	"github.com/parley-hq/parley/internal/debounce"
	"github.com/parley-hq/parley/internal/handoff"
	"github.com/parley-hq/parley/internal/retrieval"
	"github.com/parley-hq/parley/internal/store"
	"github.com/parley-hq/parley/internal/tenant"
)

// DefaultHandoffAck is sent to the customer when their conversation is
// escalated to a human.
const DefaultHandoffAck = "Thanks for your patience. I'm connecting you with a member of our team. Someone will be with you shortly."

// defaultRetrievalK is how many passages are fetched per turn.
const defaultRetrievalK = 5

// defaultHistoryLimit caps how many prior turns are sent to the generator.
const defaultHistoryLimit = 20

// Options tunes the processor. Zero values use defaults.
type Options struct {
	DebounceWindow time.Duration
	Threshold      float64
	RetrievalK     int
	HistoryLimit   int
	HandoffAck     string
}

// Processor is the turn-processing core. It implements bus.FragmentSink for
// the channels: fragments with an unresolvable tenant are dropped at that
// boundary before any state is created.
type Processor struct {
	stores    *store.Stores
	engine    *confidence.Engine
	machine   *handoff.Machine
	retriever retrieval.Retriever
	generator answer.Generator
	deliverer bus.Deliverer
	events    bus.EventPublisher
	buffer    *debounce.Buffer

	tunablesMu sync.RWMutex
	opts       Options
	tracer     trace.Tracer
}

// New creates a processor and its debounce buffer. events and deliverer may
// be nil (tests).
func New(stores *store.Stores, engine *confidence.Engine, machine *handoff.Machine,
	retriever retrieval.Retriever, generator answer.Generator,
	deliverer bus.Deliverer, events bus.EventPublisher, opts Options) *Processor {

	if opts.Threshold <= 0 && engine != nil {
		opts.Threshold = engine.Threshold()
	}
	if opts.RetrievalK <= 0 {
		opts.RetrievalK = defaultRetrievalK
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.HandoffAck == "" {
		opts.HandoffAck = DefaultHandoffAck
	}

	p := &Processor{
		stores:    stores,
		engine:    engine,
		machine:   machine,
		retriever: retriever,
		generator: generator,
		deliverer: deliverer,
		events:    events,
		opts:      opts,
		tracer:    otel.Tracer("parley/pipeline"),
	}
	p.buffer = debounce.New(opts.DebounceWindow, p.processTurn, p.reportTurnError)
	return p
}

// Buffer exposes the debounce buffer for shutdown.
func (p *Processor) Buffer() *debounce.Buffer { return p.buffer }

// UpdateTunables applies hot-reloaded settings: the default coalescing
// window, the process-wide confidence threshold, and the retrieval depth.
// Per-tenant overrides still win where set; zero values leave the current
// setting in place.
func (p *Processor) UpdateTunables(window time.Duration, threshold float64, topK int) {
	if window > 0 {
		p.buffer.SetDefaultWindow(window)
	}
	p.tunablesMu.Lock()
	if threshold > 0 && threshold <= 1 {
		p.opts.Threshold = threshold
	}
	if topK > 0 {
		p.opts.RetrievalK = topK
	}
	p.tunablesMu.Unlock()
}

func (p *Processor) defaultThreshold() float64 {
	p.tunablesMu.RLock()
	defer p.tunablesMu.RUnlock()
	return p.opts.Threshold
}

func (p *Processor) retrievalK() int {
	p.tunablesMu.RLock()
	defer p.tunablesMu.RUnlock()
	return p.opts.RetrievalK
}

// PublishInbound accepts one raw fragment. Unknown tenants are dropped
// silently (logged, no conversation created, no error to the channel).
func (p *Processor) PublishInbound(ctx context.Context, frag bus.InboundFragment) error {
	if frag.TenantID == "" || frag.Address == "" || frag.Text == "" {
		slog.Debug("pipeline.fragment_dropped", "reason", "incomplete", "tenant", frag.TenantID)
		return nil
	}
	t, err := p.stores.Tenants.Get(ctx, frag.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("pipeline.fragment_dropped", "reason", "unknown_tenant", "tenant", frag.TenantID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve tenant: %w", err)
	}
	p.buffer.Append(t.ID, frag.Address, frag.Text, t.DebounceWindow)
	return nil
}

// reportTurnError is the buffer's observability sink: transient turn
// failures reach operators best-effort and never block the buffer.
func (p *Processor) reportTurnError(tenantID, address string, err error) {
	if p.events != nil {
		p.events.Broadcast(bus.Event{Name: bus.EventTurnFail, Payload: map[string]any{
			"tenant_id": tenantID,
			"address":   address,
			"error":     err.Error(),
		}})
	}
}

// processTurn handles one coalesced composite message. By the time it runs
// the window is already cleared; any error here aborts this cycle only and
// the conversation keeps whatever status it already reached.
func (p *Processor) processTurn(ctx context.Context, tenantID, address, composite string) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.turn",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("conversation.address", address),
		))
	defer span.End()

	t, err := p.stores.Tenants.Get(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("resolve tenant %s: %w", tenantID, err)
	}

	c, err := p.openConversation(ctx, t, address)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	span.SetAttributes(attribute.String("conversation.id", c.ID.String()))

	now := time.Now()
	explicit := p.engine.IsExplicitHumanRequest(composite)

	inbound := convo.NewMessage(c.ID, convo.SenderCustomer, composite, now)
	inbound.EscalationTriggered = explicit && c.Status == convo.StatusAutomated
	if err := p.stores.Messages.Append(ctx, inbound); err != nil {
		return fmt.Errorf("persist inbound turn: %w", err)
	}
	if err := p.stores.Conversations.TouchCustomer(ctx, c.ID, now); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	// Escalated conversations belong to operators: record the turn, surface
	// it, and stay out of the way until recovery returns the conversation
	// to automated handling.
	if c.Status != convo.StatusAutomated {
		slog.Debug("pipeline.turn_suspended", "conversation", c.ID, "status", c.Status)
		p.broadcast(bus.EventTurn, map[string]any{
			"conversation_id": c.ID,
			"tenant_id":       t.ID,
			"status":          c.Status,
		})
		return nil
	}

	if explicit {
		return p.escalate(ctx, t, c, convo.FallbackExplicitRequest)
	}
	return p.answerTurn(ctx, t, c, composite)
}

// openConversation finds the open conversation for (tenant, address) or
// lazily creates one. Creation races resolve by re-reading: the unique
// (tenant, address) constraint means exactly one creator wins.
func (p *Processor) openConversation(ctx context.Context, t *tenant.Tenant, address string) (*convo.Conversation, error) {
	c, err := p.stores.Conversations.GetOpen(ctx, t.ID, address)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	channel := t.Channel
	if channel == "" {
		channel = "webhook"
	}
	c = convo.NewConversation(t.ID, channel, address, time.Now())
	if createErr := p.stores.Conversations.Create(ctx, c); createErr != nil {
		// Lost a creation race; the winner's record is the open conversation.
		if existing, getErr := p.stores.Conversations.GetOpen(ctx, t.ID, address); getErr == nil {
			return existing, nil
		}
		return nil, createErr
	}
	slog.Info("pipeline.conversation_created", "conversation", c.ID, "tenant", t.ID)
	return c, nil
}

// answerTurn runs retrieval, generation, and the confidence gate for one
// automated turn.
func (p *Processor) answerTurn(ctx context.Context, t *tenant.Tenant, c *convo.Conversation, composite string) error {
	passages, err := p.retriever.Query(ctx, t.ID, composite, p.retrievalK())
	if err != nil {
		return fmt.Errorf("retrieve passages: conversation %s: %w", c.ID, err)
	}

	history, err := p.stores.Messages.ListByConversation(ctx, c.ID, p.opts.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: conversation %s: %w", c.ID, err)
	}
	// The composite turn was just persisted; don't send it twice.
	if n := len(history); n > 0 && history[n-1].Sender == convo.SenderCustomer && history[n-1].Body == composite {
		history = history[:n-1]
	}

	resp, err := p.generator.Generate(ctx, answer.Request{
		TenantID:   t.ID,
		SessionKey: tenant.BuildSessionKey(t.ID, c.Channel, c.Address),
		Query:      composite,
		History:    history,
		Passages:   passages,
	})
	if err != nil {
		return fmt.Errorf("generate answer: conversation %s: %w", c.ID, err)
	}

	score := p.engine.Score(composite, passages, resp.Text)
	threshold := t.ConfidenceThreshold
	if threshold <= 0 {
		threshold = p.defaultThreshold()
	}

	now := time.Now()
	if p.engine.ShouldEscalate(score, threshold) {
		// Keep the withheld candidate so operators can see what the bot
		// would have said.
		candidate := convo.NewMessage(c.ID, convo.SenderAgent, resp.Text, now).WithConfidence(score)
		candidate.EscalationTriggered = true
		if err := p.stores.Messages.Append(ctx, candidate); err != nil {
			return fmt.Errorf("persist candidate answer: %w", err)
		}
		slog.Info("pipeline.low_confidence", "conversation", c.ID, "score", score, "threshold", threshold)
		return p.escalate(ctx, t, c, convo.FallbackLowConfidence)
	}

	reply := convo.NewMessage(c.ID, convo.SenderAgent, resp.Text, now).WithConfidence(score)
	if err := p.stores.Messages.Append(ctx, reply); err != nil {
		return fmt.Errorf("persist reply: %w", err)
	}
	if err := p.stores.Conversations.Touch(ctx, c.ID, now); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	if err := p.deliver(ctx, t, c, resp.Text); err != nil {
		// The reply is persisted and the conversation stays automated; the
		// next inbound fragment re-triggers processing.
		return fmt.Errorf("deliver reply: conversation %s: %w", c.ID, err)
	}

	slog.Info("pipeline.turn_answered", "conversation", c.ID, "score", score)
	p.broadcast(bus.EventTurn, map[string]any{
		"conversation_id": c.ID,
		"tenant_id":       t.ID,
		"score":           score,
	})
	return nil
}

// escalate hands the conversation to a human and acknowledges the customer.
func (p *Processor) escalate(ctx context.Context, t *tenant.Tenant, c *convo.Conversation, reason convo.FallbackReason) error {
	if err := p.machine.Escalate(ctx, c.ID, reason); err != nil {
		if errors.Is(err, convo.ErrConflict) {
			// Already escalated by a concurrent turn; nothing to redo.
			slog.Debug("pipeline.escalate_raced", "conversation", c.ID)
			return nil
		}
		return fmt.Errorf("escalate conversation %s: %w", c.ID, err)
	}

	ack := convo.NewMessage(c.ID, convo.SenderSystem, p.opts.HandoffAck, time.Now())
	if err := p.stores.Messages.Append(ctx, ack); err != nil {
		return fmt.Errorf("persist handoff ack: %w", err)
	}
	if err := p.deliver(ctx, t, c, p.opts.HandoffAck); err != nil {
		// The conversation is already escalated and stays that way; a failed
		// acknowledgement is logged, not retried.
		return fmt.Errorf("deliver handoff ack: conversation %s: %w", c.ID, err)
	}
	return nil
}

func (p *Processor) deliver(ctx context.Context, t *tenant.Tenant, c *convo.Conversation, text string) error {
	if p.deliverer == nil {
		return nil
	}
	return p.deliverer.Deliver(ctx, bus.OutboundMessage{
		TenantID: t.ID,
		Channel:  c.Channel,
		Address:  c.Address,
		Text:     text,
	})
}

func (p *Processor) broadcast(name string, payload any) {
	if p.events != nil {
		p.events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}
