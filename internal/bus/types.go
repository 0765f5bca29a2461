package bus

import "context"

// InboundFragment is one raw message fragment received from a channel
// collaborator before coalescing.
type InboundFragment struct {
	TenantID string            `json:"tenant_id"`
	Channel  string            `json:"channel"` // originating channel name ("telegram", "webhook")
	Address  string            `json:"address"` // end-customer channel address
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message to be delivered to the end-customer's channel.
type OutboundMessage struct {
	TenantID string `json:"tenant_id"`
	Channel  string `json:"channel"`
	Address  string `json:"address"`
	Text     string `json:"text"`
}

// Event is a server-side event broadcast to operator WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Event names pushed to operator clients.
const (
	EventEscalated = "conversation.escalated"
	EventClaimed   = "conversation.claimed"
	EventReleased  = "conversation.released"
	EventRecovered = "conversation.recovered"
	EventTurn      = "turn.completed"
	EventTurnFail  = "turn.failed"
)

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. Used by the
// gateway server and the pipeline to decouple from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// FragmentSink accepts raw inbound fragments (the debounce buffer's inbound
// face, seen from the channels).
type FragmentSink interface {
	PublishInbound(ctx context.Context, frag InboundFragment) error
}

// Deliverer sends one outbound message to its channel. Implemented by the
// channel dispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, msg OutboundMessage) error
}
