package bus

import (
	"log/slog"
	"sync"
)

// MessageBus is the in-process event fanout between the pipeline, the
// sweeper, and operator WebSocket clients. Broadcast never blocks: each
// handler is invoked on its own goroutine and slow subscribers drop behind
// on their own time.
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewMessageBus creates an empty bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under the given subscriber id, replacing any
// previous handler for that id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes a subscriber.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to all subscribers.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus.handler_panic", "panic", r, "event", event.Name)
				}
			}()
			h(event)
		}(h)
	}
}
