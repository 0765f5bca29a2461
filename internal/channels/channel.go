// Package channels implements the delivery layer: adapters that carry agent
// replies back to the end-customer's platform (Telegram, tenant webhooks)
// and feed raw inbound fragments into the message pipeline.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parley-hq/parley/internal/bus"
)

// Channel is one delivery adapter. Start is non-blocking after setup; Send
// delivers a single outbound message to the platform.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// Dispatcher routes outbound messages to the channel named in the message.
// It is the pipeline's bus.Deliverer.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{channels: make(map[string]Channel)}
}

// Register adds a channel, replacing any previous channel with the same name.
func (d *Dispatcher) Register(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch.Name()] = ch
}

// Get returns the channel registered under name.
func (d *Dispatcher) Get(name string) (Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[name]
	return ch, ok
}

// Names returns the registered channel names.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered channel. The first failure aborts startup;
// already-started channels are stopped again so the caller can exit cleanly.
func (d *Dispatcher) StartAll(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	started := make([]Channel, 0, len(d.channels))
	for name, ch := range d.channels {
		if err := ch.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("start channel %s: %w", name, err)
		}
		slog.Info("channel.started", "channel", name)
		started = append(started, ch)
	}
	return nil
}

// StopAll stops every registered channel, logging failures instead of
// aborting so shutdown always completes.
func (d *Dispatcher) StopAll(ctx context.Context) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for name, ch := range d.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channel.stop_failed", "channel", name, "error", err)
		}
	}
}

// Deliver routes one outbound message by its channel name.
func (d *Dispatcher) Deliver(ctx context.Context, msg bus.OutboundMessage) error {
	ch, ok := d.Get(msg.Channel)
	if !ok {
		return fmt.Errorf("no channel registered for %q", msg.Channel)
	}
	if !ch.IsRunning() {
		return fmt.Errorf("channel %q is not running", msg.Channel)
	}
	if err := ch.Send(ctx, msg); err != nil {
		return fmt.Errorf("send via %s: %w", msg.Channel, err)
	}
	slog.Debug("channel.delivered", "channel", msg.Channel, "tenant", msg.TenantID, "address", msg.Address)
	return nil
}
