package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/parley-hq/parley/internal/bus"
	"github.com/parley-hq/parley/internal/store"
)

const webhookTimeout = 15 * time.Second

// WebhookChannel delivers outbound messages by POSTing them to the tenant's
// configured callback URL. It is the generic delivery path for tenants that
// integrate over plain HTTP instead of a chat platform.
type WebhookChannel struct {
	tenants store.TenantStore
	client  *http.Client
	secret  string // shared secret echoed in X-Parley-Token, empty = unsigned
	running bool
}

// NewWebhookChannel creates the webhook delivery channel.
func NewWebhookChannel(tenants store.TenantStore, secret string) *WebhookChannel {
	return &WebhookChannel{
		tenants: tenants,
		client:  &http.Client{Timeout: webhookTimeout},
		secret:  secret,
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Start(_ context.Context) error {
	c.running = true
	return nil
}

func (c *WebhookChannel) Stop(_ context.Context) error {
	c.running = false
	c.client.CloseIdleConnections()
	return nil
}

func (c *WebhookChannel) IsRunning() bool { return c.running }

// webhookPayload is the body POSTed to the tenant callback.
type webhookPayload struct {
	TenantID string    `json:"tenant_id"`
	Address  string    `json:"address"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

// Send POSTs the message to the tenant's callback URL. Non-2xx responses are
// errors so the pipeline records the delivery failure.
func (c *WebhookChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	t, err := c.tenants.Get(ctx, msg.TenantID)
	if err != nil {
		return fmt.Errorf("resolve tenant %s: %w", msg.TenantID, err)
	}
	if t.CallbackURL == "" {
		return fmt.Errorf("tenant %s has no callback URL", msg.TenantID)
	}

	body, err := json.Marshal(webhookPayload{
		TenantID: msg.TenantID,
		Address:  msg.Address,
		Text:     msg.Text,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Parley-Token", c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", t.CallbackURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	slog.Debug("channel.webhook_sent", "tenant", msg.TenantID, "status", resp.StatusCode)
	return nil
}
