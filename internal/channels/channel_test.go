package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parley-hq/parley/internal/bus"
	"github.com/parley-hq/parley/internal/store/memory"
	"github.com/parley-hq/parley/internal/tenant"
)

type stubChannel struct {
	name    string
	running bool
	sent    []bus.OutboundMessage
	sendErr error
}

func (s *stubChannel) Name() string                    { return s.name }
func (s *stubChannel) Start(context.Context) error     { s.running = true; return nil }
func (s *stubChannel) Stop(context.Context) error      { s.running = false; return nil }
func (s *stubChannel) IsRunning() bool                 { return s.running }
func (s *stubChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, msg)
	return nil
}

func TestDispatcher_RoutesByChannelName(t *testing.T) {
	d := NewDispatcher()
	tg := &stubChannel{name: "telegram", running: true}
	wh := &stubChannel{name: "webhook", running: true}
	d.Register(tg)
	d.Register(wh)

	msg := bus.OutboundMessage{TenantID: "acme", Channel: "telegram", Address: "42", Text: "hi"}
	if err := d.Deliver(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if len(tg.sent) != 1 || len(wh.sent) != 0 {
		t.Errorf("routing: telegram got %d, webhook got %d", len(tg.sent), len(wh.sent))
	}
}

func TestDispatcher_UnknownChannel(t *testing.T) {
	d := NewDispatcher()
	err := d.Deliver(context.Background(), bus.OutboundMessage{Channel: "smoke-signal"})
	if err == nil || !strings.Contains(err.Error(), "smoke-signal") {
		t.Errorf("err = %v, want unknown-channel error naming the channel", err)
	}
}

func TestDispatcher_StoppedChannelRejects(t *testing.T) {
	d := NewDispatcher()
	d.Register(&stubChannel{name: "telegram"})
	if err := d.Deliver(context.Background(), bus.OutboundMessage{Channel: "telegram"}); err == nil {
		t.Error("delivery to a stopped channel succeeded")
	}
}

func TestDispatcher_SendErrorWrapped(t *testing.T) {
	d := NewDispatcher()
	sendErr := errors.New("boom")
	d.Register(&stubChannel{name: "telegram", running: true, sendErr: sendErr})
	err := d.Deliver(context.Background(), bus.OutboundMessage{Channel: "telegram"})
	if !errors.Is(err, sendErr) {
		t.Errorf("err = %v, want wrapped send error", err)
	}
}

func TestWebhookChannel_PostsToTenantCallback(t *testing.T) {
	var got webhookPayload
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Parley-Token")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tenants := memory.NewTenantStore()
	if err := tenants.Upsert(context.Background(), &tenant.Tenant{
		ID: "acme", Name: "Acme", Channel: "webhook", CallbackURL: srv.URL,
	}); err != nil {
		t.Fatal(err)
	}

	ch := NewWebhookChannel(tenants, "s3cret")
	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ch.Stop(context.Background())

	msg := bus.OutboundMessage{TenantID: "acme", Channel: "webhook", Address: "+1555", Text: "your order shipped"}
	if err := ch.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if got.TenantID != "acme" || got.Address != "+1555" || got.Text != "your order shipped" {
		t.Errorf("payload = %+v", got)
	}
	if gotToken != "s3cret" {
		t.Errorf("token header = %q", gotToken)
	}
}

func TestWebhookChannel_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tenants := memory.NewTenantStore()
	if err := tenants.Upsert(context.Background(), &tenant.Tenant{
		ID: "acme", Name: "Acme", Channel: "webhook", CallbackURL: srv.URL,
	}); err != nil {
		t.Fatal(err)
	}

	ch := NewWebhookChannel(tenants, "")
	_ = ch.Start(context.Background())
	if err := ch.Send(context.Background(), bus.OutboundMessage{TenantID: "acme"}); err == nil {
		t.Error("502 response did not produce an error")
	}
}

func TestWebhookChannel_MissingCallbackURL(t *testing.T) {
	tenants := memory.NewTenantStore()
	if err := tenants.Upsert(context.Background(), &tenant.Tenant{
		ID: "acme", Name: "Acme", Channel: "webhook",
	}); err != nil {
		t.Fatal(err)
	}
	ch := NewWebhookChannel(tenants, "")
	_ = ch.Start(context.Background())
	if err := ch.Send(context.Background(), bus.OutboundMessage{TenantID: "acme"}); err == nil {
		t.Error("missing callback URL did not produce an error")
	}
}
