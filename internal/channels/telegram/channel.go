// Package telegram connects one tenant's Telegram bot to the message
// pipeline via the Bot API using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/parley-hq/parley/internal/bus"
	"github.com/parley-hq/parley/internal/config"
)

// Telegram rejects bursts above roughly one message per second per chat;
// outbound sends are paced per chat to stay under that.
const (
	perChatInterval = time.Second
	perChatBurst    = 1
)

// Channel is a Telegram delivery adapter bound to a single tenant's bot.
type Channel struct {
	bot      *telego.Bot
	tenantID string
	sink     bus.FragmentSink

	limitersMu sync.Mutex
	limiters   map[int64]*rate.Limiter

	running    bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config. Inbound messages become
// fragments attributed to cfg.TenantID; the chat ID is the address.
func New(cfg config.TelegramConfig, sink bus.FragmentSink) (*Channel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		bot:      bot,
		tenantID: cfg.TenantID,
		sink:     sink,
		limiters: make(map[int64]*rate.Limiter),
	}, nil
}

func (c *Channel) Name() string { return "telegram" }

func (c *Channel) IsRunning() bool { return c.running }

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.running = true
	slog.Info("telegram.connected", "tenant", c.tenantID, "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram.updates_closed", "tenant", c.tenantID)
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels the long polling context and waits for the polling goroutine
// to exit so Telegram releases the getUpdates lock before a restart.
func (c *Channel) Stop(_ context.Context) error {
	c.running = false
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram.poll_exit_timeout", "tenant", c.tenantID)
		}
	}
	return nil
}

// handleMessage forwards one inbound Telegram message as a raw fragment.
// Coalescing happens downstream; rapid-fire messages from the same chat end
// up in one composite turn.
func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.Text == "" {
		return
	}
	frag := bus.InboundFragment{
		TenantID: c.tenantID,
		Channel:  "telegram",
		Address:  strconv.FormatInt(msg.Chat.ID, 10),
		Text:     msg.Text,
		Metadata: map[string]string{
			"message_id": strconv.Itoa(msg.MessageID),
		},
	}
	if msg.From != nil {
		frag.Metadata["sender_id"] = strconv.FormatInt(msg.From.ID, 10)
	}
	if err := c.sink.PublishInbound(ctx, frag); err != nil {
		slog.Warn("telegram.publish_failed", "tenant", c.tenantID, "chat", msg.Chat.ID, "error", err)
	}
}

// Send delivers one outbound message to its chat, paced per chat.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.Address, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.Address, err)
	}

	if err := c.limiter(chatID).Wait(ctx); err != nil {
		return fmt.Errorf("rate wait: %w", err)
	}

	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Text)); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (c *Channel) limiter(chatID int64) *rate.Limiter {
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()
	l, ok := c.limiters[chatID]
	if !ok {
		l = rate.NewLimiter(rate.Every(perChatInterval), perChatBurst)
		c.limiters[chatID] = l
	}
	return l
}
