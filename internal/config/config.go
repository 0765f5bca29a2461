// Package config holds the gateway configuration: a JSON5 file overlaid
// with PARLEY_* environment variables. Secrets (database DSN, bot tokens,
// API keys) are env-only and never persisted to the config file.
package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the Parley gateway.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Debounce   DebounceConfig   `json:"debounce,omitempty"`
	Confidence ConfidenceConfig `json:"confidence,omitempty"`
	Sweep      SweepConfig      `json:"sweep,omitempty"`
	Retrieval  RetrievalConfig  `json:"retrieval,omitempty"`
	Answer     AnswerConfig     `json:"answer,omitempty"`
	Channels   ChannelsConfig   `json:"channels,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Tenants    []TenantSeed     `json:"tenants,omitempty"`
	mu         sync.RWMutex
}

// GatewayConfig configures the HTTP listener.
type GatewayConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Token           string `json:"-"` // from env PARLEY_GATEWAY_TOKEN only
	MaxMessageChars int    `json:"max_message_chars"`
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is a secret and is never read from the config file, only
// from env PARLEY_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`                     // from env PARLEY_POSTGRES_DSN only
	Mode        string `json:"mode,omitempty"`        // "standalone" (default) or "managed"
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone DB file (default ~/.parley/parley.db)
}

// IsManagedMode returns true when the gateway runs multi-tenant on Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// DebounceConfig tunes inbound message coalescing.
type DebounceConfig struct {
	WindowMS int `json:"window_ms"`
}

// Window returns the coalescing window as a duration.
func (d DebounceConfig) Window() time.Duration {
	return time.Duration(d.WindowMS) * time.Millisecond
}

// ConfidenceConfig tunes the escalation decision.
type ConfidenceConfig struct {
	Threshold float64 `json:"threshold"`
}

// SweepConfig tunes the stalled-conversation recovery sweep.
type SweepConfig struct {
	Schedule string `json:"schedule"` // cron expression
	SLAHours int    `json:"sla_hours"`
}

// SLA returns the operator service-level window as a duration.
func (s SweepConfig) SLA() time.Duration {
	return time.Duration(s.SLAHours) * time.Hour
}

// RetrievalConfig configures the knowledge-base vector store.
type RetrievalConfig struct {
	Path string `json:"path,omitempty"` // persistent DB dir, empty = in-memory
	TopK int    `json:"top_k"`
}

// AnswerConfig configures the answer generator.
type AnswerConfig struct {
	APIKey  string `json:"-"` // from env PARLEY_OPENAI_API_KEY only
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ChannelsConfig holds the delivery channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Webhook  WebhookConfig  `json:"webhook,omitempty"`
}

// TelegramConfig configures one tenant's Telegram bot.
// Token comes from env PARLEY_TELEGRAM_TOKEN only.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"-"`
	TenantID string `json:"tenant_id,omitempty"`
	Proxy    string `json:"proxy,omitempty"`
}

// WebhookConfig configures the generic webhook delivery channel.
// Secret comes from env PARLEY_WEBHOOK_SECRET only.
type WebhookConfig struct {
	Secret string `json:"-"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // host:port of the OTLP HTTP collector
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// TenantSeed declares a tenant provisioned at startup. Standalone
// deployments list their tenants here instead of calling the admin API.
type TenantSeed struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Channel             string  `json:"channel"`
	CallbackURL         string  `json:"callback_url,omitempty"`
	DebounceWindowMS    int     `json:"debounce_window_ms,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
}

// Snapshot returns a copy of the tunable sections for safe concurrent reads
// while the watcher reloads the file.
func (c *Config) Snapshot() (DebounceConfig, ConfidenceConfig, SweepConfig, RetrievalConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debounce, c.Confidence, c.Sweep, c.Retrieval
}

// ApplyTunables overlays the reloadable sections from a freshly parsed
// config. Secrets and structural settings (database, channels, gateway
// listener) require a restart and are deliberately not touched.
func (c *Config) ApplyTunables(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Debounce = next.Debounce
	c.Confidence = next.Confidence
	c.Sweep = next.Sweep
	c.Retrieval.TopK = next.Retrieval.TopK
}
