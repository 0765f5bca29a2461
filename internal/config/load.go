package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18790,
			MaxMessageChars: 32000,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.parley/parley.db",
		},
		Debounce: DebounceConfig{
			WindowMS: 10000,
		},
		Confidence: ConfidenceConfig{
			Threshold: 0.6,
		},
		Sweep: SweepConfig{
			Schedule: "0 * * * *",
			SLAHours: 24,
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
		Answer: AnswerConfig{
			Model: "gpt-4o-mini",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "parley",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults plus env is a valid configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Reload parses the file again with the same env overlay as Load, so env
// vars keep precedence across hot reloads.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets are env-only.
	envStr("PARLEY_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("PARLEY_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("PARLEY_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("PARLEY_WEBHOOK_SECRET", &c.Channels.Webhook.Secret)
	envStr("PARLEY_OPENAI_API_KEY", &c.Answer.APIKey)

	envStr("PARLEY_MODE", &c.Database.Mode)
	envStr("PARLEY_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("PARLEY_HOST", &c.Gateway.Host)
	if v := os.Getenv("PARLEY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("PARLEY_OPENAI_API_BASE", &c.Answer.APIBase)
	envStr("PARLEY_MODEL", &c.Answer.Model)
	envStr("PARLEY_RETRIEVAL_PATH", &c.Retrieval.Path)
	envStr("PARLEY_TELEGRAM_TENANT", &c.Channels.Telegram.TenantID)

	if v := os.Getenv("PARLEY_DEBOUNCE_WINDOW_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Debounce.WindowMS = ms
		}
	}
	if v := os.Getenv("PARLEY_CONFIDENCE_THRESHOLD"); v != "" {
		if th, err := strconv.ParseFloat(v, 64); err == nil && th > 0 && th <= 1 {
			c.Confidence.Threshold = th
		}
	}

	// Telemetry
	envStr("PARLEY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("PARLEY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("PARLEY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PARLEY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Auto-enable telegram when a token arrives via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
