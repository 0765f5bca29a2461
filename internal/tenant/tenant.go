package tenant

import (
	"time"
)

// Tenant is one customer organization of the platform. Per-tenant overrides
// are zero when the process-wide default applies.
type Tenant struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Channel string    `json:"channel"`                // default delivery channel for this tenant
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`

	// CallbackURL receives outbound messages for tenants on the generic
	// webhook delivery channel.
	CallbackURL string `json:"callback_url,omitempty"`

	// Overrides for the core's tunables. Zero = use process defaults.
	DebounceWindow      time.Duration `json:"debounce_window,omitempty"`
	ConfidenceThreshold float64       `json:"confidence_threshold,omitempty"`
}
