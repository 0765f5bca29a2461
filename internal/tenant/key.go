// Package tenant holds tenant records and canonical session keys.
//
// Session keys follow the format:
//
//	tenant:{tenantId}:{channel}:{address}
//
// Examples:
//
//	tenant:acme:telegram:386246614
//	tenant:7:webhook:+15551234567
//
// The key is derived deterministically from (tenant, channel, address) so two
// tenants whose customers share an external address never collide.
package tenant

import (
	"fmt"
	"strings"
)

// BuildSessionKey builds the canonical session key for one end-customer
// conversation scope.
func BuildSessionKey(tenantID, channel, address string) string {
	return fmt.Sprintf("tenant:%s:%s:%s", tenantID, channel, address)
}

// ParseSessionKey extracts the tenant ID and the channel-scoped rest from a
// canonical session key. Returns ("", "") if the key is not in the expected
// format.
func ParseSessionKey(key string) (tenantID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "tenant" {
		return "", ""
	}
	return parts[1], parts[2]
}

// BufferKey is the debounce-buffer key for one (tenant, address) pair.
// Distinct from the session key: the buffer coalesces per address regardless
// of which channel variant delivered the fragment.
func BufferKey(tenantID, address string) string {
	return fmt.Sprintf("%s|%s", tenantID, address)
}

// SplitBufferKey is the inverse of BufferKey.
func SplitBufferKey(key string) (tenantID, address string) {
	idx := strings.IndexByte(key, '|')
	if idx < 0 {
		return key, ""
	}
	return key[:idx], key[idx+1:]
}
