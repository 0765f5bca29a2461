package channels

import (
	"fmt"
	"testing"
)

func TestInboundRateLimiter_AllowsWithinWindow(t *testing.T) {
	rl := NewInboundRateLimiter()
	for i := 0; i < rateLimitMaxHits; i++ {
		if !rl.Allow("tenant-a") {
			t.Fatalf("request %d denied within limit", i+1)
		}
	}
	if rl.Allow("tenant-a") {
		t.Error("request past the limit allowed")
	}
}

func TestInboundRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewInboundRateLimiter()
	for i := 0; i < rateLimitMaxHits; i++ {
		rl.Allow("tenant-a")
	}
	if rl.Allow("tenant-a") {
		t.Fatal("tenant-a should be exhausted")
	}
	if !rl.Allow("tenant-b") {
		t.Error("tenant-b throttled by tenant-a's traffic")
	}
}

func TestInboundRateLimiter_BoundsTrackedKeys(t *testing.T) {
	rl := NewInboundRateLimiter()
	for i := 0; i < maxTrackedKeys*2; i++ {
		rl.Allow(fmt.Sprintf("key-%d", i))
	}
	rl.mu.Lock()
	n := len(rl.entries)
	rl.mu.Unlock()
	if n > maxTrackedKeys {
		t.Errorf("tracked keys = %d, want <= %d", n, maxTrackedKeys)
	}
}
