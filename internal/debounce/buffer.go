// Package debounce coalesces bursts of inbound message fragments into one
// logical turn per (tenant, address) key.
//
// Semantics: every appended fragment (re)arms a quiescence timer for its
// key, so the last fragment resets the clock rather than flushing at a
// fixed rate. When the timer
// fires with no further fragments, the accumulated list is detached
// atomically, joined into one composite message, and handed to the flush
// callback exactly once. A per-key epoch counter guarantees a superseded
// timer can never also flush: the epoch is bumped under the shard lock on
// every append, and a firing timer that finds a different epoch no-ops.
// Because windows are deleted on fire and a fresh window restarts its
// counter, the timer also carries its window pointer; the fire path checks
// window identity first so a stale timer can never match a later window
// generation whose counter happens to realign.
package debounce

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-hq/parley/internal/tenant"
)

// Separator joins coalesced fragments into the composite message body.
const Separator = "\n"

// DefaultWindow is the quiescence window applied when no per-call duration
// is given.
const DefaultWindow = 10 * time.Second

// shardCount spreads keys over independent locks so one tenant's burst never
// contends with another's. Fixed power of two.
const shardCount = 32

// FlushFunc receives one composite turn. Errors are reported to the error
// sink and never retried by the buffer; channel providers re-deliver on
// webhook failure if they want retries.
type FlushFunc func(ctx context.Context, tenantID, address, composite string) error

// ErrorFunc is the observability sink for failed flushes.
type ErrorFunc func(tenantID, address string, err error)

type window struct {
	fragments []string
	epoch     uint64
	timer     *time.Timer
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Buffer is the per-key coalescing buffer. Safe for concurrent use.
type Buffer struct {
	shards  [shardCount]*shard
	window  atomic.Int64 // default quiescence window in nanoseconds
	flush   FlushFunc
	onError ErrorFunc

	closed sync.Once
	done   chan struct{}
}

// New creates a buffer with the given default quiescence window. onError may
// be nil.
func New(defaultWindow time.Duration, flush FlushFunc, onError ErrorFunc) *Buffer {
	if defaultWindow <= 0 {
		defaultWindow = DefaultWindow
	}
	b := &Buffer{
		flush:   flush,
		onError: onError,
		done:    make(chan struct{}),
	}
	b.window.Store(int64(defaultWindow))
	for i := range b.shards {
		b.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return b
}

// SetDefaultWindow changes the default quiescence window for subsequent
// appends. Already-armed timers keep their original duration.
func (b *Buffer) SetDefaultWindow(d time.Duration) {
	if d > 0 {
		b.window.Store(int64(d))
	}
}

func (b *Buffer) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return b.shards[h.Sum32()&(shardCount-1)]
}

// Append adds a fragment to the window for (tenantID, address), creating the
// window if absent, and re-arms the quiescence timer. A pending timer for the
// same key is cancelled and replaced. windowOverride <= 0 uses the buffer
// default (per-tenant overrides resolve at the call site).
func (b *Buffer) Append(tenantID, address, fragment string, windowOverride time.Duration) {
	select {
	case <-b.done:
		return
	default:
	}

	d := windowOverride
	if d <= 0 {
		d = time.Duration(b.window.Load())
	}
	key := tenant.BufferKey(tenantID, address)
	sh := b.shardFor(key)

	sh.mu.Lock()
	w, ok := sh.windows[key]
	if !ok {
		w = &window{}
		sh.windows[key] = w
	}
	w.fragments = append(w.fragments, fragment)
	w.epoch++
	if w.timer != nil {
		w.timer.Stop()
	}
	epoch := w.epoch
	w.timer = time.AfterFunc(d, func() { b.fire(sh, key, w, epoch) })
	sh.mu.Unlock()
}

// fire runs when a quiescence timer elapses. The identity+epoch check and
// the detach-then-clear step share the shard lock with Append, so a fragment
// arriving in the same tick either lands in this composite (it beat the
// timer to the lock and bumped the epoch, cancelling us) or opens a fresh
// window, never both. The window pointer comparison rejects timers from an
// earlier window generation for the same key: their window was deleted on
// detach, and the replacement's counter restarting must not resurrect them.
func (b *Buffer) fire(sh *shard, key string, w *window, epoch uint64) {
	sh.mu.Lock()
	cur, ok := sh.windows[key]
	if !ok || cur != w || cur.epoch != epoch {
		// Superseded by a later append, or already detached.
		sh.mu.Unlock()
		return
	}
	fragments := w.fragments
	delete(sh.windows, key)
	sh.mu.Unlock()

	if len(fragments) == 0 {
		return
	}

	tenantID, address := tenant.SplitBufferKey(key)
	composite := strings.Join(fragments, Separator)

	// The window is already cleared; a flush failure must not leave a
	// backlog behind, and the buffer never retries.
	if err := b.flush(context.Background(), tenantID, address, composite); err != nil {
		slog.Error("buffer.flush_failed", "tenant", tenantID, "address", address, "err", err)
		if b.onError != nil {
			b.onError(tenantID, address, err)
		}
	}
}

// Pending returns the number of keys with an open window.
func (b *Buffer) Pending() int {
	n := 0
	for _, sh := range b.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

// Close cancels all pending timers without flushing. Buffered fragments are
// dropped; channel providers re-deliver undelivered webhooks after restart.
func (b *Buffer) Close() {
	b.closed.Do(func() {
		close(b.done)
		dropped := 0
		for _, sh := range b.shards {
			sh.mu.Lock()
			for key, w := range sh.windows {
				if w.timer != nil {
					w.timer.Stop()
				}
				dropped += len(w.fragments)
				delete(sh.windows, key)
			}
			sh.mu.Unlock()
		}
		if dropped > 0 {
			slog.Info("buffer.closed", "dropped_fragments", dropped)
		}
	})
}
