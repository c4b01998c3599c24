package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telepresenceio/dispatchcore/pkg/session"
)

// handleEntry is one OutboundHandleMap slot (spec.md §3): the packet
// channel Task W drains, and the cancel function that aborts the R/W
// pair owning this outbound instance.
type handleEntry struct {
	packets      chan<- *session.UdpPacket
	cancel       context.CancelFunc
	lastActivity int64 // unix nanoseconds, accessed atomically
}

// newHandleEntry constructs an entry already touched, so a
// freshly-built outbound instance isn't immediately eligible for an
// idle sweep before its first packet.
func newHandleEntry(packets chan<- *session.UdpPacket, cancel context.CancelFunc) *handleEntry {
	e := &handleEntry{packets: packets, cancel: cancel}
	e.touch()
	return e
}

// touch records activity on this entry, resetting its idle clock.
func (e *handleEntry) touch() {
	atomic.StoreInt64(&e.lastActivity, time.Now().UnixNano())
}

func (e *handleEntry) idleSince(now time.Time) time.Duration {
	last := atomic.LoadInt64(&e.lastActivity)
	return now.Sub(time.Unix(0, last))
}

// handleMap is the per-UDP-flow OutboundHandleMap: at most one live
// outbound instance per outbound name for the lifetime of the flow.
// Locked across the miss-case connect (spec.md §5): a first-packet-wins
// policy is simpler to reason about than a per-key guard and the
// invariant it protects (single handler per name) is identical either
// way.
type handleMap struct {
	mu      sync.Mutex
	entries map[string]*handleEntry
}

func newHandleMap() *handleMap {
	return &handleMap{entries: make(map[string]*handleEntry)}
}

// closeAll aborts every entry's R/W pair, standing in for the Rust
// original's OutboundHandleMap destructor. Called once Task L returns.
func (hm *handleMap) closeAll() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for name, e := range hm.entries {
		e.cancel()
		delete(hm.entries, name)
	}
}

// removeIfCurrent deletes name's entry only if it is still e, so a
// stale R/W pair that already lost a race with a newer entry can't
// evict the entry that replaced it.
func (hm *handleMap) removeIfCurrent(name string, e *handleEntry) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.entries[name] == e {
		delete(hm.entries, name)
	}
}

// sweepIdle cancels every entry that has not seen activity in at least
// idleTimeout. Canceling an entry's context stops its R/W pair, whose
// teardown goroutine calls removeIfCurrent to drop it from the map;
// sweepIdle itself only cancels, it doesn't remove, so it can't race a
// concurrent miss-path insert for the same name.
func (hm *handleMap) sweepIdle(idleTimeout time.Duration) {
	now := time.Now()
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for _, e := range hm.entries {
		if e.idleSince(now) >= idleTimeout {
			e.cancel()
		}
	}
}
