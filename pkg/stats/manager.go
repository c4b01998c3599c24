package stats

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/datawire/dlib/dlog"

	"github.com/telepresenceio/dispatchcore/pkg/closesignal"
)

// Tracked is the handle a tracked wrapper registers with the Manager: its
// identity plus the shared TrackerInfo record. Mirrors the Rust
// original's `Tracked(Uuid, Arc<TrackerInfo>)`.
type Tracked interface {
	ID() uuid.UUID
	Info() *TrackerInfo
}

// Manager is the external statistics/management plane contract (spec.md
// §6): it registers live connections for enumeration and forced
// termination, and aggregates global byte counters independent of any
// single connection's totals.
type Manager interface {
	// Track registers a live connection and retains closer, the
	// one-shot sender used to force-close it later.
	Track(ctx context.Context, t Tracked, closer closesignal.Sender)
	// Untrack removes a connection's registration. Called once, from
	// the tracked wrapper's teardown path.
	Untrack(ctx context.Context, id uuid.UUID)
	// PushUploaded/PushDownloaded update global meters, independent of
	// any one connection's TrackerInfo counters.
	PushUploaded(n int)
	PushDownloaded(n int)
	// Snapshot enumerates all currently tracked connections.
	Snapshot() []*TrackerInfo
	// Close force-terminates a tracked connection by uuid, returning
	// false if no such connection is registered.
	Close(id uuid.UUID) bool
}

type entry struct {
	tracked Tracked
	closer  closesignal.Sender
}

type manager struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]entry

	uploaded   uint64
	downloaded uint64

	counterMu sync.Mutex
}

// NewManager returns a reference in-memory Manager implementation,
// grounded on the teacher's pkg/connpool.Pool: a mutex-guarded map plus
// dlog-logged insert/release, generalized here to uuid-keyed connections
// instead of ConnID-keyed tunnel handlers.
func NewManager() Manager {
	return &manager{entries: make(map[uuid.UUID]entry)}
}

func (m *manager) Track(ctx context.Context, t Tracked, closer closesignal.Sender) {
	m.mu.Lock()
	m.entries[t.ID()] = entry{tracked: t, closer: closer}
	count := len(m.entries)
	m.mu.Unlock()
	dlog.Debugf(ctx, "++ TRACK %s (count now is %d)", t.ID(), count)
}

func (m *manager) Untrack(ctx context.Context, id uuid.UUID) {
	m.mu.Lock()
	delete(m.entries, id)
	count := len(m.entries)
	m.mu.Unlock()
	dlog.Debugf(ctx, "-- TRACK %s (count now is %d)", id, count)
}

func (m *manager) PushUploaded(n int) {
	m.counterMu.Lock()
	m.uploaded += uint64(n)
	m.counterMu.Unlock()
}

func (m *manager) PushDownloaded(n int) {
	m.counterMu.Lock()
	m.downloaded += uint64(n)
	m.counterMu.Unlock()
}

func (m *manager) Snapshot() []*TrackerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TrackerInfo, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.tracked.Info())
	}
	return out
}

func (m *manager) Close(id uuid.UUID) bool {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	e.closer.Fire()
	return true
}
