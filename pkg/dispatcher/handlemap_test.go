package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/telepresenceio/dispatchcore/pkg/session"
)

func TestHandleMapRemoveIfCurrentOnlyEvictsTheSameEntry(t *testing.T) {
	hm := newHandleMap()

	_, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	e1 := newHandleEntry(make(chan *session.UdpPacket, 1), cancel1)
	hm.entries["direct"] = e1

	// A stale reference to an entry that has already been replaced must
	// not evict the replacement.
	_, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	e2 := newHandleEntry(make(chan *session.UdpPacket, 1), cancel2)
	hm.entries["direct"] = e2

	hm.removeIfCurrent("direct", e1)
	assert.Same(t, e2, hm.entries["direct"])

	hm.removeIfCurrent("direct", e2)
	_, ok := hm.entries["direct"]
	assert.False(t, ok)
}

func TestHandleMapSweepIdleCancelsOnlyStaleEntries(t *testing.T) {
	hm := newHandleMap()

	staleCtx, staleCancel := context.WithCancel(context.Background())
	defer staleCancel()
	stale := newHandleEntry(make(chan *session.UdpPacket, 1), staleCancel)
	stale.lastActivity = time.Now().Add(-time.Hour).UnixNano()
	hm.entries["stale"] = stale

	freshCtx, freshCancel := context.WithCancel(context.Background())
	defer freshCancel()
	fresh := newHandleEntry(make(chan *session.UdpPacket, 1), freshCancel)
	hm.entries["fresh"] = fresh

	hm.sweepIdle(time.Minute)

	assert.Error(t, staleCtx.Err())
	assert.NoError(t, freshCtx.Err())
}

func TestHandleEntryTouchResetsIdleClock(t *testing.T) {
	e := newHandleEntry(make(chan *session.UdpPacket, 1), func() {})
	e.lastActivity = time.Now().Add(-time.Hour).UnixNano()
	assert.GreaterOrEqual(t, e.idleSince(time.Now()), time.Hour-time.Second)

	e.touch()
	assert.Less(t, e.idleSince(time.Now()), time.Second)
}
