package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"

	"github.com/telepresenceio/dispatchcore/pkg/closesignal"
	"github.com/telepresenceio/dispatchcore/pkg/outbound"
	"github.com/telepresenceio/dispatchcore/pkg/session"
	"github.com/telepresenceio/dispatchcore/pkg/trackedconn"
)

// CloseHandle is the single-shot handle DispatchDatagram returns
// (spec.md §4.2): firing it is the authoritative way to tear down every
// task spawned for that flow.
type CloseHandle struct {
	sender closesignal.Sender
}

// Close signals the flow to terminate. Safe to call more than once.
func (h CloseHandle) Close() {
	h.sender.Fire()
}

// DispatchDatagram runs the UDP path (spec.md §4.2): it spawns the
// cooperating tasks described there (L, R, W, O, C) and returns
// immediately with a CloseHandle; the tasks keep running in the
// background until either side's endpoints close, an outbound connect
// fails, or the handle is fired.
func (d *Dispatcher) DispatchDatagram(ctx context.Context, sess session.Session, local outbound.Datagram) CloseHandle {
	closeSender, closeReceiver := closesignal.New()
	taskCtx, cancel := context.WithCancel(ctx)
	hm := newHandleMap()

	remoteReceiver := make(chan *session.UdpPacket, d.UDPChannelCapacity)
	var outboundWG sync.WaitGroup

	// Task L and Task O run in separate groups so that a connect_datagram
	// failure ending Task L doesn't itself cancel Task O's context: per
	// spec.md §9, Task O must keep draining any reply already in flight
	// until its upstream (remoteReceiver) closes, not the instant Task L
	// exits with an error. dgroup's default GroupConfig shuts down every
	// other member of the same group as soon as one returns a non-nil
	// error, which is exactly the coupling that must not reach Task O.
	g := dgroup.NewGroup(taskCtx, dgroup.GroupConfig{})
	gO := dgroup.NewGroup(taskCtx, dgroup.GroupConfig{})

	// Task L, owning the handle map: its teardown (return, for any
	// reason) drops the map, whose closeAll aborts every R/W pair. Once
	// every R/W pair has actually torn down (outboundWG), remoteReceiver
	// is closed so Task O drains whatever is left, then exits on its own.
	g.Go("udp-demux", func(ctx context.Context) (err error) {
		defer func() {
			hm.closeAll()
			outboundWG.Wait()
			close(remoteReceiver)
		}()
		return d.runTaskL(ctx, sess, local, hm, remoteReceiver, &outboundWG)
	})

	// Idle sweep: periodically evicts OutboundHandleMap entries that
	// haven't moved a packet in d.UDPIdleTimeout (spec.md §3). Disabled
	// when UDPIdleTimeout is zero or negative.
	if d.UDPIdleTimeout > 0 {
		g.Go("udp-idle-sweep", func(ctx context.Context) error {
			return runIdleSweep(ctx, hm, d.UDPIdleTimeout)
		})
	}

	// Task O, in its own group: it only stops when remoteReceiver closes
	// (Task L's teardown drained every reply first) or taskCtx itself is
	// canceled (an explicit Close() via Task C, below).
	gO.Go("udp-nat-writer", func(ctx context.Context) error {
		return runTaskO(ctx, local, remoteReceiver)
	})

	// Task C: awaits the close handle, then aborts every task via context
	// cancellation. This is the only path that cuts Task O off before it
	// finishes draining.
	go func() {
		select {
		case <-closeReceiver.Done():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			dlog.Debugf(ctx, "dispatcher: udp flow for %s ended: %v", sess, err)
		}
	}()

	go func() {
		defer cancel()
		if err := gO.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			dlog.Debugf(ctx, "dispatcher: udp nat-writer for %s ended: %v", sess, err)
		}
	}()

	return CloseHandle{sender: closeSender}
}

// runTaskL is Task L: demux inbound packets, classify each against the
// router, and either forward to an existing per-outbound forwarder or
// construct one (spec.md §4.2). A connect_datagram failure terminates
// the whole flow by returning an error, per this module's resolution of
// spec.md §9's second Open Question (see DESIGN.md).
func (d *Dispatcher) runTaskL(ctx context.Context, baseSess session.Session, local outbound.Datagram, hm *handleMap, remoteReceiver chan<- *session.UdpPacket, outboundWG *sync.WaitGroup) error {
	for {
		pkt, err := local.RecvPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		flowSess := baseSess.Clone()
		flowSess.Source = pkt.SrcAddr
		flowSess.Destination = pkt.DstAddr

		name := d.Router.MatchRoute(ctx, &flowSess)
		flowSess.OutboundTarget = name

		hm.mu.Lock()
		entry, ok := hm.entries[name]
		if ok {
			hm.mu.Unlock()
			entry.touch()
			trySend(ctx, entry.packets, pkt, name)
			continue
		}

		// Miss: the lock stays held across connect_datagram (spec.md
		// §5), so only the first packet for a given outbound name can
		// ever construct it. entryCtx is created before the connect call
		// so the outbound instance's lifetime context is scoped to this
		// entry, not the whole flow: canceling it is what lets a real
		// socket-backed handler unblock a pending read on teardown.
		entryCtx, entryCancel := context.WithCancel(ctx)

		handler := d.getHandler(name)
		remote, cerr := handler.ConnectDatagram(entryCtx, &flowSess, d.Resolver)
		if cerr != nil {
			entryCancel()
			hm.mu.Unlock()
			dlog.Errorf(ctx, "dispatcher: connect_datagram to %q failed for %s: %v", name, flowSess, cerr)
			return cerr
		}

		rule := d.ruleFor(&flowSess, name)
		tracked := trackedconn.NewTrackedDatagram(ctx, remote, d.Stats, flowSess, rule)

		packets := make(chan *session.UdpPacket, d.UDPChannelCapacity)
		newEntry := newHandleEntry(packets, entryCancel)
		hm.entries[name] = newEntry
		hm.mu.Unlock()

		d.spawnOutboundTasks(ctx, name, tracked, newEntry, entryCtx, hm, flowSess.Source, packets, remoteReceiver, outboundWG)

		trySend(ctx, packets, pkt, name)
	}
}

// spawnOutboundTasks runs Task R and Task W for a freshly constructed
// outbound instance, and tears down its TrackedDatagram and handle map
// entry once both finish. outboundWG tracks every live R/W pair so Task
// L's teardown can wait for all of them to actually exit before closing
// remoteReceiver out from under a still-running Task R.
func (d *Dispatcher) spawnOutboundTasks(
	ctx context.Context,
	name string,
	tracked *trackedconn.TrackedDatagram,
	entry *handleEntry,
	entryCtx context.Context,
	hm *handleMap,
	clientAddr session.Addr,
	packets <-chan *session.UdpPacket,
	remoteReceiver chan<- *session.UdpPacket,
	outboundWG *sync.WaitGroup,
) {
	g := dgroup.NewGroup(entryCtx, dgroup.GroupConfig{})

	g.Go("udp-remote-reader-"+name, func(ctx context.Context) error {
		return runTaskR(ctx, tracked, clientAddr, remoteReceiver, entry)
	})
	g.Go("udp-remote-writer-"+name, func(ctx context.Context) error {
		return runTaskW(ctx, tracked, packets)
	})

	outboundWG.Add(1)
	go func() {
		defer outboundWG.Done()
		var result *multierror.Error
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, err)
		}
		if err := tracked.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if result != nil {
			dlog.Debugf(ctx, "dispatcher: udp outbound %q teardown: %v", name, result.ErrorOrNil())
		}
		hm.removeIfCurrent(name, entry)
	}()
}

// runTaskR is Task R: read replies from the remote, rewrite dst_addr to
// the original client source (NAT reversal), and forward to the shared
// remote-receiver channel Task O drains. A full channel drops the
// packet with a warning rather than blocking (spec.md §5 backpressure).
func runTaskR(ctx context.Context, remote outbound.Datagram, clientAddr session.Addr, remoteReceiver chan<- *session.UdpPacket, entry *handleEntry) error {
	for {
		pkt, err := remote.RecvPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		entry.touch()
		pkt.DstAddr = clientAddr
		select {
		case remoteReceiver <- pkt:
		case <-ctx.Done():
			return nil
		default:
			dlog.Warnf(ctx, "dispatcher: remote-receiver channel full, dropping reply for %s", clientAddr)
		}
	}
}

// runTaskW is Task W: drain the per-outbound forwarder channel and feed
// packets to the remote sink.
func runTaskW(ctx context.Context, remote outbound.Datagram, packets <-chan *session.UdpPacket) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			if err := remote.SendPacket(ctx, pkt); err != nil {
				return err
			}
		}
	}
}

// runTaskO is Task O: drain the shared remote-receiver channel and
// write each NAT-rewritten reply to the local sink.
func runTaskO(ctx context.Context, local outbound.Datagram, remoteReceiver <-chan *session.UdpPacket) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-remoteReceiver:
			if !ok {
				return nil
			}
			if err := local.SendPacket(ctx, pkt); err != nil {
				return err
			}
		}
	}
}

// runIdleSweep periodically evicts idle OutboundHandleMap entries by
// canceling their per-outbound context, which stops their R/W pair and
// lets its teardown goroutine remove them from the map.
func runIdleSweep(ctx context.Context, hm *handleMap, idleTimeout time.Duration) error {
	interval := idleTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hm.sweepIdle(idleTimeout)
		}
	}
}

// trySend is the non-blocking, warn-and-drop channel send spec.md §5
// requires of every forwarder: "senders must handle send failure as a
// non-fatal drop with a warning".
func trySend(ctx context.Context, ch chan<- *session.UdpPacket, pkt *session.UdpPacket, outboundName string) {
	select {
	case ch <- pkt:
	default:
		dlog.Warnf(ctx, "dispatcher: forwarder channel for outbound %q full, dropping packet", outboundName)
	}
}
