// Package trackedconn implements the instrumented stream and datagram
// adapters described in spec.md §4.4/§4.5: per-connection byte metering
// feeding both the process-global statistics manager and the
// per-connection TrackerInfo, plus a latched close signal, polled before
// each I/O call, that makes every later call fail once the statistics
// manager asks for a forced close. A call already blocked in the inner
// stream or datagram is not interrupted by the signal.
//
// Grounded on original_source/clash_lib/src/app/dispatcher/tracked.rs
// (TrackedStream/TrackedDatagram) with counter-update policy translated
// from tokio's AsyncRead/AsyncWrite poll methods to plain blocking Read/
// Write, and registration/unregistration translated from Arc+Drop to an
// explicit Close-time Untrack call.
package trackedconn

import (
	"context"
	"errors"
	"io"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"

	"github.com/telepresenceio/dispatchcore/pkg/closesignal"
	"github.com/telepresenceio/dispatchcore/pkg/outbound"
	"github.com/telepresenceio/dispatchcore/pkg/proxychain"
	"github.com/telepresenceio/dispatchcore/pkg/session"
	"github.com/telepresenceio/dispatchcore/pkg/stats"
)

// ErrClosedByManager is returned by a tracked connection's I/O methods
// once its close signal has fired, i.e. once the statistics manager
// force-closed it. A closesignal.Sender that is dropped without calling
// Fire never fires, so it does not trigger this error.
var ErrClosedByManager = errors.New("dispatchcore: connection closed by statistics manager")

// TrackedStream wraps a ChainedStream, metering bytes and honoring a
// close signal from the statistics manager.
type TrackedStream struct {
	inner     outbound.ChainedStream
	manager   stats.Manager
	tracker   *stats.TrackerInfo
	closeRecv closesignal.Receiver
}

// NewTrackedStream constructs a TrackedStream, registering it with
// manager and handing manager the paired close sender. rule may be the
// zero value if the router didn't describe a rule for this match.
func NewTrackedStream(ctx context.Context, inner outbound.ChainedStream, manager stats.Manager, sess session.Session, rule stats.RuleDescriptor) *TrackedStream {
	tracker := stats.NewTrackerInfo(sess, rule, inner.Chain())
	sender, receiver := closesignal.New()
	ts := &TrackedStream{inner: inner, manager: manager, tracker: tracker, closeRecv: receiver}
	manager.Track(ctx, ts, sender)
	return ts
}

// ID implements stats.Tracked.
func (t *TrackedStream) ID() uuid.UUID { return t.tracker.UUID }

// Info implements stats.Tracked.
func (t *TrackedStream) Info() *stats.TrackerInfo { return t.tracker }

// Chain exposes the proxy chain recorded by the wrapped outbound, for
// diagnostics after dispatch completes.
func (t *TrackedStream) Chain() *proxychain.Chain { return t.inner.Chain() }

// Read bills every byte the inner read reports as filled, even on a
// partial read that also returns an error.
func (t *TrackedStream) Read(p []byte) (int, error) {
	if t.closeRecv.Fired() {
		return 0, ErrClosedByManager
	}
	n, err := t.inner.Read(p)
	if n > 0 {
		t.manager.PushDownloaded(n)
		t.tracker.AddDownload(n)
	}
	return n, err
}

// Write bills only bytes the inner write reported as accepted: on error,
// nothing is billed, matching the Rust original's `Ok(n) => n, _ =>
// return` short-circuit.
func (t *TrackedStream) Write(p []byte) (int, error) {
	if t.closeRecv.Fired() {
		return 0, ErrClosedByManager
	}
	n, err := t.inner.Write(p)
	if err != nil {
		return n, err
	}
	t.manager.PushUploaded(n)
	t.tracker.AddUpload(n)
	return n, nil
}

// CloseWrite forwards half-close to the inner stream when it supports it.
func (t *TrackedStream) CloseWrite() error {
	if t.closeRecv.Fired() {
		return ErrClosedByManager
	}
	if wc, ok := t.inner.(outbound.WriteCloser); ok {
		return wc.CloseWrite()
	}
	return nil
}

// Close closes the inner stream and untracks this connection from the
// statistics manager, standing in for the Rust original's Drop impl.
func (t *TrackedStream) Close() error {
	err := t.inner.Close()
	m := t.manager
	ctx := context.Background()
	dlog.Debugf(ctx, "untrack connection: %s", t.tracker.UUID)
	m.Untrack(ctx, t.tracker.UUID)
	return err
}

// TrackedDatagram wraps a ChainedDatagram, metering bytes and honoring a
// close signal from the statistics manager.
type TrackedDatagram struct {
	inner     outbound.ChainedDatagram
	manager   stats.Manager
	tracker   *stats.TrackerInfo
	closeRecv closesignal.Receiver
}

// NewTrackedDatagram constructs a TrackedDatagram, registering it with
// manager exactly like NewTrackedStream.
func NewTrackedDatagram(ctx context.Context, inner outbound.ChainedDatagram, manager stats.Manager, sess session.Session, rule stats.RuleDescriptor) *TrackedDatagram {
	tracker := stats.NewTrackerInfo(sess, rule, inner.Chain())
	sender, receiver := closesignal.New()
	td := &TrackedDatagram{inner: inner, manager: manager, tracker: tracker, closeRecv: receiver}
	manager.Track(ctx, td, sender)
	return td
}

// ID implements stats.Tracked.
func (t *TrackedDatagram) ID() uuid.UUID { return t.tracker.UUID }

// Info implements stats.Tracked.
func (t *TrackedDatagram) Info() *stats.TrackerInfo { return t.tracker }

// Chain exposes the proxy chain recorded by the wrapped outbound.
func (t *TrackedDatagram) Chain() *proxychain.Chain { return t.inner.Chain() }

// RecvPacket bills the packet's payload length to downloaded counters. A
// fired close signal surfaces as io.EOF, the packet-stream equivalent of
// end-of-stream.
func (t *TrackedDatagram) RecvPacket(ctx context.Context) (*session.UdpPacket, error) {
	if t.closeRecv.Fired() {
		return nil, io.EOF
	}
	pkt, err := t.inner.RecvPacket(ctx)
	if err == nil && pkt != nil {
		t.manager.PushDownloaded(len(pkt.Data))
		t.tracker.AddDownload(len(pkt.Data))
	}
	return pkt, err
}

// SendPacket bills the packet's payload length to uploaded counters
// before forwarding to the inner sink, matching the Rust original's
// start_send ordering.
func (t *TrackedDatagram) SendPacket(ctx context.Context, pkt *session.UdpPacket) error {
	if t.closeRecv.Fired() {
		return ErrClosedByManager
	}
	t.manager.PushUploaded(len(pkt.Data))
	t.tracker.AddUpload(len(pkt.Data))
	return t.inner.SendPacket(ctx, pkt)
}

// Close closes the inner datagram and untracks this connection.
func (t *TrackedDatagram) Close() error {
	err := t.inner.Close()
	ctx := context.Background()
	dlog.Debugf(ctx, "untrack connection: %s", t.tracker.UUID)
	t.manager.Untrack(ctx, t.tracker.UUID)
	return err
}
