// Package directoutbound is a minimal "direct" outbound.Handler: dial the
// session's destination and hand back a chained stream or datagram with
// no further indirection. It exists so the dispatcher can be exercised
// end-to-end (spec.md §8 scenarios 5-7 all route through a "direct"-style
// outbound); selecting *which* outbound to use, or composing several, is
// explicitly out of scope for this core (spec.md §1 Non-goals).
//
// Grounded on the teacher's internal/pkg/proxy/proxy.go (dial the
// destination, relay bytes) and pkg/connpool/dialer.go (net.Dialer with a
// timeout, one goroutine pumping each direction).
package directoutbound

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/telepresenceio/dispatchcore/pkg/outbound"
	"github.com/telepresenceio/dispatchcore/pkg/session"
)

const defaultDialTimeout = 10 * time.Second

// Handler implements outbound.Handler for direct egress.
type Handler struct {
	name        string
	dialTimeout time.Duration
}

// New returns a direct Handler registered under name (conventionally
// "direct").
func New(name string) *Handler {
	return &Handler{name: name, dialTimeout: defaultDialTimeout}
}

// Name implements outbound.Handler.
func (h *Handler) Name() string { return h.name }

// ConnectStream dials sess.Destination directly over TCP, resolving a
// domain destination with resolver first.
func (h *Handler) ConnectStream(ctx context.Context, sess *session.Session, resolver outbound.Resolver) (outbound.ChainedStream, error) {
	addr, err := resolveAddr(ctx, sess.Destination, resolver)
	if err != nil {
		return nil, errors.Wrapf(err, "direct: resolve %s", sess.Destination)
	}

	d := net.Dialer{Timeout: h.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "direct: dial %s", addr)
	}

	wrapped := outbound.NewChainedStreamWrapper(conn)
	wrapped.AppendToChain(h.name)
	return wrapped, nil
}

// ConnectDatagram opens an unconnected UDP socket that can exchange
// packets with any destination, since a single outbound instance is
// reused (per spec.md §4.2) across every destination the dispatcher
// routes to this outbound name. The returned datagram's underlying
// socket is closed as soon as ctx is done, which is what unblocks a
// RecvPacket parked in ReadFrom when the owning flow is torn down —
// ctx here must be the per-outbound-instance lifetime context, not
// just a per-call one.
func (h *Handler) ConnectDatagram(ctx context.Context, sess *session.Session, resolver outbound.Resolver) (outbound.ChainedDatagram, error) {
	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, errors.Wrap(err, "direct: listen udp")
	}

	d := &packetConnDatagram{pc: pc, resolver: resolver, resolved: make(map[string]*net.UDPAddr)}
	d.watchContext(ctx)

	wrapped := outbound.NewChainedDatagramWrapper(d)
	wrapped.AppendToChain(h.name)
	return wrapped, nil
}

func resolveAddr(ctx context.Context, addr session.Addr, resolver outbound.Resolver) (string, error) {
	if !addr.IsDomain() {
		return addr.MustSocketAddr(session.TCP).String(), nil
	}
	ips, err := resolver.Resolve(ctx, addr.Domain)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("direct: %s resolved to no addresses", addr.Domain)
	}
	return fmt.Sprintf("%s:%d", ips[0], addr.Port), nil
}

// packetConnDatagram adapts a net.PacketConn to outbound.Datagram.
// net.PacketConn.ReadFrom has no context parameter, so the only way to
// make it cancellation-aware is to close the socket out from under a
// blocked read; watchContext does that the moment its context is done.
type packetConnDatagram struct {
	pc       net.PacketConn
	resolver outbound.Resolver

	// resolved caches a domain destination's resolved address across
	// packets, keyed by session.Addr.String(). Only ever touched from
	// Task W, the single goroutine that calls SendPacket on a given
	// instance, so it needs no locking.
	resolved map[string]*net.UDPAddr
}

// watchContext closes d.pc when ctx is done, unblocking any RecvPacket
// parked in ReadFrom. The watcher goroutine exits as soon as ctx is
// done, so it never outlives the flow it belongs to.
func (d *packetConnDatagram) watchContext(ctx context.Context) {
	go func() {
		<-ctx.Done()
		d.pc.Close()
	}()
}

func (d *packetConnDatagram) RecvPacket(ctx context.Context) (*session.UdpPacket, error) {
	buf := make([]byte, 65507)
	n, addr, err := d.pc.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	var src session.Addr
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		src = session.NewIPAddr(udpAddr.IP, uint16(udpAddr.Port))
	}
	return &session.UdpPacket{SrcAddr: src, Data: buf[:n]}, nil
}

// SendPacket resolves pkt.DstAddr itself rather than panicking on a
// domain address: unlike the TCP path, where ConnectStream resolves
// sess.Destination once up front, a single UDP outbound instance is reused across every
// destination a flow sends to (spec.md §4.2), so a later packet in the
// same flow can still carry an unresolved domain. A resolved domain is
// cached on d so a flow sending many packets to the same domain doesn't
// pay a DNS round trip per packet.
func (d *packetConnDatagram) SendPacket(ctx context.Context, pkt *session.UdpPacket) error {
	dst := pkt.DstAddr
	if !dst.IsDomain() {
		_, err := d.pc.WriteTo(pkt.Data, dst.MustSocketAddr(session.UDP))
		return err
	}

	key := dst.String()
	udpAddr, ok := d.resolved[key]
	if !ok {
		addr, err := resolveAddr(ctx, dst, d.resolver)
		if err != nil {
			return errors.Wrapf(err, "direct: resolve %s", dst)
		}
		udpAddr, err = net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return errors.Wrapf(err, "direct: resolve %s", addr)
		}
		d.resolved[key] = udpAddr
	}
	_, err := d.pc.WriteTo(pkt.Data, udpAddr)
	return err
}

func (d *packetConnDatagram) Close() error {
	return d.pc.Close()
}
