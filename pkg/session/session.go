// Package session defines the routing-relevant descriptor of a single
// inbound connection or UDP conversation, and the address types the
// dispatcher and outbound handlers exchange.
package session

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Transport distinguishes a byte-oriented session from a packet-oriented one.
type Transport int

const (
	// TCP is a byte-stream session.
	TCP Transport = Transport(unix.IPPROTO_TCP)
	// UDP is a packet-oriented session.
	UDP Transport = Transport(unix.IPPROTO_UDP)
)

func (t Transport) String() string {
	switch t {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return fmt.Sprintf("transport(%d)", int(t))
	}
}

// Addr is an address that may be a concrete socket address or an
// unresolved domain name plus port. Outbound handlers resolve domain
// addresses themselves (using the DNS resolver passed to them); the core
// never resolves on their behalf.
type Addr struct {
	IP     net.IP
	Domain string
	Port   uint16
}

// NewIPAddr builds a concrete Addr from an IP and port.
func NewIPAddr(ip net.IP, port uint16) Addr {
	return Addr{IP: ip, Port: port}
}

// NewDomainAddr builds an unresolved Addr from a domain and port.
func NewDomainAddr(domain string, port uint16) Addr {
	return Addr{Domain: domain, Port: port}
}

// IsDomain reports whether this address still needs resolution.
func (a Addr) IsDomain() bool {
	return a.Domain != "" && a.IP == nil
}

// Host returns the domain if present, else the IP's string form. Used by
// the router to classify a session against the domain trie.
func (a Addr) Host() string {
	if a.Domain != "" {
		return a.Domain
	}
	if a.IP != nil {
		return a.IP.String()
	}
	return ""
}

// MustSocketAddr converts a concrete Addr to a net.Addr. It panics if the
// address is still a domain name; callers must resolve first. This
// mirrors the Rust original's `must_into_socket_addr`, which is only ever
// called on the packet's own source address (always concrete for an
// inbound packet).
func (a Addr) MustSocketAddr(transport Transport) net.Addr {
	if a.IsDomain() {
		panic(fmt.Sprintf("session: address %q is not resolved to an IP", a.Domain))
	}
	switch transport {
	case UDP:
		return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}
	default:
		return &net.TCPAddr{IP: a.IP, Port: int(a.Port)}
	}
}

func (a Addr) String() string {
	if a.Domain != "" {
		return fmt.Sprintf("%s:%d", a.Domain, a.Port)
	}
	if a.IP != nil {
		return fmt.Sprintf("%s:%d", a.IP, a.Port)
	}
	return fmt.Sprintf(":%d", a.Port)
}

// Session is the immutable-per-dispatch routing descriptor. OutboundTarget
// is the single mutable field, filled in by the dispatcher once the router
// has classified the session.
type Session struct {
	Source      Addr
	Destination Addr
	Transport   Transport

	// OutboundTarget is set by the dispatcher after Router.MatchRoute
	// returns. It is not read by the router itself.
	OutboundTarget string
}

// Clone returns a shallow copy suitable for per-packet mutation on the UDP
// path: the dispatcher clones the base session for every inbound packet
// before overwriting Source/Destination, so that concurrent packets never
// share mutable state.
func (s Session) Clone() Session {
	return s
}

func (s Session) String() string {
	return fmt.Sprintf("%s %s -> %s", s.Transport, s.Source, s.Destination)
}

// UdpPacket is a single datagram exchanged between a dispatcher and an
// inbound or outbound datagram endpoint.
type UdpPacket struct {
	SrcAddr Addr
	DstAddr Addr
	Data    []byte
}

func (p *UdpPacket) String() string {
	return fmt.Sprintf("udp packet %s -> %s (%d bytes)", p.SrcAddr, p.DstAddr, len(p.Data))
}
