// Package outbound declares the external collaborator contracts the
// dispatch core depends on (spec.md §6): the router, the outbound
// manager, the outbound handler, and the DNS resolver. Their
// implementations (rule engine, outbound registry, proxy protocols,
// resolver) are out of scope for this core; only the narrow surface the
// dispatcher calls lives here, plus the chain-recording wrapper types
// outbound handlers compose as they stack.
package outbound

import (
	"context"
	"io"
	"net"

	"github.com/telepresenceio/dispatchcore/pkg/proxychain"
	"github.com/telepresenceio/dispatchcore/pkg/session"
)

// Stream is the byte-oriented transport a Handler hands back from
// ConnectStream, and the shape of the local inbound side of a TCP
// dispatch. WriteCloser (CloseWrite, checked with a type assertion) is
// used for half-close when the peer supports it.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// WriteCloser is an optional Stream capability for half-close.
type WriteCloser interface {
	CloseWrite() error
}

// Datagram is a packet-oriented endpoint: either the local inbound split
// into source/sink halves, or a remote outbound datagram connection
// returned by Handler.ConnectDatagram.
type Datagram interface {
	RecvPacket(ctx context.Context) (*session.UdpPacket, error)
	SendPacket(ctx context.Context, pkt *session.UdpPacket) error
	Close() error
}

// Resolver is the DNS resolver handed to outbound handlers. Its surface
// is intentionally minimal and opaque to the dispatch core itself, which
// never calls it directly — only handlers do, to resolve a Session's
// domain Addr before dialing.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// Router classifies a session against the rule engine and returns an
// outbound name. It must be total: an unresolvable session yields a
// configured default outbound name, never an error.
type Router interface {
	MatchRoute(ctx context.Context, sess *session.Session) string
}

// Manager looks up a registered outbound handler by name. A nil handler
// after a successful MatchRoute is a programmer error: the router must
// only return names present in the manager.
type Manager interface {
	Get(name string) (Handler, bool)
}

// Handler is a named egress strategy. Handlers are responsible for
// appending their own name to the chain as they compose (see
// ChainedStreamWrapper/ChainedDatagramWrapper below).
type Handler interface {
	Name() string
	ConnectStream(ctx context.Context, sess *session.Session, resolver Resolver) (ChainedStream, error)
	ConnectDatagram(ctx context.Context, sess *session.Session, resolver Resolver) (ChainedDatagram, error)
}

// ChainedStream is a Stream that records the proxy chain it has been
// composed through.
type ChainedStream interface {
	Stream
	Chain() *proxychain.Chain
	AppendToChain(name string)
}

// ChainedDatagram is a Datagram that records the proxy chain it has been
// composed through.
type ChainedDatagram interface {
	Datagram
	Chain() *proxychain.Chain
	AppendToChain(name string)
}
