// Package dispatcher implements the connection dispatch core: given a
// Session plus a local byte stream or datagram endpoint, classify it
// against the router, obtain a remote endpoint from the named outbound
// handler, and relay traffic while billing bytes to the statistics
// manager (spec.md §4.1/§4.2).
//
// Grounded on the teacher's internal/pkg/proxy/proxy.go (dial, then pipe
// two directions concurrently, wait for both to finish) for the TCP
// path, and on the teacher's cmd/traffic/cmd/manager/manager.go (a dgroup
// of named, long-running tasks torn down together via context
// cancellation) for the UDP path.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/telepresenceio/dispatchcore/pkg/outbound"
	"github.com/telepresenceio/dispatchcore/pkg/session"
	"github.com/telepresenceio/dispatchcore/pkg/stats"
	"github.com/telepresenceio/dispatchcore/pkg/trackedconn"
)

// Dispatcher holds the collaborator contracts named in spec.md §6 and
// runs both the TCP and UDP dispatch paths against them.
type Dispatcher struct {
	Router    outbound.Router
	Outbounds outbound.Manager
	Resolver  outbound.Resolver
	Stats     stats.Manager

	// UDPChannelCapacity bounds the per-outbound forwarder channel and
	// the shared remote-receiver channel on the UDP path (spec.md §4.2,
	// §5: "32 packets on both"). New replaces a value <= 0 with 32;
	// DispatchDatagram uses the field as is, so a zero set on a struct
	// literal yields unbuffered channels.
	UDPChannelCapacity int

	// UDPIdleTimeout bounds how long an OutboundHandleMap entry may go
	// without seeing a packet in either direction before it is swept and
	// its R/W pair torn down (spec.md §3's "eligible for garbage
	// collection"). Zero or negative disables idle eviction entirely:
	// entries then live for the whole flow, as if this field didn't
	// exist.
	UDPIdleTimeout time.Duration
}

// New constructs a Dispatcher. udpChannelCapacity <= 0 defaults to 32.
// udpIdleTimeout <= 0 disables idle eviction of OutboundHandleMap
// entries; the value conventionally comes from
// dispatchcfg.Config.UDPNatIdleTimeoutSeconds converted to a
// time.Duration by the embedder.
func New(router outbound.Router, outbounds outbound.Manager, resolver outbound.Resolver, statsManager stats.Manager, udpChannelCapacity int, udpIdleTimeout time.Duration) *Dispatcher {
	if udpChannelCapacity <= 0 {
		udpChannelCapacity = 32
	}
	return &Dispatcher{
		Router:             router,
		Outbounds:          outbounds,
		Resolver:           resolver,
		Stats:              statsManager,
		UDPChannelCapacity: udpChannelCapacity,
		UDPIdleTimeout:     udpIdleTimeout,
	}
}

func (d *Dispatcher) ruleFor(sess *session.Session, outboundName string) stats.RuleDescriptor {
	if describer, ok := d.Router.(stats.MatchedRuleDescriber); ok {
		return describer.MatchedRule(sess)
	}
	return stats.RuleDescriptor{Kind: "outbound", Payload: outboundName}
}

// getHandler resolves name to a Handler. An absent handler after a
// successful route match is a programmer-contract violation (spec.md
// §7): the router must only ever return names registered with the
// outbound manager, so this panics rather than returning an error.
func (d *Dispatcher) getHandler(name string) outbound.Handler {
	handler, ok := d.Outbounds.Get(name)
	if !ok {
		panic(fmt.Sprintf("dispatcher: router matched unregistered outbound %q", name))
	}
	return handler
}

// DispatchStream runs the TCP path (spec.md §4.1): match a route, dial
// the remote endpoint, splice local and remote until both directions
// close or either errors. It returns once the dispatch is complete; any
// error is also returned to the caller for logging.
func (d *Dispatcher) DispatchStream(ctx context.Context, sess session.Session, local outbound.Stream) error {
	name := d.Router.MatchRoute(ctx, &sess)
	sess.OutboundTarget = name

	handler := d.getHandler(name)
	dlog.Debugf(ctx, "dispatcher: %s matched outbound %q", sess, handler.Name())

	remote, err := handler.ConnectStream(ctx, &sess, d.Resolver)
	if err != nil {
		dlog.Errorf(ctx, "dispatcher: connect_stream to %q failed for %s: %v", name, sess, err)
		if wc, ok := local.(outbound.WriteCloser); ok {
			_ = wc.CloseWrite()
		}
		return err
	}

	rule := d.ruleFor(&sess, name)
	tracked := trackedconn.NewTrackedStream(ctx, remote, d.Stats, sess, rule)
	defer tracked.Close()

	err = spliceStreams(local, tracked)
	if err != nil {
		dlog.Errorf(ctx, "dispatcher: stream dispatch for %s ended with error: %v", sess, err)
	}
	return err
}

// spliceStreams copies bytes in both directions concurrently until both
// copies finish, half-closing the write side of the peer as each
// direction's source reaches EOF, the same "pipe both ways, wait for
// both" shape as the teacher's proxy.pipe/Latch pair.
func spliceStreams(local, remote outbound.Stream) error {
	var wg sync.WaitGroup
	errs := make([]error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = pipe(local, remote)
	}()
	go func() {
		defer wg.Done()
		errs[1] = pipe(remote, local)
	}()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// pipe copies from src to dst until src reaches EOF or either side
// errors, then half-closes dst's write side. A close signal firing on a
// tracked wrapper (trackedconn.ErrClosedByManager) is treated as normal
// termination, matching spec.md §7's "callers treat as normal
// termination".
func pipe(src io.Reader, dst outbound.Stream) error {
	_, err := io.Copy(dst, src)
	if wc, ok := dst.(outbound.WriteCloser); ok {
		_ = wc.CloseWrite()
	}
	if err == nil || errors.Is(err, trackedconn.ErrClosedByManager) {
		return nil
	}
	return err
}
