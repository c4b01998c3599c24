// Package resolver provides a reference DNS resolver built on
// github.com/miekg/dns, implementing outbound.Resolver. The dispatch core
// never calls this directly — it only threads a Resolver through to
// outbound handlers (spec.md §6) — so this package gives an embedder a
// concrete instance to hand to handlers such as the bundled direct
// outbound. Nothing in this module constructs one; the module's tests use
// stub resolvers.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Resolver queries a fixed set of upstream nameservers with miekg/dns,
// trying A then AAAA records.
type Resolver struct {
	Servers []string
	Client  *dns.Client
	Timeout time.Duration
}

// New returns a Resolver querying the given "host:port" nameservers (e.g.
// "1.1.1.1:53"). If servers is empty, system resolution via net.Resolver
// is used instead (see SystemResolve).
func New(servers ...string) *Resolver {
	return &Resolver{
		Servers: servers,
		Client:  &dns.Client{Timeout: 5 * time.Second},
		Timeout: 5 * time.Second,
	}
}

// Resolve implements outbound.Resolver.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if len(r.Servers) == 0 {
		return SystemResolve(ctx, host)
	}

	fqdn := dns.Fqdn(host)
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		for _, server := range r.Servers {
			reply, _, err := r.Client.ExchangeContext(ctx, msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			var ips []net.IP
			for _, rr := range reply.Answer {
				switch rec := rr.(type) {
				case *dns.A:
					ips = append(ips, rec.A)
				case *dns.AAAA:
					ips = append(ips, rec.AAAA)
				}
			}
			if len(ips) > 0 {
				return ips, nil
			}
		}
	}
	if lastErr != nil {
		return nil, errors.Wrapf(lastErr, "resolve %s", host)
	}
	return nil, fmt.Errorf("resolve %s: no records found", host)
}

// SystemResolve falls back to the Go runtime's resolver.
func SystemResolve(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, errors.Wrapf(err, "system-resolve %s", host)
	}
	return addrs, nil
}
