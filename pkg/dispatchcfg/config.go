// Package dispatchcfg holds the dispatch core's environment-tunable
// knobs, loaded with github.com/sethvargo/go-envconfig the way the rest
// of the pack configures long-running daemons from the process
// environment rather than flags or files.
package dispatchcfg

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// Config is the dispatch core's runtime configuration.
type Config struct {
	// DefaultOutbound is the outbound name used when the router can't
	// classify a session to anything more specific (spec.md §4.1/§4.2:
	// Router.MatchRoute is total and must itself fall back to this same
	// name, but components wiring up a Router use this as the default to
	// configure it with).
	DefaultOutbound string `env:"DISPATCHCORE_DEFAULT_OUTBOUND,default=direct"`

	// UDPChannelCapacity bounds the buffered channels connecting the
	// UDP path's L/R/W/O/C tasks (spec.md §4.2), the Go equivalent of
	// the Rust original's bounded mpsc channels.
	UDPChannelCapacity int `env:"DISPATCHCORE_UDP_CHANNEL_CAPACITY,default=32"`

	// UDPNatIdleTimeoutSeconds bounds how long an OutboundHandleMap entry
	// may go without moving a packet in either direction before
	// dispatcher.Dispatcher's idle sweep evicts it (see
	// dispatcher.Dispatcher.UDPIdleTimeout, which an embedder sets to
	// time.Duration(UDPNatIdleTimeoutSeconds)*time.Second). Zero disables
	// idle eviction.
	UDPNatIdleTimeoutSeconds int `env:"DISPATCHCORE_UDP_NAT_IDLE_TIMEOUT_SECONDS,default=300"`

	// DialTimeoutSeconds is loaded and defaulted here, but no package in
	// this module reads it: the bundled direct outbound always dials with
	// its own fixed 10-second timeout, and the dispatcher applies no
	// timeout of its own to Handler.ConnectStream/ConnectDatagram.
	DialTimeoutSeconds int `env:"DISPATCHCORE_DIAL_TIMEOUT_SECONDS,default=10"`

	// LogLevel is passed to dispatchlog.Init.
	LogLevel string `env:"DISPATCHCORE_LOG_LEVEL,default=info"`
}

// Load reads Config from the process environment, applying defaults for
// anything unset.
func Load(ctx context.Context) (*Config, error) {
	return loadFrom(ctx, envconfig.OsLookuper())
}

// loadFrom reads Config from an arbitrary envconfig.Lookuper, letting
// tests substitute a map instead of the real process environment.
func loadFrom(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, lookuper); err != nil {
		return nil, err
	}
	return &cfg, nil
}
