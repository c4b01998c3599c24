// Package proxychain tracks the ordered sequence of outbound layers a
// connection traverses, e.g. ["direct"] or ["relay-A", "vmess-B"].
package proxychain

import (
	"strings"
	"sync"
)

// Chain is an append-only, concurrency-safe log of outbound names. Each
// layer of a composed outbound handler appends its own name before
// delegating to the next one inward; the statistics plane reads a
// snapshot for display/diagnostics.
type Chain struct {
	mu    sync.Mutex
	names []string
}

// New returns an empty chain.
func New() *Chain {
	return &Chain{}
}

// Push appends name to the chain.
func (c *Chain) Push(name string) {
	c.mu.Lock()
	c.names = append(c.names, name)
	c.mu.Unlock()
}

// Snapshot returns a copy of the chain's current contents. Safe to call
// concurrently with Push.
func (c *Chain) Snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

func (c *Chain) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return "[" + strings.Join(c.names, ",") + "]"
}
