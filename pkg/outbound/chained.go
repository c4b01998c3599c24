package outbound

import (
	"context"

	"github.com/telepresenceio/dispatchcore/pkg/proxychain"
	"github.com/telepresenceio/dispatchcore/pkg/session"
)

// ChainedStreamWrapper adapts a plain Stream into a ChainedStream,
// grounded on original_source/clash_lib/src/app/dispatcher/tracked.rs's
// ChainedStreamWrapper<T>: the innermost outbound handler in a composed
// chain (e.g. a "direct" dialer) wraps its raw connection in one of
// these before returning it, and each outer layer calls AppendToChain
// with its own name before delegating inward.
type ChainedStreamWrapper struct {
	inner Stream
	chain *proxychain.Chain
}

// NewChainedStreamWrapper wraps inner with a fresh, empty chain.
func NewChainedStreamWrapper(inner Stream) *ChainedStreamWrapper {
	return &ChainedStreamWrapper{inner: inner, chain: proxychain.New()}
}

func (w *ChainedStreamWrapper) Read(p []byte) (int, error)  { return w.inner.Read(p) }
func (w *ChainedStreamWrapper) Write(p []byte) (int, error) { return w.inner.Write(p) }
func (w *ChainedStreamWrapper) Close() error                { return w.inner.Close() }

// CloseWrite forwards half-close to the inner stream if it supports it.
func (w *ChainedStreamWrapper) CloseWrite() error {
	if wc, ok := w.inner.(WriteCloser); ok {
		return wc.CloseWrite()
	}
	return nil
}

func (w *ChainedStreamWrapper) Chain() *proxychain.Chain { return w.chain }
func (w *ChainedStreamWrapper) AppendToChain(name string) { w.chain.Push(name) }

// ChainedDatagramWrapper is the datagram analogue of ChainedStreamWrapper.
type ChainedDatagramWrapper struct {
	inner Datagram
	chain *proxychain.Chain
}

// NewChainedDatagramWrapper wraps inner with a fresh, empty chain.
func NewChainedDatagramWrapper(inner Datagram) *ChainedDatagramWrapper {
	return &ChainedDatagramWrapper{inner: inner, chain: proxychain.New()}
}

func (w *ChainedDatagramWrapper) RecvPacket(ctx context.Context) (*session.UdpPacket, error) {
	return w.inner.RecvPacket(ctx)
}

func (w *ChainedDatagramWrapper) SendPacket(ctx context.Context, pkt *session.UdpPacket) error {
	return w.inner.SendPacket(ctx, pkt)
}

func (w *ChainedDatagramWrapper) Close() error { return w.inner.Close() }

func (w *ChainedDatagramWrapper) Chain() *proxychain.Chain { return w.chain }
func (w *ChainedDatagramWrapper) AppendToChain(name string) { w.chain.Push(name) }
