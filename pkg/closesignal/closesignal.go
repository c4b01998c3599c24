// Package closesignal implements a single-shot close notification,
// standing in for the Rust original's tokio::sync::oneshot channel: a
// Sender that can be fired at most once, and a Receiver that can be
// polled non-blockingly from a hot I/O path.
package closesignal

import "sync"

// Sender fires the signal. The zero value is not usable; construct with
// New.
type Sender struct {
	fire func()
}

// Receiver observes whether the signal has fired.
type Receiver struct {
	ch <-chan struct{}
}

// New returns a connected Sender/Receiver pair.
func New() (Sender, Receiver) {
	ch := make(chan struct{})
	var once sync.Once
	return Sender{fire: func() { once.Do(func() { close(ch) }) }}, Receiver{ch: ch}
}

// Fire signals close. Safe to call more than once or from multiple
// goroutines; only the first call has effect.
func (s Sender) Fire() {
	s.fire()
}

// Fired reports, without blocking, whether Fire has been called.
func (r Receiver) Fired() bool {
	select {
	case <-r.ch:
		return true
	default:
		return false
	}
}

// Done returns the underlying channel, closed when Fire is called, for use
// in select statements (e.g. the dispatcher's closer task awaiting
// external termination).
func (r Receiver) Done() <-chan struct{} {
	return r.ch
}
