// Package signal implements multicast delegates: typed subscriber lists
// that fan a single argument out to every connected handler. Combined with
// package dispatch a handler can be pinned to the goroutine that owns its
// state, which is how components here receive events from foreign
// goroutines without locks.
package signal

import (
	"sync"
	"weak"
)

// A Signal is an ordered list of delegates invoked together. The zero
// value is unusable; construct with New. All methods are safe for
// concurrent use.
type Signal[T any] struct {
	mu   sync.Mutex
	subs []Delegate[T]
}

// New returns an empty signal.
func New[T any]() *Signal[T] { return &Signal[T]{} }

// Connect appends d to the list and returns a Connection that severs
// exactly this subscription. The Connection references the signal weakly,
// so an outstanding handle neither keeps the signal alive nor crashes when
// disconnected after the signal is gone.
func (s *Signal[T]) Connect(d Delegate[T]) Connection {
	s.mu.Lock()
	s.subs = append(s.subs, d)
	s.mu.Unlock()

	ref := weak.Make(s)
	return Connection{st: &connState{
		disconnect: func() {
			if sig := ref.Value(); sig != nil {
				sig.Disconnect(d)
			}
		},
	}}
}

// Disconnect removes the first delegate equal to d, keeping the order of
// the rest, and reports whether one was removed. Handlers already running
// are unaffected.
func (s *Signal[T]) Disconnect(d Delegate[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.subs {
		if s.subs[i].Equal(d) {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Invoke calls every delegate connected at the moment of the call, in
// connection order. The list is snapshotted under the lock and handlers run
// outside it, so a handler may connect or disconnect (itself included)
// without deadlocking; such changes apply from the next Invoke. Invoking an
// empty signal does nothing.
func (s *Signal[T]) Invoke(arg T) {
	s.mu.Lock()
	if len(s.subs) == 0 {
		s.mu.Unlock()
		return
	}
	snapshot := make([]Delegate[T], len(s.subs))
	copy(snapshot, s.subs)
	s.mu.Unlock()

	for _, d := range snapshot {
		d.invoke(arg)
	}
}

// Len returns the number of connected delegates.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
