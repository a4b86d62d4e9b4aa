package signal

import "sync/atomic"

// A Connection undoes one Connect call. The zero value is a valid no-op
// handle. Disconnect is idempotent, safe for concurrent use, and never
// blocks on running handlers.
type Connection struct {
	st *connState
}

type connState struct {
	done       atomic.Bool
	disconnect func()
}

// Disconnect removes the subscription this connection was returned for.
// Only the first call acts. After the signal itself has been collected the
// call quietly does nothing.
func (c Connection) Disconnect() {
	if c.st != nil && c.st.done.CompareAndSwap(false, true) {
		c.st.disconnect()
	}
}

// Active reports whether Disconnect has been called on this handle. It
// cannot see removals made directly through Signal.Disconnect.
func (c Connection) Active() bool {
	return c.st != nil && !c.st.done.Load()
}

// A ScopedConnection disconnects when closed, for defer-based lifetimes:
//
//	sc := signal.Scoped(sig.Connect(d))
//	defer sc.Close()
type ScopedConnection struct {
	Conn Connection
}

// Scoped wraps c for use with defer or other io.Closer plumbing.
func Scoped(c Connection) *ScopedConnection { return &ScopedConnection{Conn: c} }

// Close severs the connection. It never fails; the error return satisfies
// io.Closer.
func (s *ScopedConnection) Close() error {
	s.Conn.Disconnect()
	return nil
}
