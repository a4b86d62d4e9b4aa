// Package transport carries framed packets between two engines. Every
// adapter speaks the same narrow contract — send one packet, block for the
// next one, close — so the engine never knows whether it is driving UDP
// datagrams, a TCP byte stream, or an in-memory pipe.
//
// Adapters frame and unframe internally with package wire. Receive is a
// blocking call meant for one dedicated goroutine; Send may be called while
// a Receive is in flight.
package transport

import (
	"errors"
	"time"

	"callbus/wire"
)

var (
	// ErrTimeout reports that Receive saw no complete frame within its
	// timeout. The link is still usable.
	ErrTimeout = errors.New("transport: receive timeout")

	// ErrClosed reports use of a transport after Close, or a peer that
	// went away for good.
	ErrClosed = errors.New("transport: closed")

	// ErrNoPeer reports a send on a listening transport before any peer
	// has made itself known.
	ErrNoPeer = errors.New("transport: no peer address known yet")
)

// A Transport is a point-to-point packet link.
//
// Framing faults (bad marker, short read, checksum mismatch) come back from
// Receive as wire errors; the link stays usable and the caller simply
// receives again. Only ErrClosed means the link is finished.
type Transport interface {
	// Send frames one packet and transmits it.
	Send(h wire.Header, payload []byte) error

	// Receive blocks until the next packet, the timeout, or Close. A
	// non-positive timeout blocks indefinitely.
	Receive(timeout time.Duration) (wire.Header, []byte, error)

	// Close releases the link and unblocks any Receive in flight.
	Close() error
}
