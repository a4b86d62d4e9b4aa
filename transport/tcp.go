package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"callbus/wire"
)

// TCPTransport adapts a byte stream to the packet contract. Frames are laid
// end to end on the stream; wire.ReadFrame rescans for the marker after any
// partial or garbled read, so a corrupted stretch costs frames, never the
// connection.
type TCPTransport struct {
	conn net.Conn
	r    *bufio.Reader

	sending sync.Mutex // one frame on the wire at a time; interleaved writes corrupt the stream
	closed  atomic.Bool
}

func newTCP(conn net.Conn) *TCPTransport {
	return &TCPTransport{conn: conn, r: bufio.NewReader(conn)}
}

// DialTCP connects to a listening peer.
func DialTCP(addr string, timeout time.Duration) (*TCPTransport, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %q: %w", addr, err)
	}
	return newTCP(conn), nil
}

// A TCPListener hands out one TCPTransport per accepted peer.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP binds addr; port 0 picks a free port, visible through Addr.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	return &TCPListener{ln: ln}, nil
}

// Addr returns the bound address.
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// Accept blocks for the next inbound peer. A non-positive timeout blocks
// indefinitely.
func (l *TCPListener) Accept(timeout time.Duration) (*TCPTransport, error) {
	if tl, ok := l.ln.(*net.TCPListener); ok {
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		if err := tl.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, mapNetErr(err)
	}
	return newTCP(conn), nil
}

// Close stops accepting. Transports already handed out are unaffected.
func (l *TCPListener) Close() error { return l.ln.Close() }

// Send frames the packet and writes it to the stream.
func (t *TCPTransport) Send(h wire.Header, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	frame, err := wire.Encode(h, payload)
	if err != nil {
		return err
	}
	t.sending.Lock()
	_, err = t.conn.Write(frame)
	t.sending.Unlock()
	if err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return fmt.Errorf("transport: tcp send: %w", err)
	}
	return nil
}

// Receive blocks for the next complete frame on the stream. Framing faults
// (short frame, checksum mismatch) are per-frame errors; the stream position
// advances and the next call resumes scanning. A clean end of stream means
// the peer is gone and maps to ErrClosed.
func (t *TCPTransport) Receive(timeout time.Duration) (wire.Header, []byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return wire.Header{}, nil, mapNetErr(err)
	}
	h, payload, err := wire.ReadFrame(t.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return wire.Header{}, nil, ErrClosed
		}
		return wire.Header{}, nil, mapNetErr(err)
	}
	return h, payload, nil
}

// Close shuts the connection, failing any blocked Receive with ErrClosed.
func (t *TCPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}
