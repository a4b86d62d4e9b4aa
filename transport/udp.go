package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"callbus/wire"
)

// UDPTransport is a datagram link over one bound socket. Datagrams preserve
// frame boundaries, so each read decodes as one complete frame. UDP drops
// and reorders freely, which is exactly what reliability.Monitor exists to
// absorb.
//
// Two addressing modes:
//   - dialed (NewUDP): every send targets the fixed remote address
//   - listening (NewUDPListener): sends reply to whichever peer the last
//     received datagram came from, so a sink can ACK without knowing its
//     emitters in advance
type UDPTransport struct {
	conn *net.UDPConn
	peer atomic.Pointer[net.UDPAddr]

	// track switches on reply-to-last-sender addressing.
	track bool

	sending sync.Mutex // serializes writes from send and resend paths
	closed  atomic.Bool
	buf     []byte // receive buffer, reused; owned by the receive goroutine
}

// NewUDP binds localAddr and targets every send at remoteAddr. Port 0 in
// localAddr picks a free port, visible afterwards through LocalAddr.
func NewUDP(localAddr, remoteAddr string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve local %q: %w", localAddr, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve remote %q: %w", remoteAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind %q: %w", localAddr, err)
	}
	return newUDP(conn, raddr), nil
}

// NewUDPListener binds localAddr with no fixed peer. Sends go to the source
// of the most recently received datagram; before anything has been received
// Send fails with ErrNoPeer.
func NewUDPListener(localAddr string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve local %q: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind %q: %w", localAddr, err)
	}
	return newUDP(conn, nil), nil
}

func newUDP(conn *net.UDPConn, peer *net.UDPAddr) *UDPTransport {
	t := &UDPTransport{
		conn:  conn,
		track: peer == nil,
		buf:   make([]byte, wire.HeaderSize+wire.MaxPayload+wire.CRCSize),
	}
	if peer != nil {
		t.peer.Store(peer)
	}
	return t
}

// LocalAddr returns the bound address, useful when the port was chosen by
// the kernel.
func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Send frames the packet and writes it as a single datagram to the peer.
func (t *UDPTransport) Send(h wire.Header, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	peer := t.peer.Load()
	if peer == nil {
		return ErrNoPeer
	}
	frame, err := wire.Encode(h, payload)
	if err != nil {
		return err
	}
	t.sending.Lock()
	_, err = t.conn.WriteToUDP(frame, peer)
	t.sending.Unlock()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("transport: udp send: %w", err)
	}
	return nil
}

// Receive blocks for the next datagram and decodes it as one frame. A
// datagram that fails validation comes back as the wire error; the caller
// decides whether to keep receiving.
func (t *UDPTransport) Receive(timeout time.Duration) (wire.Header, []byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return wire.Header{}, nil, err
	}
	n, src, err := t.conn.ReadFromUDP(t.buf)
	if err != nil {
		return wire.Header{}, nil, mapNetErr(err)
	}
	if t.track && src != nil {
		t.peer.Store(src)
	}
	// Decode copies the payload out, so reusing t.buf for the next
	// datagram is safe.
	return wire.Decode(t.buf[:n])
}

// Close shuts the socket, failing any blocked Receive with ErrClosed.
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

// mapNetErr folds network failures into the transport sentinels.
func mapNetErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}
