package transport

import (
	"sync"
	"time"

	"callbus/wire"
)

// pipeDepth bounds how many packets one direction can buffer before Send
// blocks.
const pipeDepth = 64

type packet struct {
	h       wire.Header
	payload []byte
}

// PipeTransport is an in-memory link for wiring two engines inside one
// process, the usual shape for tests. Packets keep their boundaries and
// arrive in order; loss only happens when a LossyPipe is stacked on top.
//
// Both ends share one lifetime: closing either side finishes the pair, so a
// peer blocked in Receive wakes with ErrClosed no matter which end closed.
type PipeTransport struct {
	in   chan packet
	out  chan packet
	done chan struct{}
	stop *sync.Once // shared by both ends
}

// NewPipe returns the two ends of a connected pipe.
func NewPipe() (*PipeTransport, *PipeTransport) {
	ab := make(chan packet, pipeDepth)
	ba := make(chan packet, pipeDepth)
	done := make(chan struct{})
	stop := new(sync.Once)
	a := &PipeTransport{in: ba, out: ab, done: done, stop: stop}
	b := &PipeTransport{in: ab, out: ba, done: done, stop: stop}
	return a, b
}

// Send delivers the packet to the peer's receive queue, blocking while the
// queue is full. The payload is copied so the caller may reuse its buffer.
func (t *PipeTransport) Send(h wire.Header, payload []byte) error {
	p := packet{h: h, payload: append([]byte(nil), payload...)}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.out <- p:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Receive blocks for the next packet, the timeout, or close of either end.
func (t *PipeTransport) Receive(timeout time.Duration) (wire.Header, []byte, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case p := <-t.in:
		return p.h, p.payload, nil
	case <-expire:
		return wire.Header{}, nil, ErrTimeout
	case <-t.done:
		return wire.Header{}, nil, ErrClosed
	}
}

// Close finishes the pair. Packets already queued are discarded.
func (t *PipeTransport) Close() error {
	t.stop.Do(func() { close(t.done) })
	return nil
}

// A LossyPipe wraps one end of a pipe and consults drop before each send.
// attempt counts transmissions of the same (ID, SeqNum), starting at 1, so a
// predicate can lose first sends and let retries through, or eat ACKs to
// force duplicate delivery.
type LossyPipe struct {
	*PipeTransport

	mu       sync.Mutex
	attempts map[uint32]int
	drop     func(h wire.Header, attempt int) bool
}

// NewLossyPipe wraps end with the given drop predicate.
func NewLossyPipe(end *PipeTransport, drop func(h wire.Header, attempt int) bool) *LossyPipe {
	return &LossyPipe{
		PipeTransport: end,
		attempts:      make(map[uint32]int),
		drop:          drop,
	}
}

// Send counts the attempt and either swallows the packet or passes it on.
func (t *LossyPipe) Send(h wire.Header, payload []byte) error {
	key := uint32(h.ID)<<16 | uint32(h.SeqNum)
	t.mu.Lock()
	t.attempts[key]++
	n := t.attempts[key]
	t.mu.Unlock()
	if t.drop != nil && t.drop(h, n) {
		return nil // lost on the wire, as far as the sender knows
	}
	return t.PipeTransport.Send(h, payload)
}
