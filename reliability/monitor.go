// Package reliability adds at-least-once delivery on top of an unreliable
// packet path. A Monitor remembers every tracked packet until the matching
// ACK arrives, re-sends it when the ACK stays out past the timeout, and
// gives up after the retry budget, reporting each transition as a status
// event.
//
// The monitor is deliberately not safe for concurrent use: the engine owns
// it and calls Track, Acknowledge and Sweep only from its owner goroutine,
// the same confinement the transport itself lives under.
package reliability

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"callbus/observability"
	"callbus/signal"
)

// ErrWindowFull reports that the outstanding window has reached its cap.
// The cap stays far below the 65536 sequence space so a wrapped sequence
// number can never collide with a still-pending packet.
var ErrWindowFull = errors.New("reliability: outstanding window full")

// Status is one step in a packet's delivery lifecycle.
type Status uint8

const (
	StatusSent Status = iota + 1
	StatusResent
	StatusAcknowledged
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusResent:
		return "resent"
	case StatusAcknowledged:
		return "acknowledged"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// A DeliveryEvent reports one status transition for one packet. Attempts
// counts resends, so 0 means the first transmission.
type DeliveryEvent struct {
	ID       uint16
	SeqNum   uint16
	Status   Status
	Attempts int
}

// A PendingAck is one packet awaiting acknowledgment. The payload is kept
// so the packet can be re-framed and re-sent as is.
type PendingAck struct {
	ID       uint16
	SeqNum   uint16
	Payload  []byte
	Deadline time.Time
	Retries  int
}

// SendFunc re-sends one packet through the plain (untracked) send path.
type SendFunc func(id, seq uint16, payload []byte) error

// MonitorConfig carries the delivery knobs. Zero values select defaults.
type MonitorConfig struct {
	// AckTimeout is how long a packet may wait for its ACK before a
	// resend is due.
	AckTimeout time.Duration
	// MaxRetries is the resend budget per packet. Once spent, the next
	// expiry fails the packet instead of re-sending it.
	MaxRetries int
	// WindowLimit caps the number of packets awaiting ACKs.
	WindowLimit int
	// ResendRate paces resends across sweeps; 0 disables pacing. A
	// paced-out packet keeps its deadline and is retried next sweep
	// without spending its budget.
	ResendRate  rate.Limit
	ResendBurst int
}

const (
	DefaultAckTimeout  = 500 * time.Millisecond
	DefaultMaxRetries  = 2
	DefaultWindowLimit = 1024
)

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.WindowLimit <= 0 {
		c.WindowLimit = DefaultWindowLimit
	}
	if c.ResendBurst <= 0 {
		c.ResendBurst = 1
	}
	return c
}

// A Monitor tracks packets from first send to ACK or failure.
type Monitor struct {
	// OnStatus fires a DeliveryEvent for every transition, on the
	// goroutine driving the monitor. Handlers needing another goroutine
	// attach one with Delegate.On.
	OnStatus *signal.Signal[DeliveryEvent]

	cfg     MonitorConfig
	send    SendFunc
	pending map[uint16]*PendingAck
	limiter *rate.Limiter
}

// NewMonitor builds a monitor that re-sends through send.
func NewMonitor(cfg MonitorConfig, send SendFunc) *Monitor {
	if send == nil {
		panic("reliability: nil send func")
	}
	cfg = cfg.withDefaults()
	m := &Monitor{
		OnStatus: signal.New[DeliveryEvent](),
		cfg:      cfg,
		send:     send,
		pending:  make(map[uint16]*PendingAck),
	}
	if cfg.ResendRate > 0 {
		m.limiter = rate.NewLimiter(cfg.ResendRate, cfg.ResendBurst)
	}
	return m
}

// Track registers a packet that was just sent and emits Sent. Tracking the
// same sequence number twice is a caller bug and fails loudly.
func (m *Monitor) Track(id, seq uint16, payload []byte) error {
	if len(m.pending) >= m.cfg.WindowLimit {
		return ErrWindowFull
	}
	if _, dup := m.pending[seq]; dup {
		return fmt.Errorf("reliability: seq %d already tracked", seq)
	}
	m.pending[seq] = &PendingAck{
		ID:       id,
		SeqNum:   seq,
		Payload:  payload,
		Deadline: time.Now().Add(m.cfg.AckTimeout),
	}
	m.emit(id, seq, StatusSent, 0)
	return nil
}

// Acknowledge resolves the packet with the given sequence number and emits
// Acknowledged. An unknown or already-resolved sequence number is ignored
// without an event; duplicate ACKs are expected under packet loss.
func (m *Monitor) Acknowledge(seq uint16) {
	p, ok := m.pending[seq]
	if !ok {
		return
	}
	delete(m.pending, seq)
	m.emit(p.ID, seq, StatusAcknowledged, p.Retries)
}

// Sweep re-sends every packet whose deadline has passed, emitting Resent,
// and fails packets whose retry budget is spent, emitting Failed. The
// expired set is collected before any event fires so handlers may call back
// into the monitor.
func (m *Monitor) Sweep(now time.Time) {
	var due []*PendingAck
	for _, p := range m.pending {
		if !now.Before(p.Deadline) {
			due = append(due, p)
		}
	}
	for _, p := range due {
		if p.Retries >= m.cfg.MaxRetries {
			delete(m.pending, p.SeqNum)
			m.emit(p.ID, p.SeqNum, StatusFailed, p.Retries)
			continue
		}
		if m.limiter != nil && !m.limiter.Allow() {
			continue
		}
		p.Retries++
		p.Deadline = now.Add(m.cfg.AckTimeout)
		// A failed resend still spends the retry; the send path
		// reports its own errors.
		_ = m.send(p.ID, p.SeqNum, p.Payload)
		m.emit(p.ID, p.SeqNum, StatusResent, p.Retries)
	}
}

// Outstanding returns the number of packets still awaiting an ACK.
func (m *Monitor) Outstanding() int { return len(m.pending) }

func (m *Monitor) emit(id, seq uint16, st Status, attempts int) {
	observability.RecordDelivery(st.String())
	m.OnStatus.Invoke(DeliveryEvent{ID: id, SeqNum: seq, Status: st, Attempts: attempts})
}
