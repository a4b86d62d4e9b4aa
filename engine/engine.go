// Package engine ties the pieces together: one transport, one owner
// goroutine, one reliability monitor. Everything that touches the transport
// or the endpoint table runs on the owner goroutine, so none of that state
// needs a lock.
//
//	caller ──Send(id,payload)──┐                       ┌── recvLoop (blocking Receive)
//	caller ──RegisterEndpoint──┼──→ owner worker ←─────┤
//	sweep ticker ──Sweep───────┘    (sole transport    └── hand-off with bounded wait;
//	                                 toucher)               a full owner queue drops the
//	                                                        frame, never wedges the loop
//
// Inbound non-ACK frames are acknowledged first (plain path, ACKs are never
// tracked, so an ACK can never cause another ACK) and then dispatched
// through the middleware chain to the registered endpoint invoker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"callbus/dispatch"
	"callbus/observability"
	"callbus/reliability"
	"callbus/signal"
	"callbus/transport"
	"callbus/wire"
)

var (
	// ErrNotStarted reports use of an engine before Start.
	ErrNotStarted = errors.New("engine: not started")

	// ErrStopped reports use of an engine after Stop.
	ErrStopped = errors.New("engine: stopped")

	// ErrReservedID reports an attempt to send to or register the ACK id.
	ErrReservedID = errors.New("engine: id reserved for ACK frames")
)

// An Invoker consumes the payload of an inbound packet. Invoke runs on the
// engine's owner goroutine and must not block indefinitely; a wedged
// invoker wedges the whole engine.
type Invoker interface {
	Invoke(payload []byte) error
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(payload []byte) error

func (f InvokerFunc) Invoke(payload []byte) error { return f(payload) }

// ErrorKind classifies engine error notifications.
type ErrorKind uint8

const (
	// KindTransport covers send and receive faults on a live link.
	KindTransport ErrorKind = iota + 1
	// KindDelivery covers packets failed after the retry budget.
	KindDelivery
	// KindInvocation covers endpoint dispatch faults: unknown id,
	// invoker error, invoker panic.
	KindInvocation
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindDelivery:
		return "delivery"
	case KindInvocation:
		return "invocation"
	default:
		return "unknown"
	}
}

// An EngineError is one error notification, keyed by the endpoint id it
// concerns (0 when no id applies).
type EngineError struct {
	ID   uint16
	Kind ErrorKind
	Err  error
}

func (e EngineError) Error() string {
	return fmt.Sprintf("engine: %s fault on id %d: %v", e.Kind, e.ID, e.Err)
}

func (e EngineError) Unwrap() error { return e.Err }

// Config carries the engine knobs. Transport is required; zero values
// elsewhere select defaults.
type Config struct {
	// Name tags logs and metrics when a process runs several engines.
	Name string

	// Transport is the packet link this engine owns. The engine closes
	// it on Stop.
	Transport transport.Transport

	// Monitor configures the reliability layer.
	Monitor reliability.MonitorConfig

	// QueueCapacity bounds the owner worker's queue.
	QueueCapacity int

	// ReceiveTimeout is the per-call timeout handed to
	// Transport.Receive, bounding how long the receive goroutine stays
	// blind to shutdown on transports that cannot be unblocked.
	ReceiveTimeout time.Duration

	// SweepInterval is how often pending packets are checked for resend.
	SweepInterval time.Duration

	// HandoffTimeout bounds how long the receive goroutine waits for
	// space on the owner queue before dropping an inbound frame.
	HandoffTimeout time.Duration

	Logger zerolog.Logger
}

const (
	DefaultQueueCapacity  = 256
	DefaultReceiveTimeout = 500 * time.Millisecond
	DefaultSweepInterval  = 100 * time.Millisecond
	DefaultHandoffTimeout = time.Second
)

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "engine"
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.HandoffTimeout <= 0 {
		c.HandoffTimeout = DefaultHandoffTimeout
	}
	return c
}

// An Engine sends tracked packets to one peer and dispatches what the peer
// sends back. Engines are explicit objects: construct, Start, use, Stop.
type Engine struct {
	// OnStatus fires one DeliveryEvent per tracked-packet transition.
	// Handlers run on the owner goroutine; use Delegate.On to move them.
	OnStatus *signal.Signal[reliability.DeliveryEvent]

	// OnError fires engine error notifications (taxonomy in ErrorKind).
	OnError *signal.Signal[EngineError]

	cfg     Config
	logger  zerolog.Logger
	tr      transport.Transport
	worker  *dispatch.Worker
	monitor *reliability.Monitor

	// Owner-confined state: touched only on the worker goroutine.
	endpoints map[uint16]Invoker
	handler   HandlerFunc
	nextSeq   uint16

	middlewares []Middleware
	statusConn  signal.Connection

	recvDone  chan struct{}
	sweepStop chan struct{}
	sweepDone chan struct{}

	started atomic.Bool
	stopped atomic.Bool
}

// New builds an engine around an existing transport.
func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, errors.New("engine: config needs a transport")
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		OnStatus:  signal.New[reliability.DeliveryEvent](),
		OnError:   signal.New[EngineError](),
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("engine", cfg.Name).Logger(),
		tr:        cfg.Transport,
		endpoints: make(map[uint16]Invoker),
		nextSeq:   1,
		recvDone:  make(chan struct{}),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	e.worker = dispatch.NewWorker(cfg.Name, cfg.QueueCapacity, dispatch.WithLogger(e.logger))
	e.monitor = reliability.NewMonitor(cfg.Monitor, e.sendPlain)
	return e, nil
}

// Name returns the configured engine name.
func (e *Engine) Name() string { return e.cfg.Name }

// Use appends a middleware to the inbound dispatch chain. Middlewares run
// in registration order around the endpoint invoker. Must be called before
// Start; the chain is built once at startup.
func (e *Engine) Use(mw Middleware) {
	if e.started.Load() {
		panic("engine: Use after Start")
	}
	e.middlewares = append(e.middlewares, mw)
}

// RegisterEndpoint routes inbound packets with the given id to inv. The
// table lives on the owner goroutine, so registration is marshaled there.
// Registering an id twice is refused.
func (e *Engine) RegisterEndpoint(id uint16, inv Invoker) error {
	if id == wire.AckID {
		return ErrReservedID
	}
	if inv == nil {
		return errors.New("engine: nil invoker")
	}
	res, err := dispatch.Call(context.Background(), e.worker, func() error {
		if _, dup := e.endpoints[id]; dup {
			return fmt.Errorf("engine: endpoint %d already registered", id)
		}
		e.endpoints[id] = inv
		return nil
	})
	if err != nil {
		return err
	}
	return res
}

// UnregisterEndpoint removes the invoker for id. Frames for an unknown id
// are still acknowledged but surface as invocation errors.
func (e *Engine) UnregisterEndpoint(id uint16) error {
	_, err := dispatch.Call(context.Background(), e.worker, func() error {
		delete(e.endpoints, id)
		return nil
	})
	return err
}

// Start wires the monitor's status feed, builds the middleware chain, and
// launches the receive and sweep goroutines. The transport must already be
// connected; transport setup faults belong to the caller.
func (e *Engine) Start() error {
	if e.stopped.Load() {
		return ErrStopped
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine: already started")
	}

	e.handler = Chain(e.middlewares...)(e.dispatchInbound)
	e.statusConn = e.monitor.OnStatus.Connect(signal.Bind(e.forwardStatus))

	go e.recvLoop()
	go e.sweepLoop()

	e.logger.Info().
		Dur("sweep", e.cfg.SweepInterval).
		Dur("handoff", e.cfg.HandoffTimeout).
		Msg("engine started")
	return nil
}

// Stop shuts the engine down:
//  1. Close the transport — unblocks the receive goroutine's blocking
//     Receive even mid-timeout.
//  2. Join the receive goroutine.
//  3. Stop the sweep ticker and join it.
//  4. Disconnect the status feed.
//  5. Close the owner worker, draining requests already queued.
//
// Safe to call more than once; later calls return nil without acting.
func (e *Engine) Stop() error {
	if !e.started.Load() {
		if e.stopped.CompareAndSwap(false, true) {
			if err := e.tr.Close(); err != nil {
				e.logger.Warn().Err(err).Msg("transport close")
			}
			return e.worker.Close()
		}
		return nil
	}
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	e.logger.Info().Msg("engine stopping")

	if err := e.tr.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("transport close")
	}
	<-e.recvDone

	close(e.sweepStop)
	<-e.sweepDone

	e.statusConn.Disconnect()

	if err := e.worker.Close(); err != nil {
		return err
	}
	e.logger.Info().Msg("engine stopped")
	return nil
}

// Send transmits payload to the peer's endpoint id, assigns the next
// sequence number, and tracks the packet until it is acknowledged or fails.
// Safe to call from any goroutine: the actual send is marshaled onto the
// owner. A full outstanding window surfaces as ErrWindowFull.
func (e *Engine) Send(id uint16, payload []byte) error {
	if id == wire.AckID {
		return ErrReservedID
	}
	if len(payload) > wire.MaxPayload {
		return wire.ErrPayloadTooLarge
	}
	if !e.started.Load() {
		return ErrNotStarted
	}
	if e.stopped.Load() {
		return ErrStopped
	}
	res, err := dispatch.Call(context.Background(), e.worker, func() error {
		return e.sendTracked(id, payload)
	})
	if err != nil {
		return err
	}
	return res
}

// Outstanding reports the number of packets awaiting ACKs.
func (e *Engine) Outstanding() int {
	n, err := dispatch.Call(context.Background(), e.worker, e.monitor.Outstanding)
	if err != nil {
		return 0
	}
	return n
}

// sendTracked runs on the owner: assign seq, track, transmit. If the
// transmit itself fails the packet stays tracked and the sweep retries it,
// so a transient fault does not lose the packet.
func (e *Engine) sendTracked(id uint16, payload []byte) error {
	seq := e.nextSeq
	e.nextSeq++
	if err := e.monitor.Track(id, seq, payload); err != nil {
		return err
	}
	if err := e.sendPlain(id, seq, payload); err != nil {
		e.emitError(id, KindTransport, err)
		return err
	}
	return nil
}

// sendPlain frames and transmits without tracking. ACKs and resends go
// through here; the monitor's SendFunc is this method.
func (e *Engine) sendPlain(id, seq uint16, payload []byte) error {
	h := wire.NewHeader(id, seq)
	h.Length = uint16(len(payload))
	if err := e.tr.Send(h, payload); err != nil {
		return err
	}
	observability.RecordFrame("out")
	return nil
}

// recvLoop is the engine's only reader. It blocks on the transport,
// validates frames, and hands good ones to the owner with a bounded wait.
// Framing faults cost the one frame; only ErrClosed ends the loop.
func (e *Engine) recvLoop() {
	defer close(e.recvDone)
	for {
		h, payload, err := e.tr.Receive(e.cfg.ReceiveTimeout)
		switch {
		case err == nil:
			observability.RecordFrame("in")
			e.handoff(h, payload)
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, transport.ErrClosed):
			return
		default:
			observability.RecordChecksumFailure()
			e.logger.Debug().Err(err).Msg("rejected inbound frame")
		}
	}
}

func (e *Engine) handoff(h wire.Header, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HandoffTimeout)
	defer cancel()
	err := e.worker.PostContext(ctx, func() { e.incoming(h, payload) })
	if err == nil {
		return
	}
	observability.RecordHandoffDrop(e.cfg.Name)
	e.logger.Warn().
		Err(err).
		Uint16("id", h.ID).
		Uint16("seq", h.SeqNum).
		Msg("dropped inbound frame on owner hand-off")
}

// incoming runs on the owner for every validated inbound frame.
func (e *Engine) incoming(h wire.Header, payload []byte) {
	if h.IsAck() {
		e.monitor.Acknowledge(h.SeqNum)
		return
	}

	// Acknowledge first, through the plain path: ACKs are never tracked,
	// so there is no ACK-of-ACK recursion. The ACK echoes the sender's
	// seq. If it is lost the sender re-sends and the endpoint sees the
	// packet again; endpoints are documented duplicate-tolerant.
	if err := e.sendPlain(wire.AckID, h.SeqNum, nil); err != nil {
		e.emitError(h.ID, KindTransport, fmt.Errorf("auto-ack for seq %d: %w", h.SeqNum, err))
	}

	in := &Inbound{ID: h.ID, SeqNum: h.SeqNum, Payload: payload}
	if err := e.handler(context.Background(), in); err != nil {
		e.emitError(h.ID, KindInvocation, err)
	}
}

// dispatchInbound is the terminal handler under the middleware chain.
func (e *Engine) dispatchInbound(_ context.Context, in *Inbound) error {
	inv, ok := e.endpoints[in.ID]
	if !ok {
		return fmt.Errorf("engine: no endpoint registered for id %d", in.ID)
	}
	return inv.Invoke(in.Payload)
}

// sweepLoop posts periodic sweeps onto the owner. A full owner queue skips
// the tick; the next one retries.
func (e *Engine) sweepLoop() {
	defer close(e.sweepDone)
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.sweepStop:
			return
		case now := <-ticker.C:
			_ = e.worker.Post(func() { e.monitor.Sweep(now) })
			observability.SetQueueDepth(e.cfg.Name, e.worker.Len())
		}
	}
}

// forwardStatus republishes monitor events on the engine's signal and turns
// final failures into error notifications.
func (e *Engine) forwardStatus(ev reliability.DeliveryEvent) {
	e.OnStatus.Invoke(ev)
	if ev.Status == reliability.StatusFailed {
		e.emitError(ev.ID, KindDelivery,
			fmt.Errorf("packet seq %d failed after %d retries", ev.SeqNum, ev.Attempts))
	}
}

func (e *Engine) emitError(id uint16, kind ErrorKind, err error) {
	ee := EngineError{ID: id, Kind: kind, Err: err}
	e.logger.Warn().Err(err).Uint16("id", id).Str("kind", kind.String()).Msg("engine fault")
	e.OnError.Invoke(ee)
}
