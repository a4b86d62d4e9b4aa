// Package dispatch moves function calls across goroutine boundaries. A
// Worker owns one goroutine and a bounded FIFO queue; everything submitted
// to the worker runs on that goroutine, in submission order, so state owned
// by the worker needs no locking.
//
// Submission comes in three shapes: Post is fire-and-forget and fails fast
// when the queue is full, Invoke blocks the caller until the function has
// run on the owner goroutine, and Async returns a Future that resolves when
// it has. All blocking variants run the function inline when the caller
// already is the owner goroutine, so a handler may re-enter its own worker
// without deadlocking.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"callbus/observability"
)

var (
	// ErrQueueFull reports that a fire-and-forget request was dropped
	// because the worker queue was at capacity.
	ErrQueueFull = errors.New("dispatch: worker queue full")

	// ErrWorkerClosed reports submission to, or abandonment by, a worker
	// that has shut down.
	ErrWorkerClosed = errors.New("dispatch: worker closed")
)

// DefaultQueueCapacity is used when NewWorker is given a non-positive
// capacity.
const DefaultQueueCapacity = 64

// request is one unit of queued work. done is nil for fire-and-forget
// submissions; otherwise err is written before done is closed, so a waiter
// that has seen done closed may read err without further synchronization.
type request struct {
	fn   func()
	done chan struct{}
	err  error
}

func (r *request) finish(err error) {
	if r.done != nil {
		r.err = err
		close(r.done)
	}
}

// A Worker is a single-goroutine executor with a bounded queue. The zero
// value is not usable; construct with NewWorker.
type Worker struct {
	name   string
	queue  chan *request
	poison *request
	quit   chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
	gid       atomic.Int64
	dropped   atomic.Uint64

	logger zerolog.Logger
}

// Option configures a Worker at construction time.
type Option func(*Worker)

// WithLogger attaches a logger for panic reports and shutdown notes.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker creates a named worker and starts its goroutine immediately.
func NewWorker(name string, queueCapacity int, opts ...Option) *Worker {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	w := &Worker{
		name:   name,
		queue:  make(chan *request, queueCapacity),
		poison: &request{},
		quit:   make(chan struct{}),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.loop()
	return w
}

// Name returns the worker's name as given to NewWorker.
func (w *Worker) Name() string { return w.name }

// Dropped returns the number of fire-and-forget requests rejected with
// ErrQueueFull since construction.
func (w *Worker) Dropped() uint64 { return w.dropped.Load() }

// Len returns the number of queued requests not yet started.
func (w *Worker) Len() int { return len(w.queue) }

// Cap returns the queue capacity.
func (w *Worker) Cap() int { return cap(w.queue) }

// OnOwner reports whether the calling goroutine is the worker's own.
func (w *Worker) OnOwner() bool {
	return curGoroutineID() == w.gid.Load()
}

func (w *Worker) loop() {
	w.gid.Store(curGoroutineID())
	for req := range w.queue {
		if req == w.poison {
			break
		}
		w.run(req)
	}
	// The poison arrives in FIFO order, so everything enqueued before
	// Close has already run. Anything that slipped in afterwards is
	// failed rather than executed.
	w.drain()
	close(w.quit)
	w.drain()
}

func (w *Worker) drain() {
	for {
		select {
		case req := <-w.queue:
			req.finish(ErrWorkerClosed)
		default:
			return
		}
	}
}

func (w *Worker) run(req *request) {
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("dispatch: target panicked: %v", p)
				w.logger.Error().
					Str("worker", w.name).
					Interface("panic", p).
					Msg("recovered panic in dispatched target")
			}
		}()
		req.fn()
	}()
	req.finish(err)
}

// Post submits fn without waiting for it to run. If the caller is the owner
// goroutine the function runs inline. A full queue drops the request and
// returns ErrQueueFull; the drop is counted and visible through Dropped.
func (w *Worker) Post(fn func()) error {
	if fn == nil {
		panic("dispatch: nil function")
	}
	if w.OnOwner() {
		w.run(&request{fn: fn})
		return nil
	}
	if w.closing.Load() {
		return ErrWorkerClosed
	}
	select {
	case w.queue <- &request{fn: fn}:
		return nil
	case <-w.quit:
		return ErrWorkerClosed
	default:
		w.dropped.Add(1)
		observability.RecordWorkerDrop(w.name)
		return ErrQueueFull
	}
}

// PostContext submits fn without waiting for it to run, but unlike Post it
// waits for queue space until ctx expires. Receive paths use it to hand
// frames to the owner with bounded patience instead of dropping on the
// first full queue.
func (w *Worker) PostContext(ctx context.Context, fn func()) error {
	if fn == nil {
		panic("dispatch: nil function")
	}
	if w.OnOwner() {
		w.run(&request{fn: fn})
		return nil
	}
	if w.closing.Load() {
		return ErrWorkerClosed
	}
	select {
	case w.queue <- &request{fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrWorkerClosed
	}
}

// Invoke runs fn on the owner goroutine and blocks until it has finished or
// ctx expires. Called from the owner goroutine itself, fn runs inline and
// Invoke never touches the queue. A ctx error means only that the caller
// stopped waiting; the function may still run later.
func (w *Worker) Invoke(ctx context.Context, fn func()) error {
	if fn == nil {
		panic("dispatch: nil function")
	}
	if w.OnOwner() {
		w.run(&request{fn: fn})
		return nil
	}
	if w.closing.Load() {
		return ErrWorkerClosed
	}
	req := &request{fn: fn, done: make(chan struct{})}
	select {
	case w.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrWorkerClosed
	}
	return w.wait(ctx, req)
}

func (w *Worker) wait(ctx context.Context, req *request) error {
	select {
	case <-req.done:
		return req.err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		// Completion beats shutdown when both are ready.
		select {
		case <-req.done:
			return req.err
		default:
			return ErrWorkerClosed
		}
	}
}

// Close stops the worker after the requests already queued have run.
// Requests submitted after Close fail with ErrWorkerClosed. Close blocks
// until the goroutine has exited and is safe to call more than once; calling
// it from the owner goroutine is refused, since the loop cannot wait on
// itself.
func (w *Worker) Close() error {
	if w.OnOwner() {
		return fmt.Errorf("dispatch: worker %q cannot close itself", w.name)
	}
	w.closeOnce.Do(func() {
		w.closing.Store(true)
		w.queue <- w.poison
		<-w.quit
	})
	return nil
}
