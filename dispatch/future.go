package dispatch

import (
	"context"

	"callbus/observability"
)

// A Future resolves with the result of a function dispatched by Async. It
// is created resolved-or-pending by Async and cannot be reused.
type Future[R any] struct {
	val R
	req *request
}

// Done returns a channel closed when the result is available.
func (f *Future[R]) Done() <-chan struct{} { return f.req.done }

// Wait blocks until the future resolves or ctx expires. The error is
// non-nil when the dispatched function panicked, the worker shut down
// before running it, or ctx expired first.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.req.done:
		return f.val, f.req.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Call runs fn on w's goroutine and blocks for its result. On the owner
// goroutine fn runs inline. The returned error reports dispatch failures
// only; results fn wants to convey travel in R.
func Call[R any](ctx context.Context, w *Worker, fn func() R) (R, error) {
	var zero R
	if fn == nil {
		panic("dispatch: nil function")
	}
	res := new(R)
	req := &request{fn: func() { *res = fn() }, done: make(chan struct{})}
	if w.OnOwner() {
		w.run(req)
		if req.err != nil {
			return zero, req.err
		}
		return *res, nil
	}
	if w.closing.Load() {
		return zero, ErrWorkerClosed
	}
	select {
	case w.queue <- req:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-w.quit:
		return zero, ErrWorkerClosed
	}
	if err := w.wait(ctx, req); err != nil {
		return zero, err
	}
	return *res, nil
}

// Async runs fn on w's goroutine and returns a Future for its result
// without blocking. A full queue fails immediately with ErrQueueFull; in
// future mode the caller is waiting on the result, so the drop must be
// loud.
func Async[R any](w *Worker, fn func() R) (*Future[R], error) {
	if fn == nil {
		panic("dispatch: nil function")
	}
	f := &Future[R]{req: &request{done: make(chan struct{})}}
	f.req.fn = func() { f.val = fn() }
	if w.OnOwner() {
		w.run(f.req)
		return f, nil
	}
	if w.closing.Load() {
		return nil, ErrWorkerClosed
	}
	select {
	case w.queue <- f.req:
		return f, nil
	case <-w.quit:
		return nil, ErrWorkerClosed
	default:
		w.dropped.Add(1)
		observability.RecordWorkerDrop(w.name)
		return nil, ErrQueueFull
	}
}
