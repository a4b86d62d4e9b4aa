package signal

import (
	"context"
	"reflect"
	"time"

	"callbus/dispatch"
)

type invokeMode uint8

const (
	modeSync invokeMode = iota
	modeAsync
	modeAsyncWait
)

// A Delegate binds a handler to an optional owning instance and an optional
// execution context. Delegates are small values meant to be copied; Connect
// stores a copy and Disconnect matches by Equal, never by address.
type Delegate[T any] struct {
	fn       func(T)
	target   uintptr
	instance any
	worker   *dispatch.Worker
	mode     invokeMode
	wait     time.Duration
}

// Bind wraps a plain function. Two Binds of the same function compare
// equal; closures created from the same literal share a code pointer and
// compare equal too, so handlers with per-value captured state should use
// BindTo with that state as the instance.
func Bind[T any](fn func(T)) Delegate[T] {
	if fn == nil {
		panic("signal: nil handler")
	}
	return Delegate[T]{fn: fn, target: reflect.ValueOf(fn).Pointer()}
}

// BindTo wraps a method value together with its receiver. The instance
// tells delegates for the same method on different receivers apart, so it
// must be comparable; a pointer receiver is the usual choice.
func BindTo[T any](instance any, fn func(T)) Delegate[T] {
	d := Bind(fn)
	d.instance = instance
	return d
}

// On returns a copy of d whose handler is posted to w instead of running on
// the invoker's goroutine. Invoke does not wait for the handler; if w's
// queue is full the invocation is dropped and counted by the worker.
func (d Delegate[T]) On(w *dispatch.Worker) Delegate[T] {
	d.worker = w
	d.mode = modeAsync
	return d
}

// OnWait is On with the invoker blocking until the handler has run on w,
// or until timeout has passed. A non-positive timeout waits forever.
func (d Delegate[T]) OnWait(w *dispatch.Worker, timeout time.Duration) Delegate[T] {
	d.worker = w
	d.mode = modeAsyncWait
	d.wait = timeout
	return d
}

// Equal reports whether two delegates name the same handler on the same
// instance. Execution context is identity-neutral: Bind(f) matches
// Bind(f).On(w), so a subscriber can disconnect without retaining the
// dispatched form.
func (d Delegate[T]) Equal(o Delegate[T]) bool {
	return d.target == o.target && d.instance == o.instance
}

func (d Delegate[T]) invoke(arg T) {
	switch d.mode {
	case modeAsync:
		_ = d.worker.Post(func() { d.fn(arg) })
	case modeAsyncWait:
		ctx := context.Background()
		if d.wait > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.wait)
			defer cancel()
		}
		_ = d.worker.Invoke(ctx, func() { d.fn(arg) })
	default:
		d.fn(arg)
	}
}
