package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Inbound is one received packet on its way to an endpoint invoker.
type Inbound struct {
	ID      uint16
	SeqNum  uint16
	Payload []byte
}

// HandlerFunc consumes an inbound packet on the owner goroutine.
type HandlerFunc func(ctx context.Context, in *Inbound) error

// Middleware wraps a HandlerFunc with extra behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// LoggingMiddleware logs every dispatched packet with its handling time.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in *Inbound) error {
			start := time.Now()
			err := next(ctx, in)
			evt := logger.Debug()
			if err != nil {
				evt = logger.Warn().Err(err)
			}
			evt.Uint16("id", in.ID).
				Uint16("seq", in.SeqNum).
				Int("bytes", len(in.Payload)).
				Dur("took", time.Since(start)).
				Msg("dispatched inbound packet")
			return err
		}
	}
}

// RecoveryMiddleware converts an invoker panic into an error so one bad
// handler cannot take down the dispatch of later frames.
func RecoveryMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in *Inbound) (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("engine: invoker for id %d panicked: %v", in.ID, p)
					logger.Error().
						Uint16("id", in.ID).
						Uint16("seq", in.SeqNum).
						Interface("panic", p).
						Msg("recovered invoker panic")
				}
			}()
			return next(ctx, in)
		}
	}
}

// RateLimitMiddleware drops inbound packets beyond a token-bucket budget.
// Shedding happens after the frame was auto-acknowledged, so a shed packet
// is not retried by the sender; this limiter protects the receiving
// process, it does not defer work.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in *Inbound) error {
			if !limiter.Allow() {
				return fmt.Errorf("engine: rate limit exceeded for id %d", in.ID)
			}
			return next(ctx, in)
		}
	}
}
