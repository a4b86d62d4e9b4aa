package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// okHandler stands in for endpoint dispatch: accepts everything.
func okHandler(ctx context.Context, in *Inbound) error { return nil }

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, in *Inbound) error {
				order = append(order, name+".before")
				err := next(ctx, in)
				order = append(order, name+".after")
				return err
			}
		}
	}

	handler := Chain(tag("A"), tag("B"))(func(ctx context.Context, in *Inbound) error {
		order = append(order, "handler")
		return nil
	})
	if err := handler(context.Background(), &Inbound{ID: 1}); err != nil {
		t.Fatalf("handler: %v", err)
	}

	want := []string{"A.before", "B.before", "handler", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestLoggingPassesResultThrough(t *testing.T) {
	handler := LoggingMiddleware(zerolog.Nop())(okHandler)
	if err := handler(context.Background(), &Inbound{ID: 2}); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}

	boom := errors.New("boom")
	handler = LoggingMiddleware(zerolog.Nop())(func(ctx context.Context, in *Inbound) error {
		return boom
	})
	if err := handler(context.Background(), &Inbound{ID: 2}); !errors.Is(err, boom) {
		t.Fatalf("expect boom, got %v", err)
	}
}

func TestRecoveryTurnsPanicIntoError(t *testing.T) {
	handler := RecoveryMiddleware(zerolog.Nop())(func(ctx context.Context, in *Inbound) error {
		panic("bad invoker")
	})
	err := handler(context.Background(), &Inbound{ID: 3})
	if err == nil || !strings.Contains(err.Error(), "bad invoker") {
		t.Fatalf("expect wrapped panic, got %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: first 2 pass immediately, third is shed
	handler := RateLimitMiddleware(1, 2)(okHandler)
	in := &Inbound{ID: 4}

	for i := 0; i < 2; i++ {
		if err := handler(context.Background(), in); err != nil {
			t.Fatalf("packet %d should pass, got error: %v", i, err)
		}
	}
	if err := handler(context.Background(), in); err == nil {
		t.Fatal("packet 3 should be rate limited")
	}
}
