package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing(_ context.Context) error { return errBoom }
func succeeding(_ context.Context) error { return nil }

func newTestBreaker(opts BreakerOpts) (*Breaker, *time.Time) {
	b := NewBreaker(opts)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b, _ := newTestBreaker(BreakerOpts{FailThreshold: 2})
	for i := 0; i < 5; i++ {
		if err := b.Call(context.Background(), succeeding); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("want closed, got %v", b.State())
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerOpts{FailThreshold: 3})
	for i := 0; i < 3; i++ {
		if err := b.Call(context.Background(), failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("want open, got %v", b.State())
	}
	if err := b.Call(context.Background(), succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker should reject: %v", err)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(BreakerOpts{FailThreshold: 2})
	_ = b.Call(context.Background(), failing)
	_ = b.Call(context.Background(), succeeding)
	_ = b.Call(context.Background(), failing)
	if b.State() != StateClosed {
		t.Fatal("non-consecutive failures must not trip")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second})
	_ = b.Call(context.Background(), failing)
	if b.State() != StateOpen {
		t.Fatal("want open")
	}

	*now = now.Add(11 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatal("want half-open after timeout")
	}
	if err := b.Call(context.Background(), succeeding); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatal("successful probe should close breaker")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second})
	_ = b.Call(context.Background(), failing)
	*now = now.Add(11 * time.Second)
	_ = b.Call(context.Background(), failing)
	if b.State() != StateOpen {
		t.Fatal("failed probe should reopen breaker")
	}
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	b, now := newTestBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Second, HalfOpenMax: 1})
	_ = b.Call(context.Background(), failing)
	*now = now.Add(2 * time.Second)

	done := make(chan struct{})
	blocked := func(_ context.Context) error { <-done; return nil }
	go func() { _ = b.Call(context.Background(), blocked) }()

	time.Sleep(10 * time.Millisecond)
	if err := b.Call(context.Background(), succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second probe should be rejected: %v", err)
	}
	close(done)
}
