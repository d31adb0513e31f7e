package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aurelia-labs/catalog-search/pkg/resilience"
)

type fakeEntry struct {
	value     []byte
	remaining time.Duration
}

type fakeKV struct {
	mu   sync.Mutex
	data map[string]fakeEntry
	err  error // returned from every call when set
	sets int
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]fakeEntry)}
}

func (f *fakeKV) Get(_ context.Context, key string) ([]byte, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, 0, f.err
	}
	e, ok := f.data[key]
	if !ok {
		return nil, 0, ErrMiss
	}
	return e.value, e.remaining, nil
}

func (f *fakeKV) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sets++
	f.data[key] = fakeEntry{value: value, remaining: ttl}
	return nil
}

func (f *fakeKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	delete(f.data, key)
	return nil
}

func (f *fakeKV) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var keys []string
	for k := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeKV) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func newTestCache(t *testing.T, l2 KV, opts Opts) *TwoLevel {
	t.Helper()
	c, err := NewTwoLevel(l2, opts, nil)
	if err != nil {
		t.Fatalf("NewTwoLevel: %v", err)
	}
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	kv := newFakeKV()
	c := newTestCache(t, kv, Opts{})

	ctx := context.Background()
	if err := c.Set(ctx, "search.product.abc", []byte(`{"hits":1}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := c.Get(ctx, "search.product.abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"hits":1}` {
		t.Fatalf("got %q", got)
	}
	if kv.sets != 1 {
		t.Fatalf("expected one L2 write, got %d", kv.sets)
	}
}

func TestGetMissBothLevels(t *testing.T) {
	c := newTestCache(t, newFakeKV(), Opts{})
	if _, err := c.Get(context.Background(), "nope"); !errors.Is(err, ErrMiss) {
		t.Fatalf("want ErrMiss, got %v", err)
	}
}

func TestL2HitRepopulatesL1(t *testing.T) {
	kv := newFakeKV()
	kv.data["k"] = fakeEntry{value: []byte("v"), remaining: 30 * time.Second}
	c := newTestCache(t, kv, Opts{DefaultTTL: time.Minute})

	if _, err := c.Get(context.Background(), "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Cut L2 off; a second read must be served from L1.
	kv.fail(errors.New("down"))
	got, err := c.Get(context.Background(), "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("L1 read after L2 loss: %q, %v", got, err)
	}
}

func TestL1EntryExpires(t *testing.T) {
	kv := newFakeKV()
	c := newTestCache(t, kv, Opts{DefaultTTL: time.Minute})

	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	delete(kv.data, "k") // leave only the L1 copy

	base := time.Now()
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expired L1 entry should miss, got %v", err)
	}
}

func TestL1TTLCappedByDefault(t *testing.T) {
	kv := newFakeKV()
	kv.data["k"] = fakeEntry{value: []byte("v"), remaining: time.Hour}
	c := newTestCache(t, kv, Opts{DefaultTTL: time.Minute})

	ctx := context.Background()
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	delete(kv.data, "k")

	base := time.Now()
	c.now = func() time.Time { return base.Add(90 * time.Second) }
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatal("L1 lifetime must be capped at the default TTL")
	}
}

func TestSetSkipsL1WhenL2RejectsWrite(t *testing.T) {
	kv := newFakeKV()
	kv.fail(errors.New("down"))
	c := newTestCache(t, kv, Opts{})

	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err == nil {
		t.Fatal("a rejected L2 write must surface")
	}
	if _, ok := c.l1.Get("k"); ok {
		t.Fatal("L1 must not hold a value L2 never accepted")
	}
}

func TestSetInDegradedModeLandsInL1(t *testing.T) {
	kv := newFakeKV()
	kv.fail(errors.New("down"))
	breaker := resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 1, Timeout: time.Hour})
	c := newTestCache(t, kv, Opts{Breaker: breaker})

	ctx := context.Background()
	_, _ = c.Get(ctx, "warm") // trips the breaker
	if !c.Degraded() {
		t.Fatal("breaker should be open")
	}

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set in degraded mode: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("degraded L1 read: %q, %v", got, err)
	}
}

// deadlineKV records whether L2 calls arrive with a deadline attached.
type deadlineKV struct {
	*fakeKV
	sawDeadline bool
}

func (d *deadlineKV) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	_, d.sawDeadline = ctx.Deadline()
	return d.fakeKV.Get(ctx, key)
}

func TestL2CallsCarryDeadline(t *testing.T) {
	kv := &deadlineKV{fakeKV: newFakeKV()}
	c := newTestCache(t, kv, Opts{})

	_, _ = c.Get(context.Background(), "k")
	if !kv.sawDeadline {
		t.Fatal("every L2 call must run under a deadline")
	}
}

func TestInvalidatePrefixBothLevels(t *testing.T) {
	kv := newFakeKV()
	c := newTestCache(t, kv, Opts{})

	ctx := context.Background()
	for _, k := range []string{"search.product.a", "search.product.b", "other.x"} {
		if err := c.Set(ctx, k, []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	removed, err := c.InvalidatePrefix(ctx, "search.product.")
	if err != nil {
		t.Fatalf("InvalidatePrefix: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	if _, err := c.Get(ctx, "search.product.a"); !errors.Is(err, ErrMiss) {
		t.Fatal("invalidated key still readable")
	}
	if _, err := c.Get(ctx, "other.x"); err != nil {
		t.Fatalf("unrelated key lost: %v", err)
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	kv := newFakeKV()
	kv.fail(errors.New("down"))
	breaker := resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Hour})
	c := newTestCache(t, kv, Opts{Breaker: breaker})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = c.Get(ctx, "k")
	}
	if !c.Degraded() {
		t.Fatal("cache should report degraded after breaker trips")
	}

	// Degraded mode still serves L1.
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set in degraded mode: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("degraded L1 read: %q, %v", got, err)
	}
}

func TestMissDoesNotTripBreaker(t *testing.T) {
	breaker := resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Hour})
	c := newTestCache(t, newFakeKV(), Opts{Breaker: breaker})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := c.Get(ctx, "absent"); !errors.Is(err, ErrMiss) {
			t.Fatalf("want ErrMiss, got %v", err)
		}
	}
	if c.Degraded() {
		t.Fatal("misses must not count as dependency failures")
	}
}

func TestReconnectSwapsFallbackOnce(t *testing.T) {
	bad := newFakeKV()
	bad.fail(errors.New("primary down"))
	good := newFakeKV()
	good.data["k"] = fakeEntry{value: []byte("v"), remaining: time.Minute}

	calls := 0
	c := newTestCache(t, bad, Opts{Reconnect: func() (KV, error) {
		calls++
		return good, nil
	}})

	ctx := context.Background()
	_, _ = c.Get(ctx, "k") // first hard failure triggers the swap

	got, err := c.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("fallback read: %q, %v", got, err)
	}
	if calls != 1 {
		t.Fatalf("reconnect calls = %d, want 1", calls)
	}
}

func TestReconnectNotRetriedAfterFailure(t *testing.T) {
	bad := newFakeKV()
	bad.fail(errors.New("down"))

	calls := 0
	c := newTestCache(t, bad, Opts{Reconnect: func() (KV, error) {
		calls++
		return nil, errors.New("fallback down too")
	}})

	ctx := context.Background()
	_, _ = c.Get(ctx, "a")
	_, _ = c.Get(ctx, "b")
	if calls != 1 {
		t.Fatalf("reconnect calls = %d, want 1", calls)
	}
}
