// Package cache implements the two-level query-result cache: a bounded
// in-process LRU (L1) in front of a shared distributed KV store (L2).
// L2 failures trip a circuit breaker and degrade the process to L1-only
// operation rather than blocking the query path.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aurelia-labs/catalog-search/pkg/resilience"
)

// ErrMiss is returned when a key is absent from both cache levels.
var ErrMiss = errors.New("cache miss")

// KV is the distributed cache tier. Get returns the value and its
// remaining TTL; an absent or expired key yields ErrMiss.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, time.Duration, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
}

type l1entry struct {
	value     []byte
	expiresAt time.Time
}

// Opts configures a TwoLevel cache.
type Opts struct {
	// L1Size bounds the in-process LRU entry count.
	L1Size int
	// DefaultTTL caps L1 entry lifetime and is the Set default.
	DefaultTTL time.Duration
	// L2Timeout bounds each individual L2 call.
	L2Timeout time.Duration
	// Breaker gates L2 calls; nil gets a default breaker.
	Breaker *resilience.Breaker
	// Reconnect, if set, is tried once after the first hard L2 failure
	// to swap in a fallback L2 (e.g. a standby NATS URL).
	Reconnect func() (KV, error)
}

// TwoLevel is the two-level cache. Safe for concurrent use.
type TwoLevel struct {
	l1         *lru.Cache[string, l1entry]
	defaultTTL time.Duration
	l2Timeout  time.Duration
	breaker    *resilience.Breaker
	log        *slog.Logger
	now        func() time.Time

	mu             sync.Mutex
	l2             KV
	reconnect      func() (KV, error)
	reconnectTried bool
}

// NewTwoLevel creates a two-level cache over the given L2.
func NewTwoLevel(l2 KV, opts Opts, log *slog.Logger) (*TwoLevel, error) {
	if log == nil {
		log = slog.Default()
	}
	size := opts.L1Size
	if size <= 0 {
		size = 1024
	}
	l1, err := lru.New[string, l1entry](size)
	if err != nil {
		return nil, err
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	l2Timeout := opts.L2Timeout
	if l2Timeout <= 0 {
		l2Timeout = 2 * time.Second
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(resilience.DefaultBreakerOpts)
	}
	return &TwoLevel{
		l1:         l1,
		defaultTTL: ttl,
		l2Timeout:  l2Timeout,
		breaker:    breaker,
		log:        log,
		now:        time.Now,
		l2:         l2,
		reconnect:  opts.Reconnect,
	}, nil
}

// Degraded reports whether L2 is currently being skipped.
func (c *TwoLevel) Degraded() bool {
	return c.breaker.State() == resilience.StateOpen
}

// Get returns the cached value for key, checking L1 before L2. An L2 hit
// repopulates L1 with min(remaining L2 TTL, default TTL).
func (c *TwoLevel) Get(ctx context.Context, key string) ([]byte, error) {
	if entry, ok := c.l1.Get(key); ok {
		if c.now().Before(entry.expiresAt) {
			return entry.value, nil
		}
		c.l1.Remove(key)
	}

	var value []byte
	var remaining time.Duration
	err := c.l2call(ctx, func(ctx context.Context, kv KV) error {
		var err error
		value, remaining, err = kv.Get(ctx, key)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrMiss) && !errors.Is(err, resilience.ErrCircuitOpen) {
			c.log.Warn("cache: l2 get failed", "key", key, "err", err)
		}
		return nil, ErrMiss
	}

	ttl := remaining
	if ttl <= 0 || ttl > c.defaultTTL {
		ttl = c.defaultTTL
	}
	c.l1.Add(key, l1entry{value: value, expiresAt: c.now().Add(ttl)})
	return value, nil
}

// Set writes to L2 first and populates L1 only once L2 has accepted the
// write. The exception is degraded mode (breaker open): there the write
// lands in L1 only, since L2 is being skipped process-wide anyway.
func (c *TwoLevel) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	err := c.l2call(ctx, func(ctx context.Context, kv KV) error {
		return kv.SetWithTTL(ctx, key, value, ttl)
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		c.log.Warn("cache: l2 set failed, dropping write", "key", key, "err", err)
		return err
	}

	l1ttl := ttl
	if l1ttl > c.defaultTTL {
		l1ttl = c.defaultTTL
	}
	c.l1.Add(key, l1entry{value: value, expiresAt: c.now().Add(l1ttl)})
	return nil
}

// InvalidatePrefix removes every key under prefix from both levels.
// Returns the number of L2 keys removed.
func (c *TwoLevel) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	for _, key := range c.l1.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.l1.Remove(key)
		}
	}

	removed := 0
	err := c.l2call(ctx, func(ctx context.Context, kv KV) error {
		keys, err := kv.ScanPrefix(ctx, prefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := kv.Delete(ctx, key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return removed, nil
		}
		c.log.Warn("cache: l2 invalidate failed", "prefix", prefix, "err", err)
		return removed, err
	}
	return removed, nil
}

// l2call runs f against the current L2 through the breaker. ErrMiss does
// not count as a dependency failure. After the first hard failure a
// fallback reconnect is attempted once.
func (c *TwoLevel) l2call(ctx context.Context, f func(context.Context, KV) error) error {
	c.mu.Lock()
	kv := c.l2
	c.mu.Unlock()
	if kv == nil {
		return resilience.ErrCircuitOpen
	}

	ctx, cancel := context.WithTimeout(ctx, c.l2Timeout)
	defer cancel()

	var callErr error
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		callErr = f(ctx, kv)
		if errors.Is(callErr, ErrMiss) {
			return nil // a miss is a healthy answer
		}
		return callErr
	})
	if err == nil {
		return callErr // nil, or ErrMiss passed through
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return err
	}

	c.tryReconnect()
	return err
}

func (c *TwoLevel) tryReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnect == nil || c.reconnectTried {
		return
	}
	c.reconnectTried = true

	kv, err := c.reconnect()
	if err != nil {
		c.log.Error("cache: fallback l2 reconnect failed", "err", err)
		return
	}
	c.log.Info("cache: switched to fallback l2")
	c.l2 = kv
}
