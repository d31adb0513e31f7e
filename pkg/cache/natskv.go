package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// NatsKV implements KV on a NATS JetStream KeyValue bucket. KV buckets
// expire per bucket, not per key, so each value carries its own deadline
// in an envelope and expires lazily on read; the bucket TTL is the
// garbage-collection backstop.
type NatsKV struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

// NewNatsKV wraps a JetStream KV bucket.
func NewNatsKV(kv jetstream.KeyValue) *NatsKV {
	return &NatsKV{kv: kv, now: time.Now}
}

type envelope struct {
	ExpiresAt int64  `json:"exp"` // unix nanos
	Value     []byte `json:"val"`
}

func (n *NatsKV) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	entry, err := n.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, ErrMiss
		}
		return nil, 0, fmt.Errorf("natskv: get %s: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return nil, 0, fmt.Errorf("natskv: decode %s: %w", key, err)
	}

	remaining := time.Unix(0, env.ExpiresAt).Sub(n.now())
	if remaining <= 0 {
		_ = n.kv.Delete(ctx, key) // lazy expiry; bucket TTL is the backstop
		return nil, 0, ErrMiss
	}
	return env.Value, remaining, nil
}

func (n *NatsKV) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	data, err := json.Marshal(envelope{
		ExpiresAt: n.now().Add(ttl).UnixNano(),
		Value:     value,
	})
	if err != nil {
		return fmt.Errorf("natskv: encode %s: %w", key, err)
	}
	if _, err := n.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("natskv: put %s: %w", key, err)
	}
	return nil
}

func (n *NatsKV) Delete(ctx context.Context, key string) error {
	err := n.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("natskv: delete %s: %w", key, err)
	}
	return nil
}

func (n *NatsKV) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("natskv: keys: %w", err)
	}

	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
