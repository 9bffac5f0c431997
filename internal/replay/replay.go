// Package replay implements the sliding-window replay cache used by the
// wire codec (correlation_id). Operator command nonces are tracked
// separately by operator.NonceStore.
// Grounded on internal/net/ratelimit/limiter.go's per-key lazy map, with
// a redis/go-redis/v9-backed implementation added for multi-process
// deployments sharing one replay window (spec §4.A, §4.J).
package replay

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the interface both backends implement; codec.ReplayChecker
// is a structural subset of this so either can be injected directly.
type Store interface {
	SeenRecently(key string, window time.Duration) (bool, error)
	Remember(key string, window time.Duration) error
}

// MemoryStore is the default, single-process replay cache.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]time.Time)}
}

func (m *MemoryStore) SeenRecently(key string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(window)
	ts, ok := m.seen[key]
	if !ok {
		return false, nil
	}
	return time.Since(ts) <= window, nil
}

func (m *MemoryStore) Remember(key string, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[key] = time.Now()
	m.evict(window)
	return nil
}

// evict drops entries older than window. Caller holds m.mu.
func (m *MemoryStore) evict(window time.Duration) {
	cutoff := time.Now().Add(-window)
	for k, ts := range m.seen {
		if ts.Before(cutoff) {
			delete(m.seen, k)
		}
	}
}

// RedisStore shares the replay window across processes via
// EXISTS checks and SET key with a window-long expiry, mirroring the teacher's other "real
// backend vs stub" split (internal/stream's KafkaBus vs StubBus).
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(addr, prefix string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

func (r *RedisStore) SeenRecently(key string, window time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisStore) Remember(key string, window time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.client.Set(ctx, r.prefix+key, "1", window).Err()
}

// Close releases the underlying redis connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
