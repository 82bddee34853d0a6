package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/0xmhha/chainrelay/pkg/broker"
	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultDedupeTTL bounds how long a handled event is remembered
const DefaultDedupeTTL = 24 * time.Hour

// DedupeStore remembers which events were already handled.
type DedupeStore interface {
	// Claim marks key as handled and reports whether it was new.
	Claim(ctx context.Context, key string) (bool, error)
	// Forget releases a claim so a later redelivery is handled again.
	Forget(ctx context.Context, key string) error
}

// DedupeKey identifies an event by block, kind, entity and log position.
func DedupeKey(ev *events.CanonicalEvent) string {
	return fmt.Sprintf("%d:%s:%s:%s:%d", ev.BlockNumber, ev.Kind, ev.EntityID(), ev.TxHash, ev.LogIndex)
}

// Idempotent wraps next so each event is handled at most once per store
// window within scope. Handlers that share a store need distinct scopes,
// usually their service and subscription, or one handler's claim hides the
// event from the others. A failed handler releases its claim so the retry
// path can run it again.
func Idempotent(store DedupeStore, scope string, next broker.Handler, logger *zap.Logger) broker.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, ev *events.CanonicalEvent) error {
		key := scope + ":" + DedupeKey(ev)

		fresh, err := store.Claim(ctx, key)
		if err != nil {
			return fmt.Errorf("dedupe claim %s: %w", key, err)
		}
		if !fresh {
			logger.Debug("duplicate event skipped",
				zap.String("kind", string(ev.Kind)),
				zap.Uint64("block", ev.BlockNumber),
				zap.String("key", key))
			return nil
		}

		if err := next(ctx, ev); err != nil {
			if ferr := store.Forget(ctx, key); ferr != nil {
				logger.Warn("failed to release dedupe claim",
					zap.String("key", key),
					zap.Error(ferr))
			}
			return err
		}
		return nil
	}
}

// MemoryDedupe is an in-process DedupeStore with per-key expiry. Expired
// keys are swept at most once per sweep interval.
type MemoryDedupe struct {
	ttl   time.Duration
	sweep time.Duration
	now   func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
}

// maxSweepInterval caps the sweep interval for long ttls.
const maxSweepInterval = time.Minute

// NewMemoryDedupe creates an in-memory store. A non-positive ttl uses
// DefaultDedupeTTL.
func NewMemoryDedupe(ttl time.Duration) *MemoryDedupe {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &MemoryDedupe{
		ttl:   ttl,
		sweep: min(ttl, maxSweepInterval),
		now:   time.Now,
		seen:  make(map[string]time.Time),
	}
}

func (m *MemoryDedupe) Claim(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, ok := m.seen[key]; ok && now.Before(expiry) {
		return false, nil
	}
	m.seen[key] = now.Add(m.ttl)
	if now.Sub(m.lastSweep) >= m.sweep {
		m.sweepLocked(now)
	}
	return true, nil
}

func (m *MemoryDedupe) Forget(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}

// Len returns the number of live claims.
func (m *MemoryDedupe) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.now())
	return len(m.seen)
}

func (m *MemoryDedupe) sweepLocked(now time.Time) {
	m.lastSweep = now
	for k, expiry := range m.seen {
		if !now.Before(expiry) {
			delete(m.seen, k)
		}
	}
}

// RedisDedupe claims keys with SET NX under {prefix}:dedupe:{key}.
type RedisDedupe struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDedupe creates a Redis-backed store. The client stays owned by
// the caller.
func NewRedisDedupe(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDedupe {
	if prefix == "" {
		prefix = "chainrelay"
	}
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDedupe{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisDedupe) key(key string) string {
	return r.prefix + ":dedupe:" + key
}

func (r *RedisDedupe) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), "1", r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

func (r *RedisDedupe) Forget(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
