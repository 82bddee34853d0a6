package reconnect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultKeyPrefix namespaces every key written by the relay
const DefaultKeyPrefix = "chainrelay"

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addresses    []string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// NewRedisClient builds a client from cfg. A single address gives a
// standalone client, several give a cluster client. Nothing is dialed until
// the first command.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("%w: no Redis addresses configured", ErrInvalidConfiguration)
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}), nil
}

// recordMax stores ARGV[1] only when it is greater than the stored value,
// so concurrent writers can never move progress backwards.
var recordMax = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local next = tonumber(ARGV[1])
if next > cur then
  redis.call("SET", KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// RedisStore keeps the last processed block per chain in Redis under
// {prefix}:last_block:{chain}.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
	logger *zap.Logger
	closed atomic.Bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. The client stays owned by the
// caller and is not closed by Close.
func NewRedisStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

// OpenRedisStore creates a client from cfg, checks it answers and returns a
// store that owns it.
func OpenRedisStore(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewRedisStore(client, cfg.KeyPrefix, logger)
	s.owned = true
	return s, nil
}

func (s *RedisStore) key(chainLabel string) string {
	return fmt.Sprintf("%s:last_block:%s", s.prefix, chainLabel)
}

// DiscoverReconnectRange returns the range after the recorded block, or nil
// when nothing was recorded for the chain yet.
func (s *RedisStore) DiscoverReconnectRange(ctx context.Context, chainLabel string) (*events.DisconnectedRange, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	val, err := s.client.Get(ctx, s.key(chainLabel)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last block for %s: %w", chainLabel, err)
	}

	last, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt last block for %s: %q: %w", chainLabel, val, err)
	}
	return rangeAfter(last, true), nil
}

// RecordProgress stores block if it is past the recorded one.
func (s *RedisStore) RecordProgress(ctx context.Context, chainLabel string, block uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	updated, err := recordMax.Run(ctx, s.client, []string{s.key(chainLabel)}, strconv.FormatUint(block, 10)).Int()
	if err != nil {
		return fmt.Errorf("record last block for %s: %w", chainLabel, err)
	}
	if updated == 1 {
		s.logger.Debug("recorded progress", zap.String("chain", chainLabel), zap.Uint64("block", block))
	}
	return nil
}

// Close releases the client when the store owns it.
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) || !s.owned {
		return nil
	}
	return s.client.Close()
}
