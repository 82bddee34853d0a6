package reconnect

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

const prefixProgress = "/meta/progress/"

// progressKey returns the key for a chain's last processed block
// Format: /meta/progress/{chain}
func progressKey(chainLabel string) []byte {
	return []byte(prefixProgress + chainLabel)
}

// PebbleConfig holds local progress store configuration
type PebbleConfig struct {
	Path string

	// Cache is the block cache size in MB
	Cache int
}

// PebbleStore keeps progress in a local PebbleDB, for single-node
// deployments without Redis.
type PebbleStore struct {
	db     *pebble.DB
	logger *zap.Logger
	closed atomic.Bool

	// mu makes the read-compare-write in RecordProgress atomic
	mu sync.Mutex
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens (or creates) the database at cfg.Path.
func NewPebbleStore(cfg PebbleConfig, logger *zap.Logger) (*PebbleStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: pebble path cannot be empty", ErrInvalidConfiguration)
	}
	if cfg.Cache <= 0 {
		cfg.Cache = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := pebble.NewCache(int64(cfg.Cache) << 20)
	defer cache.Unref()

	db, err := pebble.Open(cfg.Path, &pebble.Options{Cache: cache})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &PebbleStore{db: db, logger: logger}, nil
}

func (s *PebbleStore) last(chainLabel string) (uint64, bool, error) {
	value, closer, err := s.db.Get(progressKey(chainLabel))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()

	if len(value) != 8 {
		return 0, false, fmt.Errorf("corrupt progress value of %d bytes", len(value))
	}
	return binary.BigEndian.Uint64(value), true, nil
}

// DiscoverReconnectRange returns the range after the recorded block, or nil
// when nothing was recorded for the chain yet.
func (s *PebbleStore) DiscoverReconnectRange(ctx context.Context, chainLabel string) (*events.DisconnectedRange, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	last, found, err := s.last(chainLabel)
	if err != nil {
		return nil, fmt.Errorf("read last block for %s: %w", chainLabel, err)
	}
	return rangeAfter(last, found), nil
}

// RecordProgress stores block if it is past the recorded one.
func (s *PebbleStore) RecordProgress(ctx context.Context, chainLabel string, block uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, found, err := s.last(chainLabel)
	if err != nil {
		return fmt.Errorf("read last block for %s: %w", chainLabel, err)
	}
	if found && block <= last {
		return nil
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], block)
	if err := s.db.Set(progressKey(chainLabel), buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("record last block for %s: %w", chainLabel, err)
	}
	s.logger.Debug("recorded progress", zap.String("chain", chainLabel), zap.Uint64("block", block))
	return nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
