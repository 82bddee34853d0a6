// Package reconnect tells a listener which blocks it missed while offline
// and records how far it has progressed.
package reconnect

import (
	"context"
	"sync"

	"github.com/0xmhha/chainrelay/pkg/events"
)

// Store discovers the disconnected range for a chain and persists progress.
type Store interface {
	DiscoverReconnectRange(ctx context.Context, chainLabel string) (*events.DisconnectedRange, error)
	RecordProgress(ctx context.Context, chainLabel string, block uint64) error
	Close() error
}

// rangeAfter returns the range that resumes after last. With no recorded
// progress the range is nil: nothing is known to be missed.
func rangeAfter(last uint64, found bool) *events.DisconnectedRange {
	if !found {
		return nil
	}
	return &events.DisconnectedRange{StartBlock: last + 1}
}

// Static always reports the same range and records nothing. It serves
// one-off replays of a known block span.
type Static struct {
	Range *events.DisconnectedRange
}

var _ Store = (*Static)(nil)

func (s *Static) DiscoverReconnectRange(ctx context.Context, chainLabel string) (*events.DisconnectedRange, error) {
	if s.Range == nil {
		return nil, nil
	}
	if err := s.Range.Validate(); err != nil {
		return nil, err
	}
	r := *s.Range
	return &r, nil
}

func (s *Static) RecordProgress(ctx context.Context, chainLabel string, block uint64) error {
	return nil
}

func (s *Static) Close() error { return nil }

// Memory keeps progress in process memory. Progress is lost on restart,
// so every start begins at the chain head with no catch-up.
type Memory struct {
	mu   sync.Mutex
	last map[string]uint64
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{last: make(map[string]uint64)}
}

func (m *Memory) DiscoverReconnectRange(ctx context.Context, chainLabel string) (*events.DisconnectedRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.last[chainLabel]
	return rangeAfter(last, ok), nil
}

func (m *Memory) RecordProgress(ctx context.Context, chainLabel string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if block > m.last[chainLabel] {
		m.last[chainLabel] = block
	}
	return nil
}

func (m *Memory) Close() error { return nil }
