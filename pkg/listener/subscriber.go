package listener

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xmhha/chainrelay/pkg/chain"
	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is used when block timestamps give no usable gap
	DefaultPollInterval = 15 * time.Second

	// DefaultSampleBlocks is the number of recent block gaps sampled
	DefaultSampleBlocks = 10

	// DefaultPageSize bounds the block span of a single log query
	DefaultPageSize uint64 = 2000
)

// RawHandler receives decoded logs from the subscriber in chain order. An
// error means the log was not delivered: the tick stops there and the next
// tick starts again from that log's block.
type RawHandler func(ctx context.Context, raw *events.RawLogEvent) error

// AdvanceHook is called when a tick moves the position forward, with the
// last block whose logs were all delivered.
type AdvanceHook func(ctx context.Context, head uint64)

// SubscriberConfig holds subscriber configuration
type SubscriberConfig struct {
	ChainLabel      string
	SampleBlocks    int
	DefaultInterval time.Duration
	PageSize        uint64
}

func (c *SubscriberConfig) setDefaults() {
	if c.SampleBlocks <= 0 {
		c.SampleBlocks = DefaultSampleBlocks
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = DefaultPollInterval
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
}

// Subscriber polls the chain for new blocks and emits matching logs.
type Subscriber struct {
	client  chain.Client
	sources *chain.EventSourceMap
	cfg     SubscriberConfig
	logger  *zap.Logger
	metrics *Metrics

	onAdvance AdvanceHook

	mu       sync.Mutex
	stop     chan struct{}
	ticker   *time.Ticker
	interval time.Duration

	// pollMu serializes ticks, including a trailing tick after Unsubscribe
	pollMu     sync.Mutex
	last       atomic.Uint64
	positioned atomic.Bool
}

// NewSubscriber creates a subscriber for one chain integration.
func NewSubscriber(client chain.Client, sources *chain.EventSourceMap, cfg SubscriberConfig, logger *zap.Logger, metrics *Metrics) *Subscriber {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Subscriber{
		client:  client,
		sources: sources,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// OnAdvance registers a hook called after each tick that advanced the head.
// It must be set before Subscribe.
func (s *Subscriber) OnAdvance(hook AdvanceHook) {
	s.onAdvance = hook
}

// Subscribe estimates the poll interval and starts polling. Errors from
// the setup phase are returned; errors on individual ticks are logged and
// retried on the next tick.
func (s *Subscriber) Subscribe(ctx context.Context, onEvent RawHandler) error {
	if onEvent == nil {
		return ErrNilHandler
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return ErrAlreadySubscribed
	}

	head, err := s.client.CurrentBlock(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	interval, err := s.EstimateInterval(ctx, head)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// Resume from the last processed block when there is one
	if !s.positioned.Load() {
		s.Seek(head)
	}

	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(interval)
	s.interval = interval
	s.metrics.PollInterval.WithLabelValues(s.cfg.ChainLabel).Set(interval.Seconds())

	s.logger.Info("subscribed to chain",
		zap.String("chain", s.cfg.ChainLabel),
		zap.Uint64("from_block", s.last.Load()),
		zap.Uint64("head", head),
		zap.Duration("interval", interval))

	go s.run(ctx, s.ticker, s.stop, onEvent)
	return nil
}

// Unsubscribe stops the timer. It is a no-op when not subscribed and may
// be called any number of times. A tick already in flight still completes.
func (s *Subscriber) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(s.stop)
}

// releaseLocked tears down the timer owned by stop, if it is still current.
func (s *Subscriber) releaseLocked(stop chan struct{}) {
	if s.stop == nil || s.stop != stop {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.stop = nil
	s.ticker = nil

	s.logger.Info("unsubscribed from chain", zap.String("chain", s.cfg.ChainLabel))
}

// Subscribed reports whether the poll timer is running.
func (s *Subscriber) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// Interval returns the interval chosen by the last Subscribe.
func (s *Subscriber) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// LastBlockNumber returns the last block fully processed.
func (s *Subscriber) LastBlockNumber() uint64 {
	return s.last.Load()
}

// Seek moves the start position forward to block. It never moves backwards.
// Polling resumes at block+1.
func (s *Subscriber) Seek(block uint64) {
	defer s.positioned.Store(true)
	for {
		cur := s.last.Load()
		if block <= cur || s.last.CompareAndSwap(cur, block) {
			return
		}
	}
}

// EstimateInterval samples recent block timestamps and returns the largest
// inter-block gap, or the configured default when no gap can be measured.
func (s *Subscriber) EstimateInterval(ctx context.Context, head uint64) (time.Duration, error) {
	n := uint64(s.cfg.SampleBlocks)
	if n > head {
		n = head
	}
	if n == 0 {
		return s.cfg.DefaultInterval, nil
	}

	prev, err := s.client.BlockTimestamp(ctx, head-n)
	if err != nil {
		return 0, fmt.Errorf("sample block timestamps: %w", err)
	}

	var maxGap uint64
	for b := head - n + 1; b <= head; b++ {
		ts, err := s.client.BlockTimestamp(ctx, b)
		if err != nil {
			return 0, fmt.Errorf("sample block timestamps: %w", err)
		}
		if ts > prev && ts-prev > maxGap {
			maxGap = ts - prev
		}
		prev = ts
	}

	if maxGap == 0 {
		return s.cfg.DefaultInterval, nil
	}
	return time.Duration(maxGap) * time.Second, nil
}

func (s *Subscriber) run(ctx context.Context, ticker *time.Ticker, stop chan struct{}, onEvent RawHandler) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			s.mu.Lock()
			s.releaseLocked(stop)
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.poll(ctx, onEvent)
		}
	}
}

func (s *Subscriber) poll(ctx context.Context, onEvent RawHandler) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	label := s.cfg.ChainLabel

	head, err := s.client.CurrentBlock(ctx)
	if err != nil {
		s.metrics.PollsTotal.WithLabelValues(label, "error").Inc()
		s.logger.Warn("poll failed to read head, retrying next tick",
			zap.String("chain", label), zap.Error(err))
		return
	}

	last := s.last.Load()
	if head <= last {
		s.metrics.PollsTotal.WithLabelValues(label, "idle").Inc()
		return
	}

	logs, err := s.fetchLogs(ctx, last+1, head)
	if err != nil {
		s.metrics.PollsTotal.WithLabelValues(label, "error").Inc()
		s.logger.Warn("poll failed to fetch logs, retrying next tick",
			zap.String("chain", label),
			zap.Uint64("from_block", last+1),
			zap.Uint64("to_block", head),
			zap.Error(err))
		return
	}

	for i := range logs {
		log := &logs[i]
		if log.Removed || !s.sources.Matches(log) {
			continue
		}
		raw, err := s.sources.Decode(log)
		if err != nil {
			s.metrics.DroppedLogsTotal.WithLabelValues(label, "decode").Inc()
			s.logger.Error("failed to decode log",
				zap.String("chain", label),
				zap.Uint64("block", log.BlockNumber),
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
				zap.Error(err))
			continue
		}
		if err := onEvent(ctx, raw); err != nil {
			s.metrics.PollsTotal.WithLabelValues(label, "undelivered").Inc()
			s.logger.Warn("event not delivered, retrying from its block next tick",
				zap.String("chain", label),
				zap.Uint64("block", log.BlockNumber),
				zap.Uint("log_index", log.Index),
				zap.Uint64("head", head),
				zap.Error(err))
			s.advance(ctx, log.BlockNumber-1)
			return
		}
	}

	s.advance(ctx, head)
	s.metrics.PollsTotal.WithLabelValues(label, "ok").Inc()
}

// advance moves the position to block and runs the advance hook when that
// is past the current position.
func (s *Subscriber) advance(ctx context.Context, block uint64) {
	if block <= s.last.Load() {
		return
	}
	s.Seek(block)
	if s.onAdvance != nil {
		s.onAdvance(ctx, block)
	}
}

func (s *Subscriber) fetchLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	pages, err := SplitRange(from, to, s.cfg.PageSize)
	if err != nil {
		return nil, err
	}

	addresses := s.sources.Addresses()
	var out []types.Log
	for _, page := range pages {
		logs, err := s.client.GetLogs(ctx, page.From, page.To, addresses)
		if err != nil {
			return nil, err
		}
		out = append(out, logs...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}
