// Package listener watches a chain for known contract events and hands
// canonical events to a handler, replaying any blocks missed while offline.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xmhha/chainrelay/pkg/chain"
	"github.com/0xmhha/chainrelay/pkg/enricher"
	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Listener.
type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives canonical events in chain order. An error leaves the
// event undelivered: progress stops before its block and the event is
// offered again. Handlers return nil for events they reject permanently.
type Handler func(ctx context.Context, ev *events.CanonicalEvent) error

// ClientFactory dials the chain client during Init.
type ClientFactory func(ctx context.Context) (chain.Client, error)

// ReconnectOracle reports which blocks were missed while the process was offline.
// A nil range means nothing is known to be missed, and catch-up is skipped.
type ReconnectOracle interface {
	DiscoverReconnectRange(ctx context.Context, chainLabel string) (*events.DisconnectedRange, error)
}

// ProgressRecorder is implemented by oracles that persist the last processed block.
type ProgressRecorder interface {
	RecordProgress(ctx context.Context, chainLabel string, block uint64) error
}

// Poller is the live half of a chain integration.
type Poller interface {
	Subscribe(ctx context.Context, onEvent RawHandler) error
	Unsubscribe()
	LastBlockNumber() uint64
}

// Replayer is the historical half of a chain integration.
type Replayer interface {
	Fetch(ctx context.Context, r *events.DisconnectedRange) ([]*events.CanonicalEvent, error)
	FetchOne(ctx context.Context, id string) ([]*events.CanonicalEvent, error)
}

var (
	_ Poller   = (*Subscriber)(nil)
	_ Replayer = (*StorageFetcher)(nil)
)

// Config holds listener configuration
type Config struct {
	ChainLabel string
	Network    events.Network
	Sources    []chain.Source

	// SkipCatchup disables replaying the disconnected range on Subscribe
	SkipCatchup bool

	DefaultStartBlock   uint64
	PageSize            uint64
	SampleBlocks        int
	DefaultPollInterval time.Duration
}

// Option configures a Listener
type Option func(*Listener)

// WithMetrics sets the metrics the listener reports to.
func WithMetrics(m *Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// WithRegisterer registers fresh listener metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(l *Listener) { l.metrics = NewMetrics(reg) }
}

// Listener orchestrates one chain integration: it owns the subscriber,
// the storage fetcher and the enricher.
type Listener struct {
	cfg     Config
	dial    ClientFactory
	oracle  ReconnectOracle
	logger  *zap.Logger
	metrics *Metrics

	// mu serializes lifecycle transitions
	mu    sync.Mutex
	state atomic.Int32

	client     chain.Client
	sources    *chain.EventSourceMap
	enricher   enricher.Enricher
	subscriber *Subscriber
	fetcher    *StorageFetcher

	handler   Handler
	lastBlock atomic.Uint64
}

// New creates a listener. Nothing is dialed until Init.
func New(cfg Config, dial ClientFactory, oracle ReconnectOracle, logger *zap.Logger, opts ...Option) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Listener{
		cfg:    cfg,
		dial:   dial,
		oracle: oracle,
		logger: logger.With(zap.String("chain", cfg.ChainLabel)),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}
	return l
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Init dials the chain and builds the subscriber, fetcher and enricher.
func (l *Listener) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st := l.State(); st != StateCreated {
		return fmt.Errorf("%w: init from %s", ErrInvalidState, st)
	}
	if l.dial == nil {
		return fmt.Errorf("client factory cannot be nil")
	}
	if !l.cfg.Network.Valid() {
		return fmt.Errorf("invalid network %q", l.cfg.Network)
	}

	sources, err := chain.NewEventSourceMap(l.cfg.Sources)
	if err != nil {
		return fmt.Errorf("build event source map: %w", err)
	}

	client, err := l.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial chain client: %w", err)
	}

	l.client = client
	l.sources = sources
	l.enricher = enricher.New(l.cfg.Network)

	l.subscriber = NewSubscriber(client, sources, SubscriberConfig{
		ChainLabel:      l.cfg.ChainLabel,
		SampleBlocks:    l.cfg.SampleBlocks,
		DefaultInterval: l.cfg.DefaultPollInterval,
		PageSize:        l.cfg.PageSize,
	}, l.logger, l.metrics)
	l.subscriber.OnAdvance(l.onAdvance)

	l.fetcher = NewStorageFetcher(client, sources, l.enricher, FetcherConfig{
		ChainLabel:        l.cfg.ChainLabel,
		DefaultStartBlock: l.cfg.DefaultStartBlock,
		PageSize:          l.cfg.PageSize,
	}, l.logger, l.metrics)

	l.state.Store(int32(StateInitialized))
	l.logger.Info("listener initialized",
		zap.String("network", string(l.cfg.Network)),
		zap.Int("sources", len(l.cfg.Sources)))
	return nil
}

// Subscribe replays the disconnected range, unless catch-up is skipped, and
// then starts the live subscription. Catch-up failures are logged and do
// not prevent the live subscription; live setup failures are returned.
func (l *Listener) Subscribe(ctx context.Context, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if st := l.State(); st != StateInitialized {
		return fmt.Errorf("%w: subscribe from %s", ErrInvalidState, st)
	}
	l.handler = handler

	if !l.cfg.SkipCatchup {
		l.catchUp(ctx)
	}

	if err := l.subscriber.Subscribe(ctx, l.onRaw); err != nil {
		return err
	}

	l.state.Store(int32(StateSubscribed))
	return nil
}

// Unsubscribe stops live polling. It is a no-op unless subscribed, and the
// listener may be subscribed again afterwards.
func (l *Listener) Unsubscribe() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() != StateSubscribed {
		return
	}
	l.subscriber.Unsubscribe()
	l.state.Store(int32(StateInitialized))
}

// Close unsubscribes and releases the chain client.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.State() {
	case StateClosed:
		return
	case StateSubscribed:
		l.subscriber.Unsubscribe()
	}
	if l.client != nil {
		l.client.Close()
	}
	l.state.Store(int32(StateClosed))
}

// LastBlockNumber returns the highest block the listener dispatched or polled.
func (l *Listener) LastBlockNumber() uint64 {
	return l.lastBlock.Load()
}

// FetchOne replays every event for one entity id.
func (l *Listener) FetchOne(ctx context.Context, id string) ([]*events.CanonicalEvent, error) {
	st := l.State()
	if st != StateInitialized && st != StateSubscribed {
		return nil, fmt.Errorf("%w: fetch from %s", ErrInvalidState, st)
	}
	return l.fetcher.FetchOne(ctx, id)
}

func (l *Listener) catchUp(ctx context.Context) {
	if l.oracle == nil {
		return
	}
	start := time.Now()

	rng, err := l.oracle.DiscoverReconnectRange(ctx, l.cfg.ChainLabel)
	if err != nil {
		l.logger.Error("failed to discover reconnect range, skipping catch-up", zap.Error(err))
		return
	}
	if rng == nil {
		l.logger.Info("no reconnect range, skipping catch-up")
		return
	}

	full, err := l.fetcher.PopulateRange(ctx, rng)
	if err != nil {
		l.logger.Error("failed to populate reconnect range, skipping catch-up", zap.Error(err))
		return
	}
	if full.StartBlock > full.EndBlock {
		l.logger.Info("no blocks missed while offline", zap.Stringer("range", full))
		l.subscriber.Seek(full.StartBlock - 1)
		return
	}

	evs, err := l.fetcher.Fetch(ctx, &full)
	var unreadable *UnreadableLogsError
	if errors.As(err, &unreadable) {
		l.logger.Error("replay found unreadable logs",
			zap.Stringer("range", full),
			zap.Int("count", len(unreadable.Errs)),
			zap.Error(err))
	} else if err != nil {
		l.logger.Error("failed to replay disconnected range, skipping catch-up",
			zap.Stringer("range", full), zap.Error(err))
		return
	}

	// Live polling resumes at the first block not fully delivered
	resume := full.EndBlock + 1
	for _, ev := range evs {
		if err := l.dispatch(ctx, ev, "replay"); err != nil {
			resume = max(ev.BlockNumber, full.StartBlock)
			l.logger.Warn("replay stopped at undelivered event, live polling resumes from its block",
				zap.Stringer("range", full),
				zap.Uint64("block", ev.BlockNumber))
			break
		}
	}

	if resume > 0 {
		l.subscriber.Seek(resume - 1)
	}
	if resume > full.StartBlock {
		l.onAdvance(ctx, resume-1)
	}

	l.metrics.CatchupDuration.WithLabelValues(l.cfg.ChainLabel).Observe(time.Since(start).Seconds())
	l.logger.Info("catch-up complete",
		zap.Stringer("range", full),
		zap.Uint64("resume_block", resume),
		zap.Int("events", len(evs)),
		zap.Duration("elapsed", time.Since(start)))
}

func (l *Listener) onRaw(ctx context.Context, raw *events.RawLogEvent) error {
	ev, err := l.enricher.Enrich(raw.BlockNumber, raw.Kind, raw)
	if err != nil {
		// Enrichment is deterministic, so retrying the block cannot help
		l.metrics.DroppedLogsTotal.WithLabelValues(l.cfg.ChainLabel, "enrich").Inc()
		l.logger.Error("failed to enrich log",
			zap.String("event", raw.EventName),
			zap.String("contract", raw.ContractAddress),
			zap.Uint64("block", raw.BlockNumber),
			zap.String("tx_hash", raw.TxHash),
			zap.Error(err))
		return nil
	}
	return l.dispatch(ctx, ev, "live")
}

func (l *Listener) dispatch(ctx context.Context, ev *events.CanonicalEvent, source string) error {
	if err := l.handler(ctx, ev); err != nil {
		l.metrics.HandlerErrorsTotal.WithLabelValues(l.cfg.ChainLabel, string(ev.Kind)).Inc()
		l.logger.Error("event handler failed",
			zap.String("kind", string(ev.Kind)),
			zap.Uint64("block", ev.BlockNumber),
			zap.String("entity", ev.EntityID()),
			zap.String("tx_hash", ev.TxHash),
			zap.Any("payload", ev.Payload),
			zap.Error(err))
		return err
	}
	l.metrics.EventsTotal.WithLabelValues(l.cfg.ChainLabel, string(ev.Kind), source).Inc()
	l.observeBlock(ev.BlockNumber)
	return nil
}

func (l *Listener) onAdvance(ctx context.Context, head uint64) {
	l.observeBlock(head)

	rec, ok := l.oracle.(ProgressRecorder)
	if !ok {
		return
	}
	if err := rec.RecordProgress(ctx, l.cfg.ChainLabel, head); err != nil {
		l.logger.Warn("failed to record progress", zap.Uint64("block", head), zap.Error(err))
	}
}

func (l *Listener) observeBlock(block uint64) {
	for {
		cur := l.lastBlock.Load()
		if block <= cur {
			return
		}
		if l.lastBlock.CompareAndSwap(cur, block) {
			l.metrics.LastBlock.WithLabelValues(l.cfg.ChainLabel).Set(float64(block))
			return
		}
	}
}
