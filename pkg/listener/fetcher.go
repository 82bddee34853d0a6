package listener

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/0xmhha/chainrelay/pkg/chain"
	"github.com/0xmhha/chainrelay/pkg/enricher"
	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// FetcherConfig holds storage fetcher configuration
type FetcherConfig struct {
	ChainLabel string

	// DefaultStartBlock is used when a range has no start, typically the
	// deployment block of the oldest watched contract
	DefaultStartBlock uint64

	PageSize uint64
}

// StorageFetcher replays historical logs over a block range.
type StorageFetcher struct {
	client   chain.Client
	sources  *chain.EventSourceMap
	enricher enricher.Enricher
	cfg      FetcherConfig
	logger   *zap.Logger
	metrics  *Metrics
}

// NewStorageFetcher creates a fetcher over the given sources.
func NewStorageFetcher(client chain.Client, sources *chain.EventSourceMap, e enricher.Enricher, cfg FetcherConfig, logger *zap.Logger, metrics *Metrics) *StorageFetcher {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &StorageFetcher{
		client:   client,
		sources:  sources,
		enricher: e,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// PopulateRange fills unset ends of r: a missing start becomes the default
// start block and a missing end becomes the current head. A nil range
// spans the default start block to the head.
func (f *StorageFetcher) PopulateRange(ctx context.Context, r *events.DisconnectedRange) (events.DisconnectedRange, error) {
	if err := r.Validate(); err != nil {
		return events.DisconnectedRange{}, err
	}

	out := events.DisconnectedRange{StartBlock: f.cfg.DefaultStartBlock}
	if r != nil {
		out = *r
		if out.StartBlock == 0 {
			out.StartBlock = f.cfg.DefaultStartBlock
		}
	}

	if out.EndBlock == 0 {
		head, err := f.client.CurrentBlock(ctx)
		if err != nil {
			return events.DisconnectedRange{}, err
		}
		out.EndBlock = head
	}
	return out, nil
}

// Fetch returns every known event in the range, sorted ascending by block
// number and log index. A failed query aborts the whole fetch and returns no
// events. Logs that match a source but cannot be read do not abort it: the
// readable events come back with an *UnreadableLogsError naming the rest.
func (f *StorageFetcher) Fetch(ctx context.Context, r *events.DisconnectedRange) ([]*events.CanonicalEvent, error) {
	rng, err := f.PopulateRange(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("%w: populate range: %w", ErrFetchFailed, err)
	}
	if rng.StartBlock > rng.EndBlock {
		return nil, nil
	}

	pages, err := SplitRange(rng.StartBlock, rng.EndBlock, f.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	var (
		out        []*events.CanonicalEvent
		unreadable []error
	)
	for _, src := range f.sources.Events() {
		for _, page := range pages {
			logs, err := f.client.QueryFilter(ctx, src.Address, src.Topic0, page.From, page.To)
			if err != nil {
				return nil, fmt.Errorf("%w: %s on %s [%d, %d]: %w",
					ErrFetchFailed, src.Name, src.Address.Hex(), page.From, page.To, err)
			}

			for i := range logs {
				if logs[i].Removed {
					continue
				}
				ev, err := f.enrich(&logs[i], src)
				if err != nil {
					unreadable = append(unreadable, err)
					continue
				}
				out = append(out, ev)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})

	f.logger.Debug("fetched disconnected range",
		zap.String("chain", f.cfg.ChainLabel),
		zap.Stringer("range", rng),
		zap.Int("events", len(out)),
		zap.Int("unreadable", len(unreadable)))

	if len(unreadable) > 0 {
		return out, &UnreadableLogsError{Errs: unreadable}
	}
	return out, nil
}

// FetchOne returns every event in the default range whose entity id is id.
// It scans the whole range; replays are rare and bounded so this is not
// optimized, and the result is not capped. Unreadable logs are reported the
// same way as by Fetch.
func (f *StorageFetcher) FetchOne(ctx context.Context, id string) ([]*events.CanonicalEvent, error) {
	all, err := f.Fetch(ctx, nil)
	var unreadable *UnreadableLogsError
	if err != nil && !errors.As(err, &unreadable) {
		return nil, err
	}

	var out []*events.CanonicalEvent
	for _, ev := range all {
		if ev.EntityID() == id {
			out = append(out, ev)
		}
	}
	return out, err
}

// enrich converts one historical log. Logs that cannot be decoded or
// enriched will never succeed on retry; the error identifies the log.
func (f *StorageFetcher) enrich(log *types.Log, src chain.SourceEvent) (*events.CanonicalEvent, error) {
	raw, err := f.sources.Decode(log)
	if err == nil {
		var ev *events.CanonicalEvent
		ev, err = f.enricher.Enrich(raw.BlockNumber, src.Kind, raw)
		if err == nil {
			return ev, nil
		}
	}

	f.metrics.DroppedLogsTotal.WithLabelValues(f.cfg.ChainLabel, "replay").Inc()
	f.logger.Error("unreadable historical log",
		zap.String("chain", f.cfg.ChainLabel),
		zap.String("event", src.Name),
		zap.Uint64("block", log.BlockNumber),
		zap.String("tx_hash", log.TxHash.Hex()),
		zap.Uint("log_index", log.Index),
		zap.Error(err))
	return nil, fmt.Errorf("%w: %s at block %d tx %s index %d: %w",
		ErrUnreadableLog, src.Name, log.BlockNumber, log.TxHash.Hex(), log.Index, err)
}
