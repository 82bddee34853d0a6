package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/0xmhha/chainrelay/internal/testutil"
	"github.com/0xmhha/chainrelay/pkg/chain"
	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/0xmhha/chainrelay/pkg/reconnect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeOracle struct {
	mu       sync.Mutex
	rng      *events.DisconnectedRange
	err      error
	recorded []uint64
}

func (o *fakeOracle) DiscoverReconnectRange(ctx context.Context, chainLabel string) (*events.DisconnectedRange, error) {
	return o.rng, o.err
}

func (o *fakeOracle) RecordProgress(ctx context.Context, chainLabel string, block uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recorded = append(o.recorded, block)
	return nil
}

var errRejected = errors.New("downstream rejected")

// collector records every event it is offered. It rejects events at
// failBlock while failures remain.
type collector struct {
	mu        sync.Mutex
	events    []*events.CanonicalEvent
	failBlock uint64
	failures  int
}

func (c *collector) handle(ctx context.Context, ev *events.CanonicalEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	if c.failures > 0 && ev.BlockNumber == c.failBlock {
		c.failures--
		return errRejected
	}
	return nil
}

func (c *collector) blocks() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.BlockNumber)
	}
	return out
}

func newTestListener(t *testing.T, client *fakeClient, oracle ReconnectOracle, skipCatchup bool) *Listener {
	t.Helper()
	for b := uint64(0); b <= 200; b++ {
		client.timestamps[b] = b * 3600
	}
	cfg := Config{
		ChainLabel:        "test",
		Network:           events.NetworkLocal,
		Sources:           []chain.Source{{Address: tokenAddr, Contract: chain.ContractERC20}},
		SkipCatchup:       skipCatchup,
		DefaultStartBlock: 1,
		PageSize:          10,
	}
	dial := func(ctx context.Context) (chain.Client, error) { return client, nil }
	return New(cfg, dial, oracle, testutil.NewTestLogger(t))
}

func TestListener_StateTransitions(t *testing.T) {
	client := newFakeClient(50)
	l := newTestListener(t, client, nil, true)
	ctx := context.Background()
	c := &collector{}

	assert.Equal(t, StateCreated, l.State())
	assert.ErrorIs(t, l.Subscribe(ctx, c.handle), ErrInvalidState)
	_, err := l.FetchOne(ctx, "x")
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, l.Init(ctx))
	assert.Equal(t, StateInitialized, l.State())
	assert.ErrorIs(t, l.Init(ctx), ErrInvalidState)

	assert.ErrorIs(t, l.Subscribe(ctx, nil), ErrNilHandler)
	require.NoError(t, l.Subscribe(ctx, c.handle))
	assert.Equal(t, StateSubscribed, l.State())
	assert.ErrorIs(t, l.Subscribe(ctx, c.handle), ErrInvalidState)

	l.Unsubscribe()
	l.Unsubscribe()
	assert.Equal(t, StateInitialized, l.State())

	require.NoError(t, l.Subscribe(ctx, c.handle))
	l.Close()
	l.Close()
	assert.Equal(t, StateClosed, l.State())
	assert.True(t, client.closed)
}

func TestListener_InitErrors(t *testing.T) {
	ctx := context.Background()

	l := New(Config{Network: events.NetworkLocal, Sources: []chain.Source{{Address: tokenAddr, Contract: chain.ContractERC20}}},
		func(ctx context.Context) (chain.Client, error) { return nil, errRPC }, nil, nil)
	assert.ErrorIs(t, l.Init(ctx), errRPC)
	assert.Equal(t, StateCreated, l.State())

	l = New(Config{Network: events.NetworkLocal},
		func(ctx context.Context) (chain.Client, error) { return newFakeClient(0), nil }, nil, nil)
	assert.ErrorIs(t, l.Init(ctx), chain.ErrNoSources)

	l = New(Config{Network: "Mars", Sources: []chain.Source{{Address: tokenAddr, Contract: chain.ContractERC20}}},
		func(ctx context.Context) (chain.Client, error) { return newFakeClient(0), nil }, nil, nil)
	assert.Error(t, l.Init(ctx))
}

func TestListener_CatchUpThenLive(t *testing.T) {
	client := newFakeClient(40)
	client.addLogs(
		transferLog(t, 35, 0, 3),
		transferLog(t, 12, 0, 1),
		transferLog(t, 25, 4, 2),
		transferLog(t, 5, 0, 0),
	)
	oracle := &fakeOracle{rng: &events.DisconnectedRange{StartBlock: 10}}
	l := newTestListener(t, client, oracle, false)
	ctx := context.Background()
	c := &collector{}

	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx, c.handle))
	defer l.Unsubscribe()

	assert.Equal(t, []uint64{12, 25, 35}, c.blocks())
	assert.Equal(t, uint64(40), l.LastBlockNumber())
	assert.Equal(t, []uint64{40}, oracle.recorded)

	// the live subscription picks up after the replayed range
	client.addLogs(transferLog(t, 41, 0, 4))
	client.setHead(42)
	l.subscriber.poll(ctx, l.onRaw)

	assert.Equal(t, []uint64{12, 25, 35, 41}, c.blocks())
	assert.Equal(t, uint64(42), l.LastBlockNumber())
	assert.Equal(t, []uint64{40, 42}, oracle.recorded)
}

func TestListener_CatchUpFailureIsSkipped(t *testing.T) {
	client := newFakeClient(40)
	client.addLogs(transferLog(t, 12, 0, 1))
	oracle := &fakeOracle{err: errors.New("store down")}
	l := newTestListener(t, client, oracle, false)
	ctx := context.Background()
	c := &collector{}

	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx, c.handle))
	defer l.Unsubscribe()

	assert.Empty(t, c.blocks())
	assert.Equal(t, StateSubscribed, l.State())

	client.queryErr = errRPC
	l.Unsubscribe()
	oracle.err = nil
	oracle.rng = &events.DisconnectedRange{StartBlock: 10}
	require.NoError(t, l.Subscribe(ctx, c.handle))
	assert.Empty(t, c.blocks())
	assert.NotZero(t, client.queries)
	assert.Empty(t, oracle.recorded)
}

func TestListener_SkipCatchup(t *testing.T) {
	client := newFakeClient(40)
	client.addLogs(transferLog(t, 12, 0, 1))
	oracle := &fakeOracle{}
	l := newTestListener(t, client, oracle, true)
	ctx := context.Background()
	c := &collector{}

	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx, c.handle))
	defer l.Unsubscribe()

	assert.Empty(t, c.blocks())
	assert.Zero(t, client.queries)
}

func TestListener_CatchUpRanges(t *testing.T) {
	tests := []struct {
		name         string
		rng          *events.DisconnectedRange
		failBlock    uint64
		wantBlocks   []uint64
		wantQueries  bool
		wantRecorded []uint64
		wantPosition uint64
	}{
		{
			name:         "nil range skips catch-up",
			rng:          nil,
			wantBlocks:   []uint64{},
			wantRecorded: nil,
			wantPosition: 40,
		},
		{
			name:         "restart with nothing missed",
			rng:          &events.DisconnectedRange{StartBlock: 41},
			wantBlocks:   []uint64{},
			wantRecorded: nil,
			wantPosition: 40,
		},
		{
			name:         "undelivered event holds progress before its block",
			rng:          &events.DisconnectedRange{StartBlock: 10},
			failBlock:    25,
			wantBlocks:   []uint64{12, 25},
			wantQueries:  true,
			wantRecorded: []uint64{24},
			wantPosition: 24,
		},
		{
			name:         "undelivered first block records nothing",
			rng:          &events.DisconnectedRange{StartBlock: 12},
			failBlock:    12,
			wantBlocks:   []uint64{12},
			wantQueries:  true,
			wantRecorded: nil,
			wantPosition: 11,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient(40)
			client.addLogs(transferLog(t, 12, 0, 1), transferLog(t, 25, 0, 2), transferLog(t, 35, 0, 3))
			oracle := &fakeOracle{rng: tt.rng}

			core, logs := observer.New(zapcore.InfoLevel)
			l := newTestListener(t, client, oracle, false)
			l.logger = zap.New(core)

			ctx := context.Background()
			c := &collector{failBlock: tt.failBlock, failures: 1}

			require.NoError(t, l.Init(ctx))
			require.NoError(t, l.Subscribe(ctx, c.handle))
			defer l.Unsubscribe()

			assert.Equal(t, tt.wantBlocks, c.blocks())
			assert.Equal(t, tt.wantQueries, client.queries > 0)
			assert.Equal(t, tt.wantRecorded, oracle.recorded)
			assert.Equal(t, tt.wantPosition, l.subscriber.LastBlockNumber())
			assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).FilterMessageSnippet("replay").Len())
		})
	}
}

func TestListener_UndeliveredReplayResumesLive(t *testing.T) {
	client := newFakeClient(40)
	client.addLogs(transferLog(t, 12, 0, 1), transferLog(t, 25, 0, 2), transferLog(t, 35, 0, 3))
	oracle := &fakeOracle{rng: &events.DisconnectedRange{StartBlock: 10}}
	l := newTestListener(t, client, oracle, false)
	ctx := context.Background()
	c := &collector{failBlock: 25, failures: 1}

	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx, c.handle))
	defer l.Unsubscribe()

	l.subscriber.poll(ctx, l.onRaw)

	assert.Equal(t, []uint64{12, 25, 25, 35}, c.blocks())
	assert.Equal(t, []uint64{24, 40}, oracle.recorded)
}

func TestListener_UndeliveredLiveEventIsNotRecorded(t *testing.T) {
	client := newFakeClient(100)
	mem := reconnect.NewMemory()
	l := newTestListener(t, client, mem, false)
	ctx := context.Background()
	c := &collector{failBlock: 105, failures: 1}

	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx, c.handle))
	defer l.Unsubscribe()
	assert.Zero(t, client.queries)

	client.addLogs(transferLog(t, 105, 0, 1))
	client.setHead(110)
	l.subscriber.poll(ctx, l.onRaw)

	rng, err := mem.DiscoverReconnectRange(ctx, "test")
	require.NoError(t, err)
	require.NotNil(t, rng)
	assert.Equal(t, uint64(105), rng.StartBlock)

	// a restart at this point would replay from the undelivered block
	l.subscriber.poll(ctx, l.onRaw)
	assert.Equal(t, []uint64{105, 105}, c.blocks())

	rng, err = mem.DiscoverReconnectRange(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, uint64(111), rng.StartBlock)
}

func TestListener_ReplaySkipsUnreadableLogs(t *testing.T) {
	client := newFakeClient(40)
	broken := transferLog(t, 20, 0, 2)
	broken.Data = nil
	client.addLogs(transferLog(t, 12, 0, 1), broken, transferLog(t, 35, 0, 3))
	oracle := &fakeOracle{rng: &events.DisconnectedRange{StartBlock: 10}}

	core, logs := observer.New(zapcore.InfoLevel)
	l := newTestListener(t, client, oracle, false)
	l.logger = zap.New(core)
	ctx := context.Background()
	c := &collector{}

	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx, c.handle))
	defer l.Unsubscribe()

	assert.Equal(t, []uint64{12, 35}, c.blocks())
	assert.Equal(t, []uint64{40}, oracle.recorded)
	assert.Equal(t, 1, logs.FilterMessage("replay found unreadable logs").Len())
}

func TestListener_ContextCancelStopsPolling(t *testing.T) {
	client := newFakeClient(30)
	l := newTestListener(t, client, nil, true)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx, (&collector{}).handle))
	cancel()

	assert.Eventually(t, func() bool { return !l.subscriber.Subscribed() }, time.Second, 10*time.Millisecond)
	l.Close()
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "subscribed", StateSubscribed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
