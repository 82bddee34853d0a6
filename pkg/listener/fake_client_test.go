package listener

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/0xmhha/chainrelay/internal/testutil"
	"github.com/0xmhha/chainrelay/pkg/chain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

var (
	errRPC = errors.New("rpc unavailable")

	tokenAddr = testutil.Address(0x200)
	alice     = testutil.Address(0xA1)
	bob       = testutil.Address(0xB0)
)

// fakeClient is an in-memory chain.Client.
type fakeClient struct {
	mu         sync.Mutex
	head       uint64
	logs       []types.Log
	timestamps map[uint64]uint64

	headErr  error
	logsErr  error
	queryErr error

	getLogsCalls int
	queries      int
	closed       bool
}

var _ chain.Client = (*fakeClient)(nil)

func newFakeClient(head uint64) *fakeClient {
	return &fakeClient{head: head, timestamps: make(map[uint64]uint64)}
}

func (c *fakeClient) setHead(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = h
}

func (c *fakeClient) addLogs(logs ...types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, logs...)
}

func (c *fakeClient) CurrentBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headErr != nil {
		return 0, c.headErr
	}
	return c.head, nil
}

func (c *fakeClient) GetLogs(ctx context.Context, from, to uint64, addresses []common.Address) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getLogsCalls++
	if c.logsErr != nil {
		return nil, c.logsErr
	}

	watched := make(map[common.Address]bool, len(addresses))
	for _, a := range addresses {
		watched[a] = true
	}

	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to && watched[l.Address] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *fakeClient) QueryFilter(ctx context.Context, address common.Address, topic0 common.Hash, from, to uint64) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	if c.queryErr != nil {
		return nil, c.queryErr
	}

	var out []types.Log
	for _, l := range c.logs {
		if l.Address == address && len(l.Topics) > 0 && l.Topics[0] == topic0 &&
			l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *fakeClient) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.timestamps[number]; ok {
		return ts, nil
	}
	return number * 12, nil
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func transferEvent(t *testing.T) abi.Event {
	t.Helper()
	parsed, err := chain.LoadABI(chain.ContractERC20)
	require.NoError(t, err)
	return parsed.Events["Transfer"]
}

func transferLog(t *testing.T, block uint64, index uint, amount int64) types.Log {
	t.Helper()
	return testutil.NewLog(t, transferEvent(t), tokenAddr, block, index, alice, bob, big.NewInt(amount))
}

func tokenSources(t *testing.T) *chain.EventSourceMap {
	t.Helper()
	m, err := chain.NewEventSourceMap([]chain.Source{{Address: tokenAddr, Contract: chain.ContractERC20}})
	require.NoError(t, err)
	return m
}
