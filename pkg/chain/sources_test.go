package chain

import (
	"math/big"
	"testing"

	"github.com/0xmhha/chainrelay/internal/testutil"
	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	governorAddr  = testutil.Address(0x100)
	tokenAddr     = testutil.Address(0x200)
	communityAddr = testutil.Address(0x300)
)

func testSources(t *testing.T) *EventSourceMap {
	t.Helper()
	m, err := NewEventSourceMap([]Source{
		{Address: governorAddr, Contract: ContractGovernor},
		{Address: tokenAddr, Contract: ContractERC20},
		{Address: communityAddr, Contract: ContractCommunity, Contest: "0xC0"},
	})
	require.NoError(t, err)
	return m
}

func TestLoadABI_AllBundledContracts(t *testing.T) {
	for ct, kinds := range kindsByContract {
		parsed, err := LoadABI(ct)
		require.NoError(t, err, ct)
		for name := range kinds {
			_, ok := parsed.Events[name]
			assert.True(t, ok, "%s ABI missing %s", ct, name)
		}
	}

	_, err := LoadABI("bogus")
	assert.ErrorIs(t, err, ErrUnknownContractType)
}

func TestNewEventSourceMap_Validation(t *testing.T) {
	_, err := NewEventSourceMap(nil)
	assert.ErrorIs(t, err, ErrNoSources)

	_, err = NewEventSourceMap([]Source{{Contract: ContractERC20}})
	assert.ErrorIs(t, err, ErrInvalidSource)

	_, err = NewEventSourceMap([]Source{
		{Address: tokenAddr, Contract: ContractERC20},
		{Address: tokenAddr, Contract: ContractGovernor},
	})
	assert.ErrorIs(t, err, ErrInvalidSource)

	_, err = NewEventSourceMap([]Source{{Address: tokenAddr, Contract: "bogus"}})
	assert.ErrorIs(t, err, ErrUnknownContractType)
}

func TestEventSourceMap_EventsAreDeterministic(t *testing.T) {
	m := testSources(t)

	evs := m.Events()
	require.Len(t, evs, 8)
	assert.Equal(t, governorAddr, evs[0].Address)
	assert.Equal(t, "ProposalCanceled", evs[0].Name)
	assert.Equal(t, tokenAddr, evs[5].Address)
	assert.Equal(t, communityAddr, evs[7].Address)

	assert.Equal(t, evs, m.Events())
	assert.Equal(t, []common.Address{governorAddr, tokenAddr, communityAddr}, m.Addresses())
}

func TestEventSourceMap_Lookup(t *testing.T) {
	m := testSources(t)
	governor, err := LoadABI(ContractGovernor)
	require.NoError(t, err)

	voteCast := governor.Events["VoteCast"].ID
	ev, ok := m.Lookup(governorAddr, voteCast)
	require.True(t, ok)
	assert.Equal(t, events.KindVoteEmitted, ev.Kind)

	_, ok = m.Lookup(tokenAddr, voteCast)
	assert.False(t, ok, "topic is only known for the governor address")
}

func TestEventSourceMap_DecodeTransfer(t *testing.T) {
	m := testSources(t)
	erc20, err := LoadABI(ContractERC20)
	require.NoError(t, err)

	from, to := testutil.Address(0xA), testutil.Address(0xB)
	log := testutil.NewLog(t, erc20.Events["Transfer"], tokenAddr, 10, 1, from, to, big.NewInt(100))

	require.True(t, m.Matches(&log))
	raw, err := m.Decode(&log)
	require.NoError(t, err)

	assert.Equal(t, events.KindTransfer, raw.Kind)
	assert.Equal(t, "Transfer", raw.EventName)
	assert.Equal(t, uint64(10), raw.BlockNumber)
	assert.Equal(t, uint(1), raw.LogIndex)
	assert.Equal(t, tokenAddr.Hex(), raw.ContractAddress)
	require.Len(t, raw.Args, 3)
	assert.Equal(t, from, raw.Args[0])
	assert.Equal(t, to, raw.Args[1])
	assert.Equal(t, 0, big.NewInt(100).Cmp(raw.Args[2].(*big.Int)))
	assert.Equal(t, from, raw.Named["from"])
}

func TestEventSourceMap_DecodeCarriesContestTag(t *testing.T) {
	m := testSources(t)
	community, err := LoadABI(ContractCommunity)
	require.NoError(t, err)

	log := testutil.NewLog(t, community.Events["ThreadUpvoted"], communityAddr, 7, 0,
		big.NewInt(42), testutil.Address(0xD), big.NewInt(3))

	raw, err := m.Decode(&log)
	require.NoError(t, err)
	assert.Equal(t, events.KindThreadUpvoted, raw.Kind)
	assert.Equal(t, "0xC0", raw.Contest)
}

func TestEventSourceMap_DecodeRejectsUnknownLogs(t *testing.T) {
	m := testSources(t)

	_, err := m.Decode(&types.Log{Address: tokenAddr})
	assert.ErrorIs(t, err, ErrUnknownLog)

	_, err = m.Decode(&types.Log{Address: testutil.Address(1), Topics: []common.Hash{{0x01}}})
	assert.ErrorIs(t, err, ErrUnknownLog)
	assert.False(t, m.Matches(nil))
}

func TestEventSourceMap_DecodeRejectsTruncatedData(t *testing.T) {
	m := testSources(t)
	erc20, err := LoadABI(ContractERC20)
	require.NoError(t, err)

	log := testutil.NewLog(t, erc20.Events["Transfer"], tokenAddr, 1, 0,
		testutil.Address(1), testutil.Address(2), big.NewInt(5))
	log.Data = log.Data[:10]

	_, err = m.Decode(&log)
	assert.ErrorIs(t, err, ErrDecodeFailed)
}
