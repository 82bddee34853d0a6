// Package enricher turns decoded chain logs into canonical events.
package enricher

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/ethereum/go-ethereum/common"
)

// ErrMalformedArgs indicates a log whose arguments do not have the shape
// its kind requires.
var ErrMalformedArgs = errors.New("malformed event arguments")

// proposalValuesArgIndex is the position of the values array in the bundled
// governor ProposalCreated ABI. It is only read when the decoder did not
// expose the argument by name, and must be checked against any other
// governor ABI before it is integrated.
const proposalValuesArgIndex = 3

// Enricher is the capability of normalizing one raw log.
type Enricher interface {
	Enrich(blockNumber uint64, kind events.Kind, raw *events.RawLogEvent) (*events.CanonicalEvent, error)
}

// LogEnricher enriches logs observed on a single network. It holds no
// mutable state and is safe for concurrent use.
type LogEnricher struct {
	network events.Network
}

var _ Enricher = (*LogEnricher)(nil)

// New returns an enricher that tags every event with network.
func New(network events.Network) *LogEnricher {
	return &LogEnricher{network: network}
}

// EnrichLog enriches a raw log using the kind resolved by the decoder.
func (e *LogEnricher) EnrichLog(raw *events.RawLogEvent) (*events.CanonicalEvent, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil log", ErrMalformedArgs)
	}
	return e.Enrich(raw.BlockNumber, raw.Kind, raw)
}

// Enrich builds the canonical event for kind. Big integers become decimal
// strings; block-like quantities become uint64.
func (e *LogEnricher) Enrich(blockNumber uint64, kind events.Kind, raw *events.RawLogEvent) (*events.CanonicalEvent, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", events.ErrUnknownEventKind, kind)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: nil log for %s", ErrMalformedArgs, kind)
	}

	var (
		payload events.Payload
		exclude []string
		err     error
	)

	switch kind {
	case events.KindProposalCreated:
		payload, exclude, err = proposalCreated(raw)
	case events.KindProposalQueued:
		payload, err = proposalQueued(raw)
	case events.KindProposalExecuted:
		payload, err = proposalID(raw, func(id string) events.Payload { return &events.ProposalExecuted{ProposalID: id} })
	case events.KindProposalCanceled:
		payload, err = proposalID(raw, func(id string) events.Payload { return &events.ProposalCanceled{ProposalID: id} })
	case events.KindVoteEmitted:
		payload, exclude, err = voteEmitted(raw)
	case events.KindTransfer:
		payload, exclude, err = transfer(raw)
	case events.KindThreadUpvoted:
		payload, exclude, err = threadUpvoted(raw)
	case events.KindCommunityStakeTrade:
		payload, exclude, err = communityStakeTrade(raw)
	default:
		return nil, fmt.Errorf("%w: %q", events.ErrUnknownEventKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("enrich %s at block %d: %w", kind, blockNumber, err)
	}

	if exclude == nil {
		exclude = []string{}
	}

	return &events.CanonicalEvent{
		BlockNumber:      blockNumber,
		Network:          e.network,
		Kind:             kind,
		ExcludeAddresses: exclude,
		Payload:          payload,
		TxHash:           raw.TxHash,
		LogIndex:         raw.LogIndex,
	}, nil
}

func proposalCreated(raw *events.RawLogEvent) (events.Payload, []string, error) {
	id, err := bigArg(raw, "proposalId")
	if err != nil {
		return nil, nil, err
	}
	proposer, err := addressArg(raw, "proposer")
	if err != nil {
		return nil, nil, err
	}
	targets, err := typedArg[[]common.Address](raw, "targets")
	if err != nil {
		return nil, nil, err
	}
	values, err := proposalValues(raw)
	if err != nil {
		return nil, nil, err
	}
	signatures, err := typedArg[[]string](raw, "signatures")
	if err != nil {
		return nil, nil, err
	}
	calldatas, err := typedArg[[][]byte](raw, "calldatas")
	if err != nil {
		return nil, nil, err
	}
	voteStart, err := uint64Arg(raw, "voteStart")
	if err != nil {
		return nil, nil, err
	}
	voteEnd, err := uint64Arg(raw, "voteEnd")
	if err != nil {
		return nil, nil, err
	}
	description, err := typedArg[string](raw, "description")
	if err != nil {
		return nil, nil, err
	}

	p := &events.ProposalCreated{
		ProposalID:     id,
		Proposer:       proposer,
		Targets:        addressStrings(targets),
		Values:         bigStrings(values),
		Signatures:     signatures,
		Calldatas:      hexStrings(calldatas),
		VoteStart:      voteStart,
		VoteEnd:        voteEnd,
		Description:    description,
		ContestAddress: raw.Contest,
	}
	return p, []string{proposer}, nil
}

// proposalValues reads the values array by name, falling back to its
// position in the ABI when the name is not exposed.
func proposalValues(raw *events.RawLogEvent) ([]*big.Int, error) {
	if v, ok := raw.Arg("values"); ok {
		values, ok := v.([]*big.Int)
		if !ok {
			return nil, fmt.Errorf("%w: values is %T", ErrMalformedArgs, v)
		}
		return values, nil
	}
	if len(raw.Args) <= proposalValuesArgIndex {
		return nil, fmt.Errorf("%w: missing values", ErrMalformedArgs)
	}
	values, ok := raw.Args[proposalValuesArgIndex].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: positional values is %T", ErrMalformedArgs, raw.Args[proposalValuesArgIndex])
	}
	return values, nil
}

func proposalQueued(raw *events.RawLogEvent) (events.Payload, error) {
	id, err := bigArg(raw, "proposalId")
	if err != nil {
		return nil, err
	}
	eta, err := uint64Arg(raw, "etaSeconds")
	if err != nil {
		return nil, err
	}
	return &events.ProposalQueued{ProposalID: id, ETA: eta}, nil
}

func proposalID(raw *events.RawLogEvent, build func(string) events.Payload) (events.Payload, error) {
	id, err := bigArg(raw, "proposalId")
	if err != nil {
		return nil, err
	}
	return build(id), nil
}

func voteEmitted(raw *events.RawLogEvent) (events.Payload, []string, error) {
	voter, err := addressArg(raw, "voter")
	if err != nil {
		return nil, nil, err
	}
	id, err := bigArg(raw, "proposalId")
	if err != nil {
		return nil, nil, err
	}
	support, err := typedArg[uint8](raw, "support")
	if err != nil {
		return nil, nil, err
	}
	weight, err := bigArg(raw, "weight")
	if err != nil {
		return nil, nil, err
	}
	reason, err := typedArg[string](raw, "reason")
	if err != nil {
		return nil, nil, err
	}

	return &events.VoteEmitted{
		ProposalID: id,
		Voter:      voter,
		Support:    support,
		Weight:     weight,
		Reason:     reason,
	}, []string{voter}, nil
}

func transfer(raw *events.RawLogEvent) (events.Payload, []string, error) {
	from, err := addressArg(raw, "from")
	if err != nil {
		return nil, nil, err
	}
	to, err := addressArg(raw, "to")
	if err != nil {
		return nil, nil, err
	}
	amount, err := bigArg(raw, "value")
	if err != nil {
		return nil, nil, err
	}

	return &events.Transfer{
		From:         from,
		To:           to,
		Amount:       amount,
		TokenAddress: raw.ContractAddress,
	}, []string{from}, nil
}

func threadUpvoted(raw *events.RawLogEvent) (events.Payload, []string, error) {
	threadID, err := bigArg(raw, "threadId")
	if err != nil {
		return nil, nil, err
	}
	voter, err := addressArg(raw, "voter")
	if err != nil {
		return nil, nil, err
	}
	weight, err := bigArg(raw, "weight")
	if err != nil {
		return nil, nil, err
	}

	return &events.ThreadUpvoted{
		ThreadID:       threadID,
		Voter:          voter,
		Weight:         weight,
		ContestAddress: raw.Contest,
	}, []string{voter}, nil
}

func communityStakeTrade(raw *events.RawLogEvent) (events.Payload, []string, error) {
	trader, err := addressArg(raw, "trader")
	if err != nil {
		return nil, nil, err
	}
	namespace, err := typedArg[[32]byte](raw, "namespace")
	if err != nil {
		return nil, nil, err
	}
	isBuy, err := typedArg[bool](raw, "isBuy")
	if err != nil {
		return nil, nil, err
	}
	stake, err := bigArg(raw, "communityTokenAmount")
	if err != nil {
		return nil, nil, err
	}
	eth, err := bigArg(raw, "ethAmount")
	if err != nil {
		return nil, nil, err
	}
	supply, err := bigArg(raw, "supply")
	if err != nil {
		return nil, nil, err
	}

	return &events.CommunityStakeTrade{
		Trader:          trader,
		Namespace:       common.Hash(namespace).Hex(),
		IsBuy:           isBuy,
		StakeAmount:     stake,
		EthAmount:       eth,
		Supply:          supply,
		ContractAddress: raw.ContractAddress,
	}, []string{trader}, nil
}
