package events

import "fmt"

// Payload is the kind-specific body of a CanonicalEvent.
type Payload interface {
	// EventKind returns the kind this payload variant belongs to
	EventKind() Kind

	// EntityID returns the identifier of the domain entity the event is about
	EntityID() string
}

// ProposalCreated is emitted when a governor proposal is submitted.
// Amounts are decimal strings.
type ProposalCreated struct {
	ProposalID     string   `json:"proposalId"`
	Proposer       string   `json:"proposer"`
	Targets        []string `json:"targets"`
	Values         []string `json:"values"`
	Signatures     []string `json:"signatures"`
	Calldatas      []string `json:"calldatas"`
	VoteStart      uint64   `json:"voteStart"`
	VoteEnd        uint64   `json:"voteEnd"`
	Description    string   `json:"description"`
	ContestAddress string   `json:"contestAddress,omitempty"`
}

func (*ProposalCreated) EventKind() Kind    { return KindProposalCreated }
func (p *ProposalCreated) EntityID() string { return p.ProposalID }

type ProposalQueued struct {
	ProposalID string `json:"proposalId"`
	ETA        uint64 `json:"eta"`
}

func (*ProposalQueued) EventKind() Kind    { return KindProposalQueued }
func (p *ProposalQueued) EntityID() string { return p.ProposalID }

type ProposalExecuted struct {
	ProposalID string `json:"proposalId"`
}

func (*ProposalExecuted) EventKind() Kind    { return KindProposalExecuted }
func (p *ProposalExecuted) EntityID() string { return p.ProposalID }

type ProposalCanceled struct {
	ProposalID string `json:"proposalId"`
}

func (*ProposalCanceled) EventKind() Kind    { return KindProposalCanceled }
func (p *ProposalCanceled) EntityID() string { return p.ProposalID }

// VoteEmitted is the canonical form of a governor VoteCast log.
type VoteEmitted struct {
	ProposalID string `json:"proposalId"`
	Voter      string `json:"voter"`
	Support    uint8  `json:"support"`
	Weight     string `json:"weight"`
	Reason     string `json:"reason,omitempty"`
}

func (*VoteEmitted) EventKind() Kind    { return KindVoteEmitted }
func (p *VoteEmitted) EntityID() string { return p.ProposalID }

type Transfer struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Amount       string `json:"amount"`
	TokenAddress string `json:"tokenAddress"`
}

func (*Transfer) EventKind() Kind    { return KindTransfer }
func (p *Transfer) EntityID() string { return p.TokenAddress }

type ThreadUpvoted struct {
	ThreadID       string `json:"threadId"`
	Voter          string `json:"voter"`
	Weight         string `json:"weight"`
	ContestAddress string `json:"contestAddress,omitempty"`
}

func (*ThreadUpvoted) EventKind() Kind    { return KindThreadUpvoted }
func (p *ThreadUpvoted) EntityID() string { return p.ThreadID }

// CommunityStakeTrade is the canonical form of a community stake Trade log.
type CommunityStakeTrade struct {
	Trader          string `json:"trader"`
	Namespace       string `json:"namespace"`
	IsBuy           bool   `json:"isBuy"`
	StakeAmount     string `json:"stakeAmount"`
	EthAmount       string `json:"ethAmount"`
	Supply          string `json:"supply"`
	ContractAddress string `json:"contractAddress"`
}

func (*CommunityStakeTrade) EventKind() Kind    { return KindCommunityStakeTrade }
func (p *CommunityStakeTrade) EntityID() string { return p.Namespace }

// NewPayload returns an empty payload variant for kind, ready to be decoded into.
func NewPayload(kind Kind) (Payload, error) {
	switch kind {
	case KindProposalCreated:
		return &ProposalCreated{}, nil
	case KindProposalQueued:
		return &ProposalQueued{}, nil
	case KindProposalExecuted:
		return &ProposalExecuted{}, nil
	case KindProposalCanceled:
		return &ProposalCanceled{}, nil
	case KindVoteEmitted:
		return &VoteEmitted{}, nil
	case KindTransfer:
		return &Transfer{}, nil
	case KindThreadUpvoted:
		return &ThreadUpvoted{}, nil
	case KindCommunityStakeTrade:
		return &CommunityStakeTrade{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, kind)
	}
}
