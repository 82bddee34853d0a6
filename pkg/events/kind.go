package events

import (
	"fmt"
	"strings"
)

// Kind identifies the domain meaning of a CanonicalEvent.
// The set is closed; KindUnknown is never a valid event kind.
type Kind string

const (
	KindUnknown             Kind = "Unknown"
	KindProposalCreated     Kind = "ProposalCreated"
	KindProposalQueued      Kind = "ProposalQueued"
	KindProposalExecuted    Kind = "ProposalExecuted"
	KindProposalCanceled    Kind = "ProposalCanceled"
	KindVoteEmitted         Kind = "VoteEmitted"
	KindTransfer            Kind = "Transfer"
	KindThreadUpvoted       Kind = "ThreadUpvoted"
	KindCommunityStakeTrade Kind = "CommunityStakeTrade"
)

var knownKinds = []Kind{
	KindProposalCreated,
	KindProposalQueued,
	KindProposalExecuted,
	KindProposalCanceled,
	KindVoteEmitted,
	KindTransfer,
	KindThreadUpvoted,
	KindCommunityStakeTrade,
}

// AllKinds returns every valid kind in declaration order.
func AllKinds() []Kind {
	out := make([]Kind, len(knownKinds))
	copy(out, knownKinds)
	return out
}

// Valid reports whether k belongs to the closed set.
func (k Kind) Valid() bool {
	for _, known := range knownKinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind resolves a kind by name, ignoring case.
func ParseKind(s string) (Kind, error) {
	for _, known := range knownKinds {
		if strings.EqualFold(string(known), s) {
			return known, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownEventKind, s)
}

// Network tags the chain integration an event was observed on.
type Network string

const (
	NetworkEthereum Network = "Ethereum"
	NetworkBase     Network = "Base"
	NetworkSepolia  Network = "Sepolia"
	NetworkLocal    Network = "Local"
)

var knownNetworks = []Network{NetworkEthereum, NetworkBase, NetworkSepolia, NetworkLocal}

// Valid reports whether n is a supported network tag.
func (n Network) Valid() bool {
	for _, known := range knownNetworks {
		if n == known {
			return true
		}
	}
	return false
}

// ParseNetwork resolves a network tag by name, ignoring case.
func ParseNetwork(s string) (Network, error) {
	for _, known := range knownNetworks {
		if strings.EqualFold(string(known), s) {
			return known, nil
		}
	}
	return "", fmt.Errorf("unsupported network %q", s)
}
