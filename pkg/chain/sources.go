package chain

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed abi/*.json
var abiFS embed.FS

// ContractType names one of the bundled contract ABIs.
type ContractType string

const (
	ContractGovernor  ContractType = "governor"
	ContractERC20     ContractType = "erc20"
	ContractCommunity ContractType = "community"
)

// kindsByContract maps ABI event names to canonical kinds per contract type.
// Events not listed here are ignored even if the ABI declares them.
var kindsByContract = map[ContractType]map[string]events.Kind{
	ContractGovernor: {
		"ProposalCreated":  events.KindProposalCreated,
		"ProposalQueued":   events.KindProposalQueued,
		"ProposalExecuted": events.KindProposalExecuted,
		"ProposalCanceled": events.KindProposalCanceled,
		"VoteCast":         events.KindVoteEmitted,
	},
	ContractERC20: {
		"Transfer": events.KindTransfer,
	},
	ContractCommunity: {
		"ThreadUpvoted": events.KindThreadUpvoted,
		"Trade":         events.KindCommunityStakeTrade,
	},
}

// LoadABI returns the parsed bundled ABI for a contract type.
func LoadABI(ct ContractType) (*abi.ABI, error) {
	if _, ok := kindsByContract[ct]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContractType, ct)
	}
	raw, err := abiFS.ReadFile("abi/" + string(ct) + ".json")
	if err != nil {
		return nil, fmt.Errorf("failed to read %s ABI: %w", ct, err)
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s ABI: %w", ct, err)
	}
	return &parsed, nil
}

// ParseContractType resolves a contract type by name.
func ParseContractType(s string) (ContractType, error) {
	ct := ContractType(strings.ToLower(s))
	if _, ok := kindsByContract[ct]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownContractType, s)
	}
	return ct, nil
}

// Source is one contract the listener watches.
type Source struct {
	Address  common.Address
	Contract ContractType

	// Contest tags every event from this contract with a contest address
	Contest string
}

// SourceEvent is a single (address, topic0) entry of the source map.
type SourceEvent struct {
	Address common.Address
	Topic0  common.Hash
	Name    string
	Kind    events.Kind
	Event   abi.Event
	Contest string
}

type sourceEntry struct {
	source Source
	abi    *abi.ABI
	events map[common.Hash]SourceEvent
}

// EventSourceMap is the static mapping of contract address to the event
// signatures it emits. It is immutable after construction.
type EventSourceMap struct {
	entries map[common.Address]*sourceEntry
	order   []common.Address
}

// NewEventSourceMap builds the map from configured sources.
func NewEventSourceMap(sources []Source) (*EventSourceMap, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	m := &EventSourceMap{entries: make(map[common.Address]*sourceEntry, len(sources))}
	for _, src := range sources {
		if src.Address == (common.Address{}) {
			return nil, fmt.Errorf("%w: zero address for %s source", ErrInvalidSource, src.Contract)
		}
		if _, dup := m.entries[src.Address]; dup {
			return nil, fmt.Errorf("%w: duplicate address %s", ErrInvalidSource, src.Address.Hex())
		}

		parsed, err := LoadABI(src.Contract)
		if err != nil {
			return nil, err
		}

		entry := &sourceEntry{source: src, abi: parsed, events: make(map[common.Hash]SourceEvent)}
		for name, kind := range kindsByContract[src.Contract] {
			ev, ok := parsed.Events[name]
			if !ok {
				return nil, fmt.Errorf("%s ABI has no %s event", src.Contract, name)
			}
			entry.events[ev.ID] = SourceEvent{
				Address: src.Address,
				Topic0:  ev.ID,
				Name:    name,
				Kind:    kind,
				Event:   ev,
				Contest: src.Contest,
			}
		}

		m.entries[src.Address] = entry
		m.order = append(m.order, src.Address)
	}

	return m, nil
}

// Addresses returns the watched addresses in configuration order.
func (m *EventSourceMap) Addresses() []common.Address {
	out := make([]common.Address, len(m.order))
	copy(out, m.order)
	return out
}

// Lookup returns the entry for an (address, topic0) pair.
func (m *EventSourceMap) Lookup(address common.Address, topic0 common.Hash) (SourceEvent, bool) {
	entry, ok := m.entries[address]
	if !ok {
		return SourceEvent{}, false
	}
	ev, ok := entry.events[topic0]
	return ev, ok
}

// Events returns every known (address, topic0) entry in a deterministic
// order: configuration order of sources, then event name.
func (m *EventSourceMap) Events() []SourceEvent {
	var out []SourceEvent
	for _, addr := range m.order {
		entry := m.entries[addr]
		batch := make([]SourceEvent, 0, len(entry.events))
		for _, ev := range entry.events {
			batch = append(batch, ev)
		}
		sort.Slice(batch, func(i, j int) bool { return batch[i].Name < batch[j].Name })
		out = append(out, batch...)
	}
	return out
}

// Topics returns the distinct topic0 values across all sources.
func (m *EventSourceMap) Topics() []common.Hash {
	seen := make(map[common.Hash]struct{})
	var out []common.Hash
	for _, ev := range m.Events() {
		if _, ok := seen[ev.Topic0]; ok {
			continue
		}
		seen[ev.Topic0] = struct{}{}
		out = append(out, ev.Topic0)
	}
	return out
}
