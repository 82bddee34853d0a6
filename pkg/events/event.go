package events

import (
	"encoding/json"
	"fmt"
)

// RawLogEvent is a decoded chain log as handed to the enricher.
type RawLogEvent struct {
	ContractAddress string
	EventName       string
	Kind            Kind
	BlockNumber     uint64
	TxHash          string
	LogIndex        uint

	// Args holds decoded values in ABI input order
	Args []interface{}

	// Named holds decoded values by ABI argument name. A decoder may leave
	// out names it cannot resolve, so readers must tolerate missing keys.
	Named map[string]interface{}

	// Contest is the contest address the emitting source is tied to, if any
	Contest string
}

// Arg returns the named argument, if present.
func (r *RawLogEvent) Arg(name string) (interface{}, bool) {
	if r.Named == nil {
		return nil, false
	}
	v, ok := r.Named[name]
	return v, ok
}

// CanonicalEvent is the normalized record relayed through the broker.
type CanonicalEvent struct {
	BlockNumber      uint64   `json:"blockNumber"`
	Network          Network  `json:"network"`
	Kind             Kind     `json:"kind"`
	ExcludeAddresses []string `json:"excludeAddresses"`
	Payload          Payload  `json:"payload"`
	TxHash           string   `json:"txHash,omitempty"`
	LogIndex         uint     `json:"logIndex,omitempty"`
}

// Validate checks the event against its structural invariants.
func (e *CanonicalEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidEvent, ErrUnknownEventKind, e.Kind)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	if e.Payload.EventKind() != e.Kind {
		return fmt.Errorf("%w: %w: payload %s, event %s", ErrInvalidEvent, ErrKindMismatch, e.Payload.EventKind(), e.Kind)
	}
	return nil
}

// EntityID returns the payload's entity identifier, or "" without a payload.
func (e *CanonicalEvent) EntityID() string {
	if e == nil || e.Payload == nil {
		return ""
	}
	return e.Payload.EntityID()
}

type canonicalEventJSON struct {
	BlockNumber      uint64          `json:"blockNumber"`
	Network          Network         `json:"network"`
	Kind             Kind            `json:"kind"`
	ExcludeAddresses []string        `json:"excludeAddresses"`
	Payload          json.RawMessage `json:"payload"`
	TxHash           string          `json:"txHash,omitempty"`
	LogIndex         uint            `json:"logIndex,omitempty"`
}

// UnmarshalJSON selects the payload variant from the kind field.
func (e *CanonicalEvent) UnmarshalJSON(data []byte) error {
	var wire canonicalEventJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	payload, err := NewPayload(wire.Kind)
	if err != nil {
		return err
	}
	if len(wire.Payload) == 0 || string(wire.Payload) == "null" {
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	if err := json.Unmarshal(wire.Payload, payload); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", wire.Kind, err)
	}

	*e = CanonicalEvent{
		BlockNumber:      wire.BlockNumber,
		Network:          wire.Network,
		Kind:             wire.Kind,
		ExcludeAddresses: wire.ExcludeAddresses,
		Payload:          payload,
		TxHash:           wire.TxHash,
		LogIndex:         wire.LogIndex,
	}
	return nil
}

// Decode parses a JSON body into a validated CanonicalEvent.
func Decode(body []byte) (*CanonicalEvent, error) {
	var ev CanonicalEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// DisconnectedRange is the block span missed while the listener was offline.
// Zero on either end means unset until the range is populated.
type DisconnectedRange struct {
	StartBlock uint64 `json:"startBlock"`
	EndBlock   uint64 `json:"endBlock"`
}

// Validate fails when both ends are set and out of order.
func (r *DisconnectedRange) Validate() error {
	if r == nil {
		return nil
	}
	if r.StartBlock != 0 && r.EndBlock != 0 && r.StartBlock > r.EndBlock {
		return fmt.Errorf("%w: start %d > end %d", ErrInvalidRange, r.StartBlock, r.EndBlock)
	}
	return nil
}

func (r DisconnectedRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.StartBlock, r.EndBlock)
}
