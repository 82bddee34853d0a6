package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_Valid(t *testing.T) {
	for _, k := range AllKinds() {
		assert.True(t, k.Valid(), "kind %s should be valid", k)
	}
	assert.False(t, KindUnknown.Valid())
	assert.False(t, Kind("").Valid())
	assert.False(t, Kind("Bogus").Valid())
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("voteemitted")
	require.NoError(t, err)
	assert.Equal(t, KindVoteEmitted, k)

	_, err = ParseKind("Unknown")
	assert.ErrorIs(t, err, ErrUnknownEventKind)
}

func TestNewPayload_CoversEveryKind(t *testing.T) {
	for _, k := range AllKinds() {
		p, err := NewPayload(k)
		require.NoError(t, err, k)
		assert.Equal(t, k, p.EventKind())
	}

	_, err := NewPayload(KindUnknown)
	assert.ErrorIs(t, err, ErrUnknownEventKind)
}

func TestCanonicalEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   *CanonicalEvent
		wantErr error
	}{
		{
			name:  "valid transfer",
			event: &CanonicalEvent{BlockNumber: 10, Kind: KindTransfer, Payload: &Transfer{Amount: "100"}},
		},
		{
			name:    "nil event",
			event:   nil,
			wantErr: ErrInvalidEvent,
		},
		{
			name:    "unknown kind",
			event:   &CanonicalEvent{Kind: KindUnknown, Payload: &Transfer{}},
			wantErr: ErrUnknownEventKind,
		},
		{
			name:    "missing payload",
			event:   &CanonicalEvent{Kind: KindTransfer},
			wantErr: ErrInvalidEvent,
		},
		{
			name:    "payload mismatch",
			event:   &CanonicalEvent{Kind: KindTransfer, Payload: &ProposalExecuted{ProposalID: "1"}},
			wantErr: ErrKindMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestCanonicalEvent_JSONSelectsPayloadByKind(t *testing.T) {
	body := []byte(`{
		"blockNumber": 10,
		"network": "Ethereum",
		"kind": "Transfer",
		"excludeAddresses": ["0xA"],
		"payload": {"from": "0xA", "to": "0xB", "amount": "100", "tokenAddress": "0xT"}
	}`)

	ev, err := Decode(body)
	require.NoError(t, err)

	assert.Equal(t, uint64(10), ev.BlockNumber)
	assert.Equal(t, NetworkEthereum, ev.Network)
	require.IsType(t, &Transfer{}, ev.Payload)
	tr := ev.Payload.(*Transfer)
	assert.Equal(t, "0xA", tr.From)
	assert.Equal(t, "0xB", tr.To)
	assert.Equal(t, "100", tr.Amount)
	assert.Equal(t, "0xT", tr.TokenAddress)

	out, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, string(body), string(out))
}

func TestDecode_RejectsUnknownKindAndMissingPayload(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"Unknown","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEventKind)

	_, err = Decode([]byte(`{"kind":"Transfer"}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestDisconnectedRange_Validate(t *testing.T) {
	var nilRange *DisconnectedRange
	assert.NoError(t, nilRange.Validate())
	assert.NoError(t, (&DisconnectedRange{StartBlock: 5}).Validate())
	assert.NoError(t, (&DisconnectedRange{StartBlock: 5, EndBlock: 5}).Validate())
	assert.ErrorIs(t, (&DisconnectedRange{StartBlock: 6, EndBlock: 5}).Validate(), ErrInvalidRange)
}
