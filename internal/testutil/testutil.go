package testutil

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// NewTestLogger creates a logger that writes through t.Log
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// Address returns a deterministic address derived from n
func Address(n int64) common.Address {
	return common.BigToAddress(big.NewInt(n))
}

// TxHash returns a deterministic transaction hash derived from n
func TxHash(n int64) common.Hash {
	return common.BigToHash(big.NewInt(n))
}

// NewLog packs values (in ABI input order) into a log for event.
// Indexed values go to topics, the rest to the data section.
func NewLog(t *testing.T, event abi.Event, address common.Address, block uint64, index uint, values ...interface{}) types.Log {
	t.Helper()

	if len(values) != len(event.Inputs) {
		t.Fatalf("event %s takes %d values, got %d", event.Name, len(event.Inputs), len(values))
	}

	topics := []common.Hash{event.ID}
	var data []interface{}
	for i, input := range event.Inputs {
		if !input.Indexed {
			data = append(data, values[i])
			continue
		}
		topic, err := topicFor(values[i])
		if err != nil {
			t.Fatalf("event %s arg %s: %v", event.Name, input.Name, err)
		}
		topics = append(topics, topic)
	}

	packed, err := event.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		t.Fatalf("failed to pack %s: %v", event.Name, err)
	}

	return types.Log{
		Address:     address,
		Topics:      topics,
		Data:        packed,
		BlockNumber: block,
		TxHash:      TxHash(int64(block)*1000 + int64(index)),
		Index:       index,
	}
}

func topicFor(v interface{}) (common.Hash, error) {
	switch val := v.(type) {
	case common.Address:
		return common.BytesToHash(val.Bytes()), nil
	case *big.Int:
		return common.BigToHash(val), nil
	case [32]byte:
		return common.Hash(val), nil
	case common.Hash:
		return val, nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported indexed type %T", v)
	}
}
