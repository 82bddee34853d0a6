package testutil

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const transferABI = `[{"anonymous":false,"type":"event","name":"Transfer","inputs":[
	{"indexed":true,"name":"from","type":"address"},
	{"indexed":true,"name":"to","type":"address"},
	{"indexed":false,"name":"value","type":"uint256"}]}]`

// TestNewTestLogger tests creating a test logger
func TestNewTestLogger(t *testing.T) {
	logger := NewTestLogger(t)
	if logger == nil {
		t.Fatal("NewTestLogger() returned nil")
	}
}

// TestNewLog tests packing indexed and non-indexed arguments
func TestNewLog(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(transferABI))
	if err != nil {
		t.Fatalf("abi.JSON() error = %v", err)
	}
	event := parsed.Events["Transfer"]

	from, to := Address(1), Address(2)
	log := NewLog(t, event, Address(99), 10, 3, from, to, big.NewInt(100))

	if len(log.Topics) != 3 {
		t.Fatalf("topics = %d, want 3", len(log.Topics))
	}
	if log.Topics[0] != event.ID {
		t.Errorf("topic0 = %s, want %s", log.Topics[0].Hex(), event.ID.Hex())
	}
	if common.BytesToAddress(log.Topics[1].Bytes()) != from {
		t.Errorf("from topic mismatch")
	}
	if log.BlockNumber != 10 || log.Index != 3 {
		t.Errorf("block/index = %d/%d, want 10/3", log.BlockNumber, log.Index)
	}

	values, err := event.Inputs.NonIndexed().UnpackValues(log.Data)
	if err != nil {
		t.Fatalf("UnpackValues() error = %v", err)
	}
	if values[0].(*big.Int).Int64() != 100 {
		t.Errorf("value = %v, want 100", values[0])
	}
}
