package chain

import (
	"fmt"

	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
)

// Matches reports whether the log's (address, topic0) pair is a known source event.
func (m *EventSourceMap) Matches(log *types.Log) bool {
	if log == nil || len(log.Topics) == 0 {
		return false
	}
	_, ok := m.Lookup(log.Address, log.Topics[0])
	return ok
}

// Decode unpacks a log into a RawLogEvent. Indexed arguments come from the
// topics, the rest from the data section; Args keeps ABI input order.
func (m *EventSourceMap) Decode(log *types.Log) (*events.RawLogEvent, error) {
	if log == nil || len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: log has no topics", ErrUnknownLog)
	}

	src, ok := m.Lookup(log.Address, log.Topics[0])
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownLog, log.Address.Hex(), log.Topics[0].Hex())
	}

	named := make(map[string]interface{}, len(src.Event.Inputs))

	var indexed, nonIndexed abi.Arguments
	for _, input := range src.Event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		} else {
			nonIndexed = append(nonIndexed, input)
		}
	}

	if len(indexed) > 0 {
		if len(log.Topics)-1 != len(indexed) {
			return nil, fmt.Errorf("%w: %s expects %d indexed topics, got %d",
				ErrDecodeFailed, src.Name, len(indexed), len(log.Topics)-1)
		}
		if err := abi.ParseTopicsIntoMap(named, indexed, log.Topics[1:]); err != nil {
			return nil, fmt.Errorf("%w: %s topics: %w", ErrDecodeFailed, src.Name, err)
		}
	}

	var values []interface{}
	if len(nonIndexed) > 0 {
		var err error
		values, err = nonIndexed.UnpackValues(log.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s data: %w", ErrDecodeFailed, src.Name, err)
		}
		for i, input := range nonIndexed {
			if input.Name != "" && i < len(values) {
				named[input.Name] = values[i]
			}
		}
	}

	args := make([]interface{}, 0, len(src.Event.Inputs))
	dataIdx := 0
	for _, input := range src.Event.Inputs {
		if input.Indexed {
			args = append(args, named[input.Name])
			continue
		}
		if dataIdx < len(values) {
			args = append(args, values[dataIdx])
		} else {
			args = append(args, nil)
		}
		dataIdx++
	}

	return &events.RawLogEvent{
		ContractAddress: log.Address.Hex(),
		EventName:       src.Name,
		Kind:            src.Kind,
		BlockNumber:     log.BlockNumber,
		TxHash:          log.TxHash.Hex(),
		LogIndex:        log.Index,
		Args:            args,
		Named:           named,
		Contest:         src.Contest,
	}, nil
}
