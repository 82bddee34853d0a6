package enricher

import (
	"fmt"
	"math/big"

	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

func typedArg[T any](raw *events.RawLogEvent, name string) (T, error) {
	var zero T
	v, ok := raw.Arg(name)
	if !ok {
		return zero, fmt.Errorf("%w: missing %s", ErrMalformedArgs, name)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T, want %T", ErrMalformedArgs, name, v, zero)
	}
	return typed, nil
}

func addressArg(raw *events.RawLogEvent, name string) (string, error) {
	addr, err := typedArg[common.Address](raw, name)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

func bigArg(raw *events.RawLogEvent, name string) (string, error) {
	n, err := typedArg[*big.Int](raw, name)
	if err != nil {
		return "", err
	}
	if n == nil {
		return "", fmt.Errorf("%w: nil %s", ErrMalformedArgs, name)
	}
	return n.String(), nil
}

func uint64Arg(raw *events.RawLogEvent, name string) (uint64, error) {
	n, err := typedArg[*big.Int](raw, name)
	if err != nil {
		return 0, err
	}
	if n == nil || !n.IsUint64() {
		return 0, fmt.Errorf("%w: %s %v overflows uint64", ErrMalformedArgs, name, n)
	}
	return n.Uint64(), nil
}

func addressStrings(in []common.Address) []string {
	out := make([]string, len(in))
	for i, a := range in {
		out[i] = a.Hex()
	}
	return out
}

func bigStrings(in []*big.Int) []string {
	out := make([]string, len(in))
	for i, n := range in {
		if n == nil {
			out[i] = "0"
			continue
		}
		out[i] = n.String()
	}
	return out
}

func hexStrings(in [][]byte) []string {
	out := make([]string, len(in))
	for i, b := range in {
		out[i] = hexutil.Encode(b)
	}
	return out
}
