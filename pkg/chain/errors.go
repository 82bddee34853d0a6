package chain

import "errors"

var (
	// ErrUnknownContractType indicates a contract type with no bundled ABI
	ErrUnknownContractType = errors.New("unknown contract type")

	// ErrNoSources indicates an empty event source configuration
	ErrNoSources = errors.New("no event sources configured")

	// ErrInvalidSource indicates a malformed source entry
	ErrInvalidSource = errors.New("invalid event source")

	// ErrUnknownLog indicates a log whose (address, topic0) is not in the source map
	ErrUnknownLog = errors.New("log does not match any event source")

	// ErrDecodeFailed indicates a log that matched a source but could not be unpacked
	ErrDecodeFailed = errors.New("failed to decode log")
)
