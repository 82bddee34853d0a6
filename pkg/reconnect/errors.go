package reconnect

import "errors"

var (
	// ErrClosed indicates an operation on a closed store
	ErrClosed = errors.New("progress store is closed")

	// ErrInvalidConfiguration indicates a store that cannot be built from its config
	ErrInvalidConfiguration = errors.New("invalid progress store configuration")
)
