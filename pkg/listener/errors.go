package listener

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState indicates an operation called in the wrong lifecycle state
	ErrInvalidState = errors.New("listener is in the wrong state for this operation")

	// ErrAlreadySubscribed indicates Subscribe on a running subscriber
	ErrAlreadySubscribed = errors.New("subscriber is already running")

	// ErrNilHandler indicates Subscribe without an event handler
	ErrNilHandler = errors.New("event handler cannot be nil")

	// ErrFetchFailed indicates a replay query failed and no events were returned
	ErrFetchFailed = errors.New("storage fetch failed")

	// ErrUnreadableLog indicates a matching log could not be decoded or enriched
	ErrUnreadableLog = errors.New("unreadable log")
)

// UnreadableLogsError lists historical logs that matched a source but could
// not be turned into events. Fetch returns it alongside the events it read.
type UnreadableLogsError struct {
	Errs []error
}

func (e *UnreadableLogsError) Error() string {
	return fmt.Sprintf("%d unreadable logs: %v", len(e.Errs), errors.Join(e.Errs...))
}

func (e *UnreadableLogsError) Unwrap() []error { return e.Errs }
