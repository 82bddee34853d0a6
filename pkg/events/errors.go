package events

import "errors"

var (
	// ErrUnknownEventKind indicates a kind outside the closed set
	ErrUnknownEventKind = errors.New("unknown event kind")

	// ErrInvalidEvent indicates a canonical event that breaks its own invariants
	ErrInvalidEvent = errors.New("invalid canonical event")

	// ErrKindMismatch indicates the payload variant does not match the event kind
	ErrKindMismatch = errors.New("payload kind does not match event kind")

	// ErrInvalidRange indicates a disconnected range with start after end
	ErrInvalidRange = errors.New("invalid block range")
)
