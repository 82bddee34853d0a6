package broker

import "errors"

var (
	// ErrNotInitialized indicates an operation before Init or after Dispose
	ErrNotInitialized = errors.New("broker adapter is not initialized")

	// ErrAlreadyInitialized indicates a second Init
	ErrAlreadyInitialized = errors.New("broker adapter is already initialized")

	// ErrNotConnected indicates the connection is down and being re-established
	ErrNotConnected = errors.New("broker connection is not available")

	// ErrUnknownPublication indicates a publication this service does not own
	ErrUnknownPublication = errors.New("unknown publication")

	// ErrUnknownSubscription indicates a subscription this service does not own
	ErrUnknownSubscription = errors.New("unknown subscription")

	// ErrAlreadySubscribed indicates a second subscribe to the same subscription
	ErrAlreadySubscribed = errors.New("subscription already has a handler")

	// ErrNilHandler indicates subscribe without a handler
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrInvalidTopology indicates a topology that breaks a structural invariant
	ErrInvalidTopology = errors.New("invalid topology")

	// ErrUnknownService indicates a service selector missing from the topology
	ErrUnknownService = errors.New("unknown service")

	// ErrPublishNacked indicates the broker refused a publish
	ErrPublishNacked = errors.New("publish was not confirmed by the broker")

	// ErrValidation classifies errors caused by a message that can never be processed
	ErrValidation = errors.New("message validation failed")
)
