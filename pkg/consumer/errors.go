package consumer

import "errors"

var (
	// ErrNilHandler is returned when registering a nil handler
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrDuplicateRegistration is returned when a subscription is registered twice
	ErrDuplicateRegistration = errors.New("subscription already registered")

	// ErrAlreadyStarted is returned by Register and Start once Start has run
	ErrAlreadyStarted = errors.New("consumer already started")

	// ErrNoRegistrations is returned by Start when nothing was registered
	ErrNoRegistrations = errors.New("no subscriptions registered")
)
