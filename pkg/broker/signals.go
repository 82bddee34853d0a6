package broker

import "fmt"

// Signal is one of the bounded set of adapter notifications.
type Signal string

const (
	// SignalError reports a connection, channel or unroutable-publish error
	SignalError Signal = "error"

	// SignalBlocked reports the broker throttling publishers
	SignalBlocked Signal = "blocked"

	// SignalUnblocked reports the broker lifting a throttle
	SignalUnblocked Signal = "unblocked"

	// SignalReady reports the topology asserted on a fresh connection
	SignalReady Signal = "ready"

	// SignalSubscriptionError reports a consumer channel failure
	SignalSubscriptionError Signal = "subscription_error"

	// SignalInvalidContent reports a delivery that could not be decoded
	SignalInvalidContent Signal = "invalid_content"
)

var knownSignals = []Signal{
	SignalError,
	SignalBlocked,
	SignalUnblocked,
	SignalReady,
	SignalSubscriptionError,
	SignalInvalidContent,
}

// Valid reports whether s belongs to the bounded signal set.
func (s Signal) Valid() bool {
	for _, known := range knownSignals {
		if s == known {
			return true
		}
	}
	return false
}

// Notification is passed to observers.
type Notification struct {
	Signal       Signal
	Subscription string
	Reason       string
	Err          error
}

func (n Notification) String() string {
	if n.Err != nil {
		return fmt.Sprintf("%s: %s: %v", n.Signal, n.Reason, n.Err)
	}
	return fmt.Sprintf("%s: %s", n.Signal, n.Reason)
}

// Observer is called synchronously for every notification of the signal it
// was registered for, and must not block.
type Observer func(Notification)
