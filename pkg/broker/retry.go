package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/0xmhha/chainrelay/pkg/events"
)

// AttemptsHeader carries the number of times a message was republished
const AttemptsHeader = "x-relay-attempts"

// RecoveryStrategy is the action taken for a failed delivery.
type RecoveryStrategy int

const (
	// RecoveryNack rejects the message without requeue; the queue's dead
	// letter arguments route it to the dead letter queue
	RecoveryNack RecoveryStrategy = iota

	// RecoveryRepublish publishes a copy to the same queue after a delay
	RecoveryRepublish

	// RecoveryDeadLetter rejects the message as unconditionally dead
	RecoveryDeadLetter
)

func (s RecoveryStrategy) String() string {
	switch s {
	case RecoveryNack:
		return "nack"
	case RecoveryRepublish:
		return "republish"
	case RecoveryDeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("recovery(%d)", int(s))
	}
}

// Recovery is one entry of an ordered fallback list.
type Recovery struct {
	Strategy    RecoveryStrategy
	Delay       time.Duration
	MaxAttempts int
}

// Nack discards the message into the dead letter queue.
func Nack() Recovery { return Recovery{Strategy: RecoveryNack} }

// DeadLetter routes the message to the dead letter queue.
func DeadLetter() Recovery { return Recovery{Strategy: RecoveryDeadLetter} }

// Republish retries after delay while fewer than maxAttempts republishes happened.
func Republish(delay time.Duration, maxAttempts int) Recovery {
	return Recovery{Strategy: RecoveryRepublish, Delay: delay, MaxAttempts: maxAttempts}
}

func (r Recovery) applicable(attempts int) bool {
	if r.Strategy != RecoveryRepublish {
		return true
	}
	return attempts < r.MaxAttempts
}

// Resolve picks the first applicable recovery for a message already
// republished attempts times. An empty or exhausted list resolves to Nack.
func Resolve(recoveries []Recovery, attempts int) Recovery {
	for _, r := range recoveries {
		if r.applicable(attempts) {
			return r
		}
	}
	return Nack()
}

// RetryStrategy decides how a failed delivery is recovered.
type RetryStrategy interface {
	Recover(err error, subscription string, ev *events.CanonicalEvent) []Recovery
}

// RetryStrategyFunc adapts a function to RetryStrategy.
type RetryStrategyFunc func(err error, subscription string, ev *events.CanonicalEvent) []Recovery

func (f RetryStrategyFunc) Recover(err error, subscription string, ev *events.CanonicalEvent) []Recovery {
	return f(err, subscription, ev)
}

// DefaultRetryStrategy nacks validation errors, honors RecoveryError
// directives and otherwise republishes with a fixed delay before nacking.
type DefaultRetryStrategy struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewDefaultRetryStrategy returns the strategy used when a subscription
// supplies none: republish after 2s, at most 3 times, then nack.
func NewDefaultRetryStrategy() *DefaultRetryStrategy {
	return &DefaultRetryStrategy{Delay: DefaultRetryDelay, MaxAttempts: 3}
}

func (s *DefaultRetryStrategy) Recover(err error, subscription string, ev *events.CanonicalEvent) []Recovery {
	if IsValidation(err) {
		return []Recovery{Nack()}
	}

	var re *RecoveryError
	if errors.As(err, &re) && len(re.Recoveries) > 0 {
		return re.Recoveries
	}

	return []Recovery{Republish(s.Delay, s.MaxAttempts), Nack()}
}

// ValidationError marks a message that can never be processed.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IsValidation reports whether err is a validation failure, including
// structurally invalid canonical events.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, events.ErrInvalidEvent)
}

// RecoveryError lets a handler choose its own recoveries.
type RecoveryError struct {
	Err        error
	Recoveries []Recovery
}

func (e *RecoveryError) Error() string {
	if e.Err == nil {
		return "handler requested recovery"
	}
	return e.Err.Error()
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// WithRecovery wraps err so the default strategy applies recoveries instead.
func WithRecovery(err error, recoveries ...Recovery) error {
	return &RecoveryError{Err: err, Recoveries: recoveries}
}
