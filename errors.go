package tagbus

import (
	"errors"
	"fmt"
)

// Bus errors. None of them are fatal: a failed notification is reported to
// the caller and logged, never raised as a panic.
var (
	// ErrInvalidEnvelope is returned when an envelope has an empty tag.
	ErrInvalidEnvelope = errors.New("invalid envelope: empty tag")

	// ErrNoAuthority is returned when a Global broadcast is attempted by a
	// process without authority and no path to the authority exists.
	ErrNoAuthority = errors.New("no authority for global broadcast")

	// ErrValidationFailed is matched by every *ValidationError.
	ErrValidationFailed = errors.New("validation failed")

	// ErrSessionUnresolved is returned when a Local broadcast or
	// registration has no resolvable session.
	ErrSessionUnresolved = errors.New("local session unresolved")

	// ErrDeadSubscriber marks a subscriber whose reference is no longer alive.
	ErrDeadSubscriber = errors.New("dead subscriber")

	// ErrRateLimited is returned when a peer exceeds its request budget.
	ErrRateLimited = errors.New("global request rate limited")

	// ErrInvalidSubscriber is returned when registering a nil subscriber.
	ErrInvalidSubscriber = errors.New("invalid subscriber")

	// ErrInvalidFilter is returned when a filter wants neither scope.
	ErrInvalidFilter = errors.New("filter wants neither local nor global delivery")

	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("bus is closed")

	// ErrInvalidConfig is returned when options or a Config cannot be used.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ValidationError is returned when an AuthorityGate rejects a Global request.
// Reason is suitable for display to the user who originated the request.
type ValidationError struct {
	Policy ValidationPolicy
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (policy %s)", ErrValidationFailed, e.Reason, e.Policy)
}

// Is reports whether target is ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// RejectionReason extracts the human readable reason from a validation
// failure. It returns "" if err is not a *ValidationError.
func RejectionReason(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}

// PanicError describes a listener that panicked during delivery.
// It is passed to the error handler set with WithErrorHandler.
type PanicError struct {
	SubscriberID string
	Tag          Tag
	Value        any
	Stack        []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("listener %s panicked on %s: %v", e.SubscriberID, e.Tag, e.Value)
}
