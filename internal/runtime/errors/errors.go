package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired     = sterrors.New("ctfreader: configuration is required")
	ErrLoggerRequired     = sterrors.New("ctfreader: logger is required")
	ErrPublisherRequired  = sterrors.New("ctfreader: publisher is required")
	ErrQueueRequired      = sterrors.New("ctfreader: file queue is required")
	ErrSubscriberRequired = sterrors.New("ctfreader: transport subscriber is required")

	// Recoverable container failures. The reader counts and skips them.
	ErrContainerOpen  = sterrors.New("ctfreader: failed to open container")
	ErrContainerIndex = sterrors.New("ctfreader: container has no entry index")
	ErrContainerEmpty = sterrors.New("ctfreader: container has 0 entries")

	// Configuration errors detected while loading selection inputs.
	ErrMixedUnits    = sterrors.New("ctfreader: range limits mix orbits and timestamps")
	ErrInvertedRange = sterrors.New("ctfreader: range limits are not in increasing order")
	ErrRunInfo       = sterrors.New("ctfreader: run metadata unavailable")

	// Structural data errors inside an accepted time frame.
	ErrMissingHeader   = sterrors.New("ctfreader: time frame header not found")
	ErrMissingDetector = sterrors.New("ctfreader: requested detector is missing in the time frame")

	ErrFailureThreshold = sterrors.New("ctfreader: file fetch failure threshold exceeded")
)

// ConfigValidationError wraps errors produced by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "ctfreader: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil for a nil err.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// FatalError marks a failure that must end the whole run.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	if e.Op == "" {
		return "ctfreader: fatal: " + e.Err.Error()
	}
	return fmt.Sprintf("ctfreader: fatal in %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError attributed to op. A nil err stays nil and an
// error that is already fatal is returned unchanged.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsFatal(err) {
		return err
	}
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return sterrors.As(err, &fe)
}
