package rail

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a timeout or network failure; the attempt may be
	// retried with the same idempotency key.
	ErrTransient = errors.New("rail: transient failure")
	// ErrRejected marks a definitive decline; retrying cannot succeed.
	ErrRejected = errors.New("rail: rejected")
)

// TransientError wraps a retryable failure with its cause.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("rail: %s: transient: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return ErrTransient }

// RejectedError wraps a terminal decline from the rail.
type RejectedError struct {
	Op      string
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rail: %s: rejected (%s): %s", e.Op, e.Code, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// IsTransient reports whether err should be retried by the caller layer.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsRejected reports whether err is a terminal decline.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
