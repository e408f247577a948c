package contract

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no contract row exists for the identifier.
	ErrNotFound = errors.New("contract: not found")
	// ErrUnauthorized signals the actor lacks the role for the attempted operation.
	ErrUnauthorized = errors.New("contract: actor not authorized")
	// ErrDisputeOpen signals an unresolved dispute is freezing the contract.
	ErrDisputeOpen = errors.New("contract: transition blocked by open dispute")
	// ErrAlreadySigned signals a duplicate signature from the same party.
	ErrAlreadySigned = errors.New("contract: party already signed")
	// ErrPrecondition signals a legal transition whose guard failed.
	ErrPrecondition = errors.New("contract: precondition failed")
	// ErrMilestoneSumMismatch signals milestone amounts do not add up to the total.
	ErrMilestoneSumMismatch = errors.New("contract: milestone amounts must sum to total amount")
)

// InvalidTransitionError is returned when the requested status change is not
// in the adjacency map for the current state. Allowed carries the reachable
// targets so the caller can self-correct.
type InvalidTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("contract: invalid transition %s -> %s (allowed: %v)", e.From, e.To, e.Allowed)
}

// PreconditionError wraps ErrPrecondition with the guard that failed.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("contract: precondition failed: %s", e.Reason)
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }
