package dispute

import (
	"errors"
	"fmt"
	"time"
)

// Status is the dispute lifecycle state. A dispute freezes its contract until
// it is resolved; escalation hands it to platform staff but keeps the freeze.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusEscalated  Status = "escalated"
	StatusResolved   Status = "resolved"
)

// transitions is the adjacency map for dispute statuses.
var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusEscalated, StatusResolved},
	StatusInProgress: {StatusEscalated, StatusResolved},
	StatusEscalated:  {StatusResolved},
	StatusResolved:   {},
}

// CanTransition reports whether next is reachable from from.
func CanTransition(from, next Status) bool {
	for _, s := range transitions[from] {
		if s == next {
			return true
		}
	}
	return false
}

// Record mirrors the disputes table.
type Record struct {
	ID          string
	ContractID  string
	InitiatedBy string
	Type        string
	Description string
	Status      Status
	Resolution  *string
	ResolvedBy  *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ResolvedAt  *time.Time
}

var (
	// ErrNotFound is returned when no dispute matches.
	ErrNotFound = errors.New("dispute: not found")
	// ErrAlreadyOpen signals an unresolved dispute already exists for the contract.
	ErrAlreadyOpen = errors.New("dispute: contract already has an open dispute")
	// ErrResolutionRequired rejects a resolution with no explanation.
	ErrResolutionRequired = errors.New("dispute: resolution text is required")
)

// InvalidStateError rejects a lifecycle move the adjacency map does not allow.
type InvalidStateError struct {
	From Status
	To   Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("dispute: cannot move from %s to %s", e.From, e.To)
}

// Outbox topics published by dispute operations.
const (
	TopicDisputeOpened    = "dispute.opened"
	TopicDisputeEscalated = "dispute.escalated"
	TopicDisputeResolved  = "dispute.resolved"
)
