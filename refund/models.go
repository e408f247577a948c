package refund

import (
	"errors"
	"fmt"
	"time"
)

// Status is the refund request lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

// Request mirrors the refund_requests table.
type Request struct {
	ID          string
	ContractID  string
	RequestedBy string
	Amount      int64
	CapAmount   int64
	Reason      string
	Status      Status
	CreatedAt   time.Time
	DecidedAt   *time.Time
}

var (
	// ErrNotRefundable signals the contract status admits no refund.
	ErrNotRefundable = errors.New("refund: contract status not refundable")
	// ErrAlreadyPending signals a pending request already exists for the contract.
	ErrAlreadyPending = errors.New("refund: request already pending")
	// ErrNotFound is returned when no refund request matches.
	ErrNotFound = errors.New("refund: request not found")
	// ErrBadStatus signals a decision on a request no longer pending.
	ErrBadStatus = errors.New("refund: request is not pending")
)

// CapExceededError rejects a request above the policy cap, surfacing the
// computed cap so the caller can correct the amount.
type CapExceededError struct {
	Requested int64
	Cap       int64
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("refund: requested %d exceeds cap %d", e.Requested, e.Cap)
}

// Outbox topics published by refund operations.
const (
	TopicRefundRequested = "refund.requested"
	TopicRefundApproved  = "refund.approved"
	TopicRefundRejected  = "refund.rejected"
	TopicRefundCompleted = "refund.completed"
)
