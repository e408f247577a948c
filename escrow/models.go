package escrow

import "time"

// Status is the ledger entry state. pending entries record in-flight rail
// calls and are confirmed or voided afterwards, never silently dropped.
type Status string

const (
	StatusPending  Status = "pending"
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusVoided   Status = "voided"
)

// Entry mirrors the escrow_entries table. A NULL milestone id means
// whole-contract funding.
type Entry struct {
	ID              string
	ContractID      string
	MilestoneID     *string
	Amount          int64
	Fee             int64
	NetAmount       int64
	AmountRemaining int64
	Status          Status
	ExternalRef     *string
	IdempotencyKey  *string
	FundedAt        *time.Time
	ReleasedAt      *time.Time
	RefundedAt      *time.Time
	CreatedAt       time.Time
}

// Outbox topics published by ledger movements.
const (
	TopicEscrowFunded    = "escrow.funded"
	TopicPaymentReleased = "payment.released"
	TopicEscrowRefunded  = "escrow.refunded"
)
