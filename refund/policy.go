package refund

import (
	"math"

	"escrowflow/contract"
)

// Policy maps contract status to the refundable share of held funds. The
// percentages are configuration, not constants.
type Policy struct {
	PendingFundingPercent float64
	ActivePercent         float64
	DeliveredPercent      float64
}

// DefaultPolicy matches the platform's published schedule: everything back
// before work starts, 80% once work has started, 30% once work has likely
// been delivered.
func DefaultPolicy() Policy {
	return Policy{
		PendingFundingPercent: 100,
		ActivePercent:         80,
		DeliveredPercent:      30,
	}
}

// MaxRefundable is a pure function of (status, totalHeld). A zero result
// means the contract is not refundable in its current state.
func (p Policy) MaxRefundable(status contract.Status, totalHeld int64) int64 {
	if totalHeld <= 0 {
		return 0
	}

	var percent float64
	switch status {
	case contract.StatusPendingFunding:
		percent = p.PendingFundingPercent
	case contract.StatusActive:
		percent = p.ActivePercent
	case contract.StatusPendingDelivery, contract.StatusInReview:
		percent = p.DeliveredPercent
	default:
		return 0
	}
	return int64(math.Floor(float64(totalHeld)*percent/100 + 0.5))
}
