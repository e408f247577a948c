package refund

import (
	"testing"

	"escrowflow/contract"
)

func TestMaxRefundable(t *testing.T) {
	policy := DefaultPolicy()

	cases := []struct {
		name   string
		status contract.Status
		held   int64
		want   int64
	}{
		{"full refund before work starts", contract.StatusPendingFunding, 2600_00, 2600_00},
		{"active contract refunds 80 percent", contract.StatusActive, 2600_00, 2080_00},
		{"delivered work refunds 30 percent", contract.StatusPendingDelivery, 2600_00, 780_00},
		{"in review refunds 30 percent", contract.StatusInReview, 2600_00, 780_00},
		{"completed contract not refundable", contract.StatusCompleted, 2600_00, 0},
		{"cancelled contract not refundable", contract.StatusCancelled, 2600_00, 0},
		{"disputed contract not refundable", contract.StatusDisputed, 2600_00, 0},
		{"draft not refundable", contract.StatusDraft, 2600_00, 0},
		{"nothing held", contract.StatusActive, 0, 0},
		{"rounds half up", contract.StatusActive, 1, 1}, // 0.8 -> 1
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := policy.MaxRefundable(tc.status, tc.held); got != tc.want {
				t.Fatalf("MaxRefundable(%s, %d) = %d, want %d", tc.status, tc.held, got, tc.want)
			}
		})
	}
}

func TestMaxRefundableNeverExceedsHeld(t *testing.T) {
	policy := DefaultPolicy()
	statuses := []contract.Status{
		contract.StatusPendingFunding,
		contract.StatusActive,
		contract.StatusPendingDelivery,
		contract.StatusInReview,
	}
	for _, status := range statuses {
		for _, held := range []int64{1, 3, 99, 100, 12345, 2600_00} {
			if cap := policy.MaxRefundable(status, held); cap > held {
				t.Fatalf("cap %d exceeds held %d for status %s", cap, held, status)
			}
		}
	}
}
