package rail

import "context"

// TransferParams moves released escrow funds to a recipient.
type TransferParams struct {
	Destination    string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// RefundParams returns held funds against the original charge.
type RefundParams struct {
	ExternalRef    string
	Amount         int64
	IdempotencyKey string
}

// Client is the payment rail the engine consumes. The rail is at-least-once
// and idempotency-key capable; implementations must classify failures as
// transient (retryable by the caller layer) or rejected (terminal) so the
// engine can branch.
type Client interface {
	Transfer(ctx context.Context, params TransferParams) (externalRef string, err error)
	Refund(ctx context.Context, params RefundParams) (externalRef string, err error)
}
