package contract

// Status is the contract lifecycle state.
type Status string

const (
	StatusDraft               Status = "draft"
	StatusPendingSignatures   Status = "pending_signatures"
	StatusPendingFunding      Status = "pending_funding"
	StatusActive              Status = "active"
	StatusPendingDelivery     Status = "pending_delivery"
	StatusInReview            Status = "in_review"
	StatusRevisionRequested   Status = "revision_requested"
	StatusPendingCompletion   Status = "pending_completion"
	StatusCompleted           Status = "completed"
	StatusDisputed            Status = "disputed"
	StatusCancellationPending Status = "cancellation_pending"
	StatusCancelled           Status = "cancelled"
)

// transitions is the authoritative adjacency map. A transition absent here is
// rejected regardless of who asks; guards in the service layer restrict the
// listed ones further.
var transitions = map[Status][]Status{
	StatusDraft:               {StatusPendingSignatures, StatusCancelled},
	StatusPendingSignatures:   {StatusPendingFunding, StatusDraft, StatusCancelled},
	StatusPendingFunding:      {StatusActive, StatusCancellationPending, StatusCancelled},
	StatusActive:              {StatusPendingDelivery, StatusPendingCompletion, StatusCancellationPending, StatusCancelled, StatusDisputed},
	StatusPendingDelivery:     {StatusInReview, StatusActive, StatusCancellationPending, StatusDisputed},
	StatusInReview:            {StatusRevisionRequested, StatusPendingCompletion, StatusCancellationPending, StatusDisputed},
	StatusRevisionRequested:   {StatusActive, StatusDisputed},
	StatusPendingCompletion:   {StatusCompleted, StatusDisputed},
	StatusDisputed:            {StatusActive, StatusPendingSignatures, StatusPendingFunding, StatusPendingDelivery, StatusInReview, StatusPendingCompletion, StatusCancelled},
	StatusCancellationPending: {StatusCancelled},
}

// CanTransition reports whether from -> to exists in the adjacency map.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the statuses reachable from the given state so
// callers can self-correct after a rejection.
func AllowedTargets(from Status) []Status {
	targets := transitions[from]
	out := make([]Status, len(targets))
	copy(out, targets)
	return out
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsValid reports whether s is a known contract status.
func IsValid(s Status) bool {
	switch s {
	case StatusDraft, StatusPendingSignatures, StatusPendingFunding, StatusActive,
		StatusPendingDelivery, StatusInReview, StatusRevisionRequested,
		StatusPendingCompletion, StatusCompleted, StatusDisputed,
		StatusCancellationPending, StatusCancelled:
		return true
	default:
		return false
	}
}
