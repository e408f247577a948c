package milestone

import "fmt"

// Status is the milestone lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusInProgress        Status = "in_progress"
	StatusSubmitted         Status = "submitted"
	StatusApproved          Status = "approved"
	StatusRevisionRequested Status = "revision_requested"
	StatusCompleted         Status = "completed"
)

// transitions is the milestone adjacency map. completed is terminal.
var transitions = map[Status][]Status{
	StatusPending:           {StatusInProgress},
	StatusInProgress:        {StatusSubmitted},
	StatusSubmitted:         {StatusApproved, StatusRevisionRequested},
	StatusApproved:          {StatusCompleted},
	StatusRevisionRequested: {StatusInProgress},
}

// CanTransition reports whether from -> to is in the adjacency map.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the statuses reachable from the given state.
func AllowedTargets(from Status) []Status {
	targets := transitions[from]
	out := make([]Status, len(targets))
	copy(out, targets)
	return out
}

// InvalidTransitionError rejects a milestone status change not in the map.
type InvalidTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("milestone: invalid transition %s -> %s (allowed: %v)", e.From, e.To, e.Allowed)
}
