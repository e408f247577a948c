package milestone

import "time"

// Milestone mirrors the milestones table.
type Milestone struct {
	ID          string
	ContractID  string
	Title       string
	Amount      int64
	DueDate     *time.Time
	Status      Status
	OrderIndex  int
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReviewDecision is the client's verdict on submitted work.
type ReviewDecision string

const (
	DecisionApprove         ReviewDecision = "approve"
	DecisionRequestRevision ReviewDecision = "request_revision"
)

// Outbox topics published by milestone operations.
const (
	TopicMilestoneSubmitted = "milestone.submitted"
	TopicMilestoneApproved  = "milestone.approved"
	TopicMilestoneRevision  = "milestone.revision_requested"
	TopicMilestoneCompleted = "milestone.completed"
)
