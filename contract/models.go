package contract

import "time"

// Type distinguishes the three contract payment shapes.
type Type string

const (
	TypeFixed     Type = "fixed"
	TypeMilestone Type = "milestone"
	TypeHourly    Type = "hourly"
)

// Role identifies which side of the contract an actor is on.
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleAdmin      Role = "admin"
)

// Actor is the authenticated party performing an engine operation. The engine
// never reads ambient session state; every operation takes an explicit Actor.
type Actor struct {
	ID   string
	Role Role
}

// Contract mirrors the contracts table columns touched by the engine.
type Contract struct {
	ID           string
	ClientID     string
	FreelancerID string
	CreatedBy    string
	Type         Type
	Title        string
	TotalAmount  int64
	Currency     string
	Status       Status
	Funded       bool
	Progress     int
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// Signature records one party's assent. At most one per (contract, user).
type Signature struct {
	ContractID string
	UserID     string
	Payload    string
	SignedAt   time.Time
}

// MilestoneInput describes a milestone supplied at contract creation.
type MilestoneInput struct {
	Title   string
	Amount  int64
	DueDate *time.Time
}

// Outbox topics published by contract transitions.
const (
	TopicContractCreated       = "contract.created"
	TopicContractStatusChanged = "contract.status_changed"
	TopicContractSigned        = "contract.signed"
	TopicContractCompleted     = "contract.completed"
	TopicContractCancelled     = "contract.cancelled"
)
