package milestone

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/contract"
	"escrowflow/outbox"
	"escrowflow/timeline"
)

// Service drives per-milestone status transitions. Operations lock the owning
// contract row first, so milestone writes are serialized with contract
// transitions and the dispute freeze is observed.
type Service struct {
	pool        contract.TxBeginner
	repo        *Repository
	contractSvc *contract.Service
	timeline    *timeline.Writer
	outbox      *outbox.Writer
}

func NewService(pool contract.TxBeginner, contractSvc *contract.Service) *Service {
	return &Service{
		pool:        pool,
		repo:        NewRepository(),
		contractSvc: contractSvc,
		timeline:    timeline.NewWriter(),
		outbox:      outbox.NewWriter(),
	}
}

// Repo exposes the repository for services sharing a transaction.
func (s *Service) Repo() *Repository { return s.repo }

// workableStatuses are contract states in which milestone work may progress.
var workableStatuses = map[contract.Status]bool{
	contract.StatusActive:          true,
	contract.StatusPendingDelivery: true,
	contract.StatusInReview:        true,
}

func (s *Service) lockContract(ctx context.Context, tx pgx.Tx, actor contract.Actor, contractID string) (contract.Contract, error) {
	c, err := s.contractSvc.Repo().GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}
	if actor.Role != contract.RoleAdmin && actor.ID != c.ClientID && actor.ID != c.FreelancerID {
		return contract.Contract{}, contract.ErrUnauthorized
	}
	open, err := s.contractSvc.Repo().HasOpenDispute(ctx, tx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}
	if open {
		return contract.Contract{}, contract.ErrDisputeOpen
	}
	return c, nil
}

// Start moves a milestone into in_progress; only the freelancer works.
func (s *Service) Start(ctx context.Context, actor contract.Actor, contractID, milestoneID string) (Milestone, error) {
	return s.transition(ctx, actor, contractID, milestoneID, StatusInProgress, func(c contract.Contract, m Milestone) error {
		if actor.Role != contract.RoleAdmin && actor.ID != c.FreelancerID {
			return contract.ErrUnauthorized
		}
		if !workableStatuses[c.Status] {
			return &contract.PreconditionError{Reason: fmt.Sprintf("contract is %s", c.Status)}
		}
		return nil
	}, "MILESTONE_STARTED", "", nil)
}

// Submit hands in deliverables for review; freelancer only.
func (s *Service) Submit(ctx context.Context, actor contract.Actor, contractID, milestoneID, deliverables string) (Milestone, error) {
	return s.transition(ctx, actor, contractID, milestoneID, StatusSubmitted, func(c contract.Contract, m Milestone) error {
		if actor.Role != contract.RoleAdmin && actor.ID != c.FreelancerID {
			return contract.ErrUnauthorized
		}
		if !workableStatuses[c.Status] {
			return &contract.PreconditionError{Reason: fmt.Sprintf("contract is %s", c.Status)}
		}
		return nil
	}, "MILESTONE_SUBMITTED", TopicMilestoneSubmitted, map[string]any{"deliverables": deliverables})
}

// Review records the client's decision on submitted work. Approval stages the
// milestone for payment release; the milestone only completes once the ledger
// entry is confirmed released.
func (s *Service) Review(ctx context.Context, actor contract.Actor, contractID, milestoneID string, decision ReviewDecision, notes string) (Milestone, error) {
	var next Status
	var eventType, topic string
	switch decision {
	case DecisionApprove:
		next, eventType, topic = StatusApproved, "MILESTONE_APPROVED", TopicMilestoneApproved
	case DecisionRequestRevision:
		next, eventType, topic = StatusRevisionRequested, "MILESTONE_REVISION_REQUESTED", TopicMilestoneRevision
	default:
		return Milestone{}, fmt.Errorf("milestone: invalid review decision %q", decision)
	}

	return s.transition(ctx, actor, contractID, milestoneID, next, func(c contract.Contract, m Milestone) error {
		if actor.Role != contract.RoleAdmin && actor.ID != c.ClientID {
			return contract.ErrUnauthorized
		}
		if !workableStatuses[c.Status] {
			return &contract.PreconditionError{Reason: fmt.Sprintf("contract is %s", c.Status)}
		}
		return nil
	}, eventType, topic, map[string]any{"notes": notes})
}

func (s *Service) transition(
	ctx context.Context,
	actor contract.Actor,
	contractID, milestoneID string,
	next Status,
	guard func(contract.Contract, Milestone) error,
	eventType, topic string,
	payload map[string]any,
) (Milestone, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.lockContract(ctx, tx, actor, contractID)
	if err != nil {
		return Milestone{}, err
	}

	m, err := s.repo.GetForUpdate(ctx, tx, contractID, milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if !CanTransition(m.Status, next) {
		return Milestone{}, &InvalidTransitionError{From: m.Status, To: next, Allowed: AllowedTargets(m.Status)}
	}
	if err := guard(c, m); err != nil {
		return Milestone{}, err
	}

	if err := s.repo.UpdateStatus(ctx, tx, m.ID, next); err != nil {
		return Milestone{}, err
	}

	eventPayload := map[string]any{
		"milestone_id":    m.ID,
		"previous_status": string(m.Status),
		"next_status":     string(next),
	}
	for k, v := range payload {
		eventPayload[k] = v
	}
	actorID := actor.ID
	if err := s.timeline.Append(ctx, tx, contractID, eventType, &actorID, eventPayload); err != nil {
		return Milestone{}, err
	}
	if topic != "" {
		if err := s.outbox.Enqueue(ctx, tx, topic, map[string]any{
			"contract_id":  contractID,
			"milestone_id": m.ID,
			"status":       string(next),
			"actor_id":     actor.ID,
		}); err != nil {
			return Milestone{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("milestone: commit transition: %w", err)
	}

	m.Status = next
	return m, nil
}

// CompleteFromReleaseInTx flips an approved milestone to completed once its
// ledger entry is confirmed released, updates the contract's progress, and
// fires the completion signal. The caller owns the transaction and already
// holds the contract row lock.
func (s *Service) CompleteFromReleaseInTx(ctx context.Context, tx pgx.Tx, actor contract.Actor, contractID, milestoneID string) error {
	m, err := s.repo.GetForUpdate(ctx, tx, contractID, milestoneID)
	if err != nil {
		return err
	}
	if m.Status == StatusCompleted {
		return nil
	}
	if !CanTransition(m.Status, StatusCompleted) {
		return &InvalidTransitionError{From: m.Status, To: StatusCompleted, Allowed: AllowedTargets(m.Status)}
	}
	if err := s.repo.UpdateStatus(ctx, tx, m.ID, StatusCompleted); err != nil {
		return err
	}

	actorID := actor.ID
	if err := s.timeline.Append(ctx, tx, contractID, "MILESTONE_COMPLETED", &actorID, map[string]any{
		"milestone_id": m.ID,
	}); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicMilestoneCompleted, map[string]any{
		"contract_id":  contractID,
		"milestone_id": m.ID,
	}); err != nil {
		return err
	}

	if err := s.contractSvc.Repo().UpdateProgress(ctx, tx, contractID); err != nil {
		return err
	}
	return s.contractSvc.TryCompleteInTx(ctx, tx, actor, contractID)
}

// Add appends a milestone while the contract is still in draft or
// pending_signatures, recomputing the contract total so the sum invariant
// holds atomically with the insert.
func (s *Service) Add(ctx context.Context, actor contract.Actor, contractID string, input contract.MilestoneInput) (Milestone, error) {
	if input.Title == "" {
		return Milestone{}, fmt.Errorf("milestone: title required")
	}
	if input.Amount <= 0 {
		return Milestone{}, fmt.Errorf("milestone: amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.lockContract(ctx, tx, actor, contractID)
	if err != nil {
		return Milestone{}, err
	}
	if c.Type != contract.TypeMilestone {
		return Milestone{}, fmt.Errorf("milestone: contract type %s has no milestones", c.Type)
	}
	if c.Status != contract.StatusDraft && c.Status != contract.StatusPendingSignatures {
		return Milestone{}, &contract.PreconditionError{Reason: "milestones are immutable after signing"}
	}

	const insertSQL = `
INSERT INTO milestones (contract_id, title, amount, due_date, order_index)
VALUES ($1, $2, $3, $4, (SELECT COALESCE(MAX(order_index), -1) + 1 FROM milestones WHERE contract_id = $1))
RETURNING id, contract_id, title, amount, due_date, status, order_index, completed_at, created_at, updated_at
`
	var m Milestone
	if err := tx.QueryRow(ctx, insertSQL, contractID, input.Title, input.Amount, input.DueDate).Scan(
		&m.ID, &m.ContractID, &m.Title, &m.Amount, &m.DueDate,
		&m.Status, &m.OrderIndex, &m.CompletedAt, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return Milestone{}, fmt.Errorf("milestone: insert: %w", err)
	}

	if err := s.syncContractTotal(ctx, tx, contractID); err != nil {
		return Milestone{}, err
	}

	actorID := actor.ID
	if err := s.timeline.Append(ctx, tx, contractID, "MILESTONE_ADDED", &actorID, map[string]any{
		"milestone_id": m.ID,
		"amount":       m.Amount,
	}); err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("milestone: commit add: %w", err)
	}
	return m, nil
}

// Remove deletes a pending milestone while the contract is still unsigned and
// recomputes the contract total.
func (s *Service) Remove(ctx context.Context, actor contract.Actor, contractID, milestoneID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.lockContract(ctx, tx, actor, contractID)
	if err != nil {
		return err
	}
	if c.Status != contract.StatusDraft && c.Status != contract.StatusPendingSignatures {
		return &contract.PreconditionError{Reason: "milestones are immutable after signing"}
	}

	m, err := s.repo.GetForUpdate(ctx, tx, contractID, milestoneID)
	if err != nil {
		return err
	}
	if m.Status != StatusPending {
		return &contract.PreconditionError{Reason: "only pending milestones can be removed"}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM milestones WHERE id = $1`, milestoneID); err != nil {
		return fmt.Errorf("milestone: delete: %w", err)
	}
	if err := s.syncContractTotal(ctx, tx, contractID); err != nil {
		return err
	}

	actorID := actor.ID
	if err := s.timeline.Append(ctx, tx, contractID, "MILESTONE_REMOVED", &actorID, map[string]any{
		"milestone_id": milestoneID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("milestone: commit remove: %w", err)
	}
	return nil
}

// syncContractTotal keeps total_amount equal to the milestone sum while the
// contract is still mutable.
func (s *Service) syncContractTotal(ctx context.Context, tx pgx.Tx, contractID string) error {
	const q = `
UPDATE contracts
SET total_amount = (SELECT COALESCE(SUM(amount), 0) FROM milestones WHERE contract_id = $1),
    updated_at = get_tx_timestamp()
WHERE id = $1
`
	if _, err := tx.Exec(ctx, q, contractID); err != nil {
		return fmt.Errorf("milestone: sync contract total: %w", err)
	}
	return nil
}

// List returns the contract's milestones in order.
func (s *Service) List(ctx context.Context, pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, contractID string) ([]Milestone, error) {
	return s.repo.ListByContract(ctx, pool, contractID)
}
