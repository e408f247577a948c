package contract

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/outbox"
	"escrowflow/timeline"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service drives contract status transitions. Every transition validates the
// adjacency map, the dispute freeze, the actor's role, and the target-specific
// guards before writing, and captures the timeline and outbox rows in the
// same transaction.
type Service struct {
	pool     TxBeginner
	repo     *Repository
	timeline *timeline.Writer
	outbox   *outbox.Writer
}

func NewService(pool TxBeginner, repo *Repository, tl *timeline.Writer, ob *outbox.Writer) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if tl == nil {
		tl = timeline.NewWriter()
	}
	if ob == nil {
		ob = outbox.NewWriter()
	}
	return &Service{pool: pool, repo: repo, timeline: tl, outbox: ob}
}

// Repo exposes the repository for sibling services sharing a transaction.
func (s *Service) Repo() *Repository { return s.repo }

// TransitionParams names the requested status change and the acting party.
type TransitionParams struct {
	ContractID string
	Actor      Actor
	Next       Status
	Payload    map[string]any
}

// Transition applies a status change in its own transaction.
func (s *Service) Transition(ctx context.Context, params TransitionParams) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.TransitionInTx(ctx, tx, params)
	if err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit transition: %w", err)
	}
	return c, nil
}

// TransitionInTx locks the contract row and applies the transition inside the
// caller's transaction. Sibling services use it to couple contract status
// changes with their own writes.
func (s *Service) TransitionInTx(ctx context.Context, tx pgx.Tx, params TransitionParams) (Contract, error) {
	c, err := s.repo.GetForUpdate(ctx, tx, params.ContractID)
	if err != nil {
		return Contract{}, err
	}
	return s.applyTransition(ctx, tx, c, params.Actor, params.Next, params.Payload)
}

// applyTransition assumes the contract row lock is held and c reflects the
// locked row.
func (s *Service) applyTransition(ctx context.Context, tx pgx.Tx, c Contract, actor Actor, next Status, payload map[string]any) (Contract, error) {
	if !IsValid(next) {
		return Contract{}, &InvalidTransitionError{From: c.Status, To: next, Allowed: AllowedTargets(c.Status)}
	}
	if !CanTransition(c.Status, next) {
		return Contract{}, &InvalidTransitionError{From: c.Status, To: next, Allowed: AllowedTargets(c.Status)}
	}

	open, err := s.repo.HasOpenDispute(ctx, tx, c.ID)
	if err != nil {
		return Contract{}, err
	}
	if open && !disputeExempt(c.Status, next) {
		return Contract{}, ErrDisputeOpen
	}

	if err := roleAllowed(actor, c, next); err != nil {
		return Contract{}, err
	}

	if err := s.checkGuards(ctx, tx, c, next); err != nil {
		return Contract{}, err
	}

	if err := s.repo.UpdateStatus(ctx, tx, c.ID, next); err != nil {
		return Contract{}, err
	}

	eventPayload := map[string]any{
		"previous_status": string(c.Status),
		"next_status":     string(next),
	}
	for k, v := range payload {
		eventPayload[k] = v
	}
	actorID := actor.ID
	if err := s.timeline.Append(ctx, tx, c.ID, "CONTRACT_STATUS_CHANGED", &actorID, eventPayload); err != nil {
		return Contract{}, err
	}

	topic := TopicContractStatusChanged
	switch next {
	case StatusCompleted:
		topic = TopicContractCompleted
	case StatusCancelled:
		topic = TopicContractCancelled
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, map[string]any{
		"contract_id": c.ID,
		"previous":    string(c.Status),
		"next":        string(next),
		"actor_id":    actor.ID,
	}); err != nil {
		return Contract{}, err
	}

	c.Status = next
	c.Version++
	return c, nil
}

// disputeExempt reports the transitions still permitted while a dispute is
// unresolved: entering the disputed state itself, and the narrow
// administrative cancellation out of it.
func disputeExempt(from, next Status) bool {
	if next == StatusDisputed {
		return true
	}
	return from == StatusDisputed && next == StatusCancelled
}

// roleAllowed enforces which side of the contract may drive each transition.
// Admins may drive any; everyone else must be a party to the contract.
func roleAllowed(actor Actor, c Contract, next Status) error {
	if actor.Role == RoleAdmin {
		return nil
	}
	if actor.ID != c.ClientID && actor.ID != c.FreelancerID {
		return ErrUnauthorized
	}

	switch next {
	case StatusPendingDelivery:
		// Only the freelancer submits deliverables.
		if actor.ID != c.FreelancerID {
			return ErrUnauthorized
		}
	case StatusInReview, StatusRevisionRequested, StatusPendingCompletion, StatusCompleted:
		// Review decisions and completion approval belong to the client.
		if actor.ID != c.ClientID {
			return ErrUnauthorized
		}
	case StatusActive:
		switch c.Status {
		case StatusRevisionRequested:
			if actor.ID != c.FreelancerID {
				return ErrUnauthorized
			}
		case StatusPendingDelivery:
			if actor.ID != c.ClientID {
				return ErrUnauthorized
			}
		}
	}
	return nil
}

func (s *Service) checkGuards(ctx context.Context, tx pgx.Tx, c Contract, next Status) error {
	switch next {
	case StatusPendingFunding:
		signed, err := s.repo.BothPartiesSigned(ctx, tx, c)
		if err != nil {
			return err
		}
		if !signed {
			return &PreconditionError{Reason: "both party signatures required"}
		}
	case StatusActive:
		if c.Status == StatusPendingFunding {
			totals, err := s.repo.GetEscrowTotals(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			if totals.Held == 0 {
				return &PreconditionError{Reason: "contract not funded"}
			}
		}
	case StatusPendingCompletion, StatusCompleted:
		if err := s.checkCompletionGuard(ctx, tx, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) checkCompletionGuard(ctx context.Context, tx pgx.Tx, c Contract) error {
	if c.Type == TypeMilestone {
		incomplete, err := s.repo.IncompleteMilestones(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if incomplete > 0 {
			return &PreconditionError{Reason: fmt.Sprintf("%d milestones not completed", incomplete)}
		}
		return nil
	}

	totals, err := s.repo.GetEscrowTotals(ctx, tx, c.ID)
	if err != nil {
		return err
	}
	if totals.Released < c.TotalAmount {
		return &PreconditionError{Reason: "full escrow amount not released"}
	}
	return nil
}

// Sign records a party's signature and, once both are present, advances the
// contract to pending_funding in the same transaction.
func (s *Service) Sign(ctx context.Context, actor Actor, contractID, payload string) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if actor.Role != RoleAdmin && actor.ID != c.ClientID && actor.ID != c.FreelancerID {
		return Contract{}, ErrUnauthorized
	}
	if c.Status != StatusPendingSignatures {
		return Contract{}, &PreconditionError{Reason: fmt.Sprintf("contract is %s, not pending_signatures", c.Status)}
	}

	if err := s.repo.InsertSignature(ctx, tx, Signature{ContractID: contractID, UserID: actor.ID, Payload: payload}); err != nil {
		return Contract{}, err
	}

	actorID := actor.ID
	if err := s.timeline.Append(ctx, tx, contractID, "CONTRACT_SIGNED", &actorID, map[string]any{
		"user_id": actor.ID,
	}); err != nil {
		return Contract{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicContractSigned, map[string]any{
		"contract_id": contractID,
		"user_id":     actor.ID,
	}); err != nil {
		return Contract{}, err
	}

	signed, err := s.repo.BothPartiesSigned(ctx, tx, c)
	if err != nil {
		return Contract{}, err
	}
	if signed {
		c, err = s.applyTransition(ctx, tx, c, actor, StatusPendingFunding, nil)
		if err != nil {
			return Contract{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit sign: %w", err)
	}
	return c, nil
}

// SubmitDelivery is the freelancer handing in work on fixed and hourly
// contracts.
func (s *Service) SubmitDelivery(ctx context.Context, actor Actor, contractID string, note string) (Contract, error) {
	return s.Transition(ctx, TransitionParams{
		ContractID: contractID,
		Actor:      actor,
		Next:       StatusPendingDelivery,
		Payload:    map[string]any{"note": note},
	})
}

// BeginReview moves a delivered contract into client review.
func (s *Service) BeginReview(ctx context.Context, actor Actor, contractID string) (Contract, error) {
	return s.Transition(ctx, TransitionParams{ContractID: contractID, Actor: actor, Next: StatusInReview})
}

// RequestRevision sends delivered work back to the freelancer.
func (s *Service) RequestRevision(ctx context.Context, actor Actor, contractID, notes string) (Contract, error) {
	return s.Transition(ctx, TransitionParams{
		ContractID: contractID,
		Actor:      actor,
		Next:       StatusRevisionRequested,
		Payload:    map[string]any{"notes": notes},
	})
}

// ResumeWork is the freelancer acknowledging a revision request.
func (s *Service) ResumeWork(ctx context.Context, actor Actor, contractID string) (Contract, error) {
	return s.Transition(ctx, TransitionParams{ContractID: contractID, Actor: actor, Next: StatusActive})
}

// ApproveDelivery accepts the delivered work and stages completion.
func (s *Service) ApproveDelivery(ctx context.Context, actor Actor, contractID string) (Contract, error) {
	return s.Transition(ctx, TransitionParams{ContractID: contractID, Actor: actor, Next: StatusPendingCompletion})
}

// Complete closes out a contract whose completion guard holds.
func (s *Service) Complete(ctx context.Context, actor Actor, contractID string) (Contract, error) {
	return s.Transition(ctx, TransitionParams{ContractID: contractID, Actor: actor, Next: StatusCompleted})
}

// Cancel soft-cancels the contract where the adjacency map allows it.
func (s *Service) Cancel(ctx context.Context, actor Actor, contractID, reason string) (Contract, error) {
	return s.Transition(ctx, TransitionParams{
		ContractID: contractID,
		Actor:      actor,
		Next:       StatusCancelled,
		Payload:    map[string]any{"reason": reason},
	})
}

// TryCompleteInTx attempts the signal fired after every milestone completes:
// advance to pending_completion if the contract's current state allows it.
// It is a no-op when the contract is not yet eligible.
func (s *Service) TryCompleteInTx(ctx context.Context, tx pgx.Tx, actor Actor, contractID string) error {
	c, err := s.repo.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if !CanTransition(c.Status, StatusPendingCompletion) {
		return nil
	}
	incomplete, err := s.repo.IncompleteMilestones(ctx, tx, c.ID)
	if err != nil {
		return err
	}
	if incomplete > 0 {
		return nil
	}
	_, err = s.applyTransition(ctx, tx, c, actor, StatusPendingCompletion, map[string]any{"trigger": "all_milestones_completed"})
	return err
}
