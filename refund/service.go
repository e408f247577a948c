package refund

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/contract"
	"escrowflow/escrow"
	"escrowflow/outbox"
	"escrowflow/timeline"
)

// Service runs the refund request lifecycle. Requests are capped by Policy at
// request time and re-checked at approval; the actual money movement is
// delegated to the escrow service once the counterparty has approved.
type Service struct {
	pool        *pgxpool.Pool
	repo        *Repository
	contractSvc *contract.Service
	escrowSvc   *escrow.Service
	policy      Policy
	timeline    *timeline.Writer
	outbox      *outbox.Writer
	idGen       func() string
}

func NewService(pool *pgxpool.Pool, contractSvc *contract.Service, escrowSvc *escrow.Service, policy Policy) *Service {
	return &Service{
		pool:        pool,
		repo:        NewRepository(),
		contractSvc: contractSvc,
		escrowSvc:   escrowSvc,
		policy:      policy,
		timeline:    timeline.NewWriter(),
		outbox:      outbox.NewWriter(),
		idGen:       func() string { return uuid.NewString() },
	}
}

// RequestParams is a client asking for escrowed money back.
type RequestParams struct {
	ContractID string
	Actor      contract.Actor
	Amount     int64
	Reason     string
}

// Request records a pending refund request after checking the policy cap
// against the contract's current status and remaining held balance. Only one
// pending request may exist per contract.
func (s *Service) Request(ctx context.Context, params RequestParams) (Request, error) {
	if params.Amount <= 0 {
		return Request{}, fmt.Errorf("refund: amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.contractSvc.Repo().GetForUpdate(ctx, tx, params.ContractID)
	if err != nil {
		return Request{}, err
	}
	if params.Actor.Role != contract.RoleAdmin && params.Actor.ID != c.ClientID {
		return Request{}, contract.ErrUnauthorized
	}

	totals, err := s.contractSvc.Repo().GetEscrowTotals(ctx, tx, c.ID)
	if err != nil {
		return Request{}, err
	}
	cap := s.policy.MaxRefundable(c.Status, totals.HeldRemaining)
	if cap == 0 {
		return Request{}, ErrNotRefundable
	}
	if params.Amount > cap {
		return Request{}, &CapExceededError{Requested: params.Amount, Cap: cap}
	}

	// The request ID doubles as the refund's escrow idempotency key, so it is
	// assigned here rather than by the database.
	req, err := s.repo.Insert(ctx, tx, Request{
		ID:          s.idGen(),
		ContractID:  c.ID,
		RequestedBy: params.Actor.ID,
		Amount:      params.Amount,
		CapAmount:   cap,
		Reason:      params.Reason,
	})
	if err != nil {
		return Request{}, err
	}

	actorID := params.Actor.ID
	if err := s.timeline.Append(ctx, tx, c.ID, "REFUND_REQUESTED", &actorID, map[string]any{
		"request_id": req.ID,
		"amount":     req.Amount,
		"cap":        req.CapAmount,
	}); err != nil {
		return Request{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicRefundRequested, map[string]any{
		"contract_id": c.ID,
		"request_id":  req.ID,
		"amount":      req.Amount,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("refund: commit request: %w", err)
	}
	return req, nil
}

// Approve accepts a pending request, parks the contract in
// cancellation_pending, pushes the money back through the rail, and closes the
// contract once the refund settles. A transient rail failure leaves the
// request approved; calling Approve again resumes from the rail step.
func (s *Service) Approve(ctx context.Context, actor contract.Actor, requestID string) (Request, error) {
	req, err := s.repo.Get(ctx, s.pool, requestID)
	if err != nil {
		return Request{}, err
	}

	switch req.Status {
	case StatusCompleted:
		return req, nil
	case StatusRejected:
		return Request{}, ErrBadStatus
	case StatusPending:
		req, err = s.markApproved(ctx, actor, req)
		if err != nil {
			return Request{}, err
		}
	}

	entry, err := s.escrowSvc.ExecuteRefund(ctx, escrow.RefundExecution{
		ContractID:     req.ContractID,
		Amount:         req.Amount,
		Actor:          actor,
		IdempotencyKey: "refund:" + req.ID,
	})
	if err != nil {
		return req, err
	}

	return s.markCompleted(ctx, actor, req, entry)
}

// markApproved validates the actor and cap under the contract lock, flips the
// request to approved, and moves the contract to cancellation_pending.
func (s *Service) markApproved(ctx context.Context, actor contract.Actor, req Request) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.contractSvc.Repo().GetForUpdate(ctx, tx, req.ContractID)
	if err != nil {
		return Request{}, err
	}
	if actor.Role != contract.RoleAdmin && actor.ID != c.FreelancerID {
		return Request{}, contract.ErrUnauthorized
	}

	locked, err := s.repo.GetForUpdate(ctx, tx, req.ID)
	if err != nil {
		return Request{}, err
	}
	if locked.Status != StatusPending {
		if locked.Status == StatusApproved {
			return locked, nil
		}
		return Request{}, ErrBadStatus
	}

	// The contract may have advanced since the request was filed; a stale
	// request must not refund more than the current status allows.
	totals, err := s.contractSvc.Repo().GetEscrowTotals(ctx, tx, c.ID)
	if err != nil {
		return Request{}, err
	}
	cap := s.policy.MaxRefundable(c.Status, totals.HeldRemaining)
	if cap == 0 {
		return Request{}, ErrNotRefundable
	}
	if locked.Amount > cap {
		return Request{}, &CapExceededError{Requested: locked.Amount, Cap: cap}
	}

	approved, err := s.repo.UpdateStatus(ctx, tx, locked.ID, StatusApproved)
	if err != nil {
		return Request{}, err
	}

	if _, err := s.contractSvc.TransitionInTx(ctx, tx, contract.TransitionParams{
		ContractID: c.ID,
		Actor:      actor,
		Next:       contract.StatusCancellationPending,
		Payload:    map[string]any{"trigger": "refund_approved", "request_id": approved.ID},
	}); err != nil {
		return Request{}, err
	}

	actorID := actor.ID
	if err := s.timeline.Append(ctx, tx, c.ID, "REFUND_APPROVED", &actorID, map[string]any{
		"request_id": approved.ID,
		"amount":     approved.Amount,
	}); err != nil {
		return Request{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicRefundApproved, map[string]any{
		"contract_id": c.ID,
		"request_id":  approved.ID,
		"amount":      approved.Amount,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("refund: commit approval: %w", err)
	}
	return approved, nil
}

// markCompleted closes out the request and cancels the contract after the
// rail refund settled.
func (s *Service) markCompleted(ctx context.Context, actor contract.Actor, req Request, entry escrow.Entry) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return req, fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.contractSvc.Repo().GetForUpdate(ctx, tx, req.ContractID); err != nil {
		return req, err
	}

	completed, err := s.repo.UpdateStatus(ctx, tx, req.ID, StatusCompleted)
	if err != nil {
		return req, err
	}

	if _, err := s.contractSvc.TransitionInTx(ctx, tx, contract.TransitionParams{
		ContractID: req.ContractID,
		Actor:      actor,
		Next:       contract.StatusCancelled,
		Payload:    map[string]any{"trigger": "refund_completed", "request_id": completed.ID},
	}); err != nil {
		var invalid *contract.InvalidTransitionError
		if !errors.As(err, &invalid) {
			return req, err
		}
		// Already cancelled by a concurrent resume of the same request.
	}

	actorID := actor.ID
	if err := s.timeline.Append(ctx, tx, req.ContractID, "REFUND_COMPLETED", &actorID, map[string]any{
		"request_id": completed.ID,
		"entry_id":   entry.ID,
		"amount":     completed.Amount,
	}); err != nil {
		return req, err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicRefundCompleted, map[string]any{
		"contract_id": req.ContractID,
		"request_id":  completed.ID,
		"amount":      completed.Amount,
	}); err != nil {
		return req, err
	}

	if err := tx.Commit(ctx); err != nil {
		return req, fmt.Errorf("refund: commit completion: %w", err)
	}
	return completed, nil
}

// Reject declines a pending request. The contract keeps its current status.
func (s *Service) Reject(ctx context.Context, actor contract.Actor, requestID, reason string) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.Get(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}

	c, err := s.contractSvc.Repo().GetForUpdate(ctx, tx, req.ContractID)
	if err != nil {
		return Request{}, err
	}
	if actor.Role != contract.RoleAdmin && actor.ID != c.FreelancerID {
		return Request{}, contract.ErrUnauthorized
	}

	locked, err := s.repo.GetForUpdate(ctx, tx, req.ID)
	if err != nil {
		return Request{}, err
	}
	if locked.Status != StatusPending {
		return Request{}, ErrBadStatus
	}

	rejected, err := s.repo.UpdateStatus(ctx, tx, locked.ID, StatusRejected)
	if err != nil {
		return Request{}, err
	}

	actorID := actor.ID
	if err := s.timeline.Append(ctx, tx, c.ID, "REFUND_REJECTED", &actorID, map[string]any{
		"request_id": rejected.ID,
		"reason":     reason,
	}); err != nil {
		return Request{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicRefundRejected, map[string]any{
		"contract_id": c.ID,
		"request_id":  rejected.ID,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("refund: commit rejection: %w", err)
	}
	return rejected, nil
}

// Get returns a refund request visible to the contract's parties.
func (s *Service) Get(ctx context.Context, actor contract.Actor, requestID string) (Request, error) {
	req, err := s.repo.Get(ctx, s.pool, requestID)
	if err != nil {
		return Request{}, err
	}
	c, err := s.contractSvc.Repo().Get(ctx, s.pool, req.ContractID)
	if err != nil {
		return Request{}, err
	}
	if actor.Role != contract.RoleAdmin && actor.ID != c.ClientID && actor.ID != c.FreelancerID {
		return Request{}, contract.ErrUnauthorized
	}
	return req, nil
}
