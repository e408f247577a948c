package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/contract"
	"escrowflow/kyc"
	"escrowflow/milestone"
	"escrowflow/outbox"
	"escrowflow/rail"
	"escrowflow/timeline"
)

// releasableStatuses are the contract states in which held funds may move to
// the freelancer.
var releasableStatuses = map[contract.Status]bool{
	contract.StatusActive:            true,
	contract.StatusPendingDelivery:   true,
	contract.StatusInReview:          true,
	contract.StatusPendingCompletion: true,
}

// Service owns every movement of escrowed money. Rail calls happen outside
// the database transaction: a pending ledger entry reserves the amount before
// the call and is confirmed or voided afterwards, so a downstream timeout
// leaves a recoverable row rather than a lost attempt.
type Service struct {
	pool         *pgxpool.Pool
	repo         *Repository
	contractSvc  *contract.Service
	milestoneSvc *milestone.Service
	gate         kyc.Gate
	rail         rail.Client
	fees         FeeSchedule
	kycThreshold int64
	timeline     *timeline.Writer
	outbox       *outbox.Writer
}

func NewService(pool *pgxpool.Pool, contractSvc *contract.Service, milestoneSvc *milestone.Service, gate kyc.Gate, railClient rail.Client, fees FeeSchedule, kycThreshold int64) *Service {
	return &Service{
		pool:         pool,
		repo:         NewRepository(),
		contractSvc:  contractSvc,
		milestoneSvc: milestoneSvc,
		gate:         gate,
		rail:         railClient,
		fees:         fees,
		kycThreshold: kycThreshold,
		timeline:     timeline.NewWriter(),
		outbox:       outbox.NewWriter(),
	}
}

// Repo exposes the ledger repository to the refund service.
func (s *Service) Repo() *Repository { return s.repo }

// FundParams records client money arriving in escrow. ExternalRef is the
// payment-rail charge that sourced the funds.
type FundParams struct {
	ContractID     string
	Actor          contract.Actor
	Amount         int64
	Currency       string
	ExternalRef    string
	IdempotencyKey string
}

// Fund creates the held ledger entry for a whole-contract deposit and
// activates the contract. Retries with the same idempotency key return the
// original entry; a second deposit fails with ErrAlreadyFunded.
func (s *Service) Fund(ctx context.Context, params FundParams) (Entry, error) {
	if params.IdempotencyKey == "" {
		return Entry{}, fmt.Errorf("escrow: missing idempotency key")
	}
	if params.Amount <= 0 {
		return Entry{}, fmt.Errorf("escrow: amount must be positive")
	}

	if existing, err := s.repo.GetByIdempotencyKey(ctx, s.pool, params.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Entry{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.contractSvc.Repo().GetForUpdate(ctx, tx, params.ContractID)
	if err != nil {
		return Entry{}, err
	}
	if params.Actor.Role != contract.RoleAdmin && params.Actor.ID != c.ClientID {
		return Entry{}, contract.ErrUnauthorized
	}
	// An unresolved hold means money is already in escrow, whatever the
	// contract status says; that is the double-deposit case, not a status
	// problem.
	if _, err := s.repo.ActiveHoldForUpdate(ctx, tx, c.ID); err == nil {
		return Entry{}, ErrAlreadyFunded
	} else if !errors.Is(err, ErrNotFound) {
		return Entry{}, err
	}
	if c.Status != contract.StatusPendingFunding {
		return Entry{}, &contract.PreconditionError{Reason: fmt.Sprintf("contract is %s, not pending_funding", c.Status)}
	}
	if params.Currency != "" && params.Currency != c.Currency {
		return Entry{}, fmt.Errorf("escrow: currency %s does not match contract currency %s", params.Currency, c.Currency)
	}
	if params.Amount != c.TotalAmount {
		return Entry{}, &contract.PreconditionError{Reason: fmt.Sprintf("deposit %d does not match contract total %d", params.Amount, c.TotalAmount)}
	}

	entry, err := s.repo.InsertHold(ctx, tx, c.ID, nil, params.Amount, params.ExternalRef, params.IdempotencyKey)
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return s.repo.GetByIdempotencyKey(ctx, s.pool, params.IdempotencyKey)
		}
		return Entry{}, err
	}

	if err := s.contractSvc.Repo().SetFunded(ctx, tx, c.ID); err != nil {
		return Entry{}, err
	}
	if _, err := s.contractSvc.TransitionInTx(ctx, tx, contract.TransitionParams{
		ContractID: c.ID,
		Actor:      params.Actor,
		Next:       contract.StatusActive,
		Payload:    map[string]any{"trigger": "escrow_funded", "amount": params.Amount},
	}); err != nil {
		return Entry{}, err
	}

	actorID := params.Actor.ID
	if err := s.timeline.Append(ctx, tx, c.ID, "ESCROW_FUNDED", &actorID, map[string]any{
		"entry_id": entry.ID,
		"amount":   entry.Amount,
		"currency": c.Currency,
	}); err != nil {
		return Entry{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicEscrowFunded, map[string]any{
		"contract_id": c.ID,
		"entry_id":    entry.ID,
		"amount":      entry.Amount,
	}); err != nil {
		return Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("escrow: commit fund: %w", err)
	}
	return entry, nil
}

// ReleaseParams moves held funds to the freelancer. A nil milestone id
// releases against the contract as a whole (fixed/hourly contracts).
type ReleaseParams struct {
	ContractID     string
	MilestoneID    *string
	Amount         int64
	Actor          contract.Actor
	IdempotencyKey string
}

// Release pays the freelancer out of escrow. The flow is: reserve (pending
// entry + hold decrement, committed), rail transfer, confirm (released entry,
// milestone completion, committed). Only the client may release; the KYC gate
// is consulted before any mutation.
func (s *Service) Release(ctx context.Context, params ReleaseParams) (Entry, error) {
	if params.IdempotencyKey == "" {
		return Entry{}, fmt.Errorf("escrow: missing idempotency key")
	}

	if existing, err := s.repo.GetByIdempotencyKey(ctx, s.pool, params.IdempotencyKey); err == nil {
		switch existing.Status {
		case StatusReleased:
			return existing, nil
		case StatusPending:
			return s.settleRelease(ctx, params, existing)
		case StatusVoided:
			return existing, &rail.RejectedError{Op: "transfer", Code: "voided", Message: "previous attempt was declined"}
		}
	} else if !errors.Is(err, ErrNotFound) {
		return Entry{}, err
	}

	pending, err := s.reserveRelease(ctx, params)
	if err != nil {
		return Entry{}, err
	}
	return s.settleRelease(ctx, params, pending)
}

// reserveRelease validates every guard and commits the pending entry.
func (s *Service) reserveRelease(ctx context.Context, params ReleaseParams) (Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.contractSvc.Repo().GetForUpdate(ctx, tx, params.ContractID)
	if err != nil {
		return Entry{}, err
	}
	if params.Actor.Role != contract.RoleAdmin && params.Actor.ID != c.ClientID {
		return Entry{}, contract.ErrUnauthorized
	}

	open, err := s.contractSvc.Repo().HasOpenDispute(ctx, tx, c.ID)
	if err != nil {
		return Entry{}, err
	}
	if open {
		return Entry{}, contract.ErrDisputeOpen
	}
	if !releasableStatuses[c.Status] {
		return Entry{}, &contract.PreconditionError{Reason: fmt.Sprintf("contract is %s; funds cannot be released", c.Status)}
	}

	if c.Type == contract.TypeMilestone && params.MilestoneID == nil {
		return Entry{}, &contract.PreconditionError{Reason: "milestone contracts release per approved milestone"}
	}

	amount := params.Amount
	if params.MilestoneID != nil {
		m, err := s.milestoneSvc.Repo().GetForUpdate(ctx, tx, c.ID, *params.MilestoneID)
		if err != nil {
			return Entry{}, err
		}
		if m.Status == milestone.StatusCompleted {
			return s.repo.ReleasedEntryForMilestone(ctx, tx, c.ID, m.ID)
		}
		if m.Status != milestone.StatusApproved {
			return Entry{}, &contract.PreconditionError{Reason: fmt.Sprintf("milestone is %s, not approved", m.Status)}
		}
		if amount == 0 {
			amount = m.Amount
		}
		if amount != m.Amount {
			return Entry{}, &contract.PreconditionError{Reason: "partial milestone releases are not supported"}
		}
	}
	if amount <= 0 {
		return Entry{}, fmt.Errorf("escrow: amount must be positive")
	}

	hold, err := s.repo.ActiveHoldForUpdate(ctx, tx, c.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Entry{}, ErrInsufficientEscrow
		}
		return Entry{}, err
	}
	if hold.AmountRemaining < amount {
		return Entry{}, ErrInsufficientEscrow
	}

	// Check-before-mutate: an ineligible recipient must leave the ledger
	// untouched.
	if amount >= s.kycThreshold {
		elig, err := s.gate.CheckEligibility(ctx, c.FreelancerID, amount, kyc.ActionRelease)
		if err != nil {
			return Entry{}, fmt.Errorf("escrow: kyc check: %w", err)
		}
		if !elig.Eligible {
			return Entry{}, &kyc.RequiredError{UserID: c.FreelancerID, Missing: elig.Missing}
		}
	}

	// The fee percentage is read at release time; tiers change between
	// funding and release.
	var tier Tier
	if err := tx.QueryRow(ctx, `SELECT tier::text FROM users WHERE id = $1`, c.FreelancerID).Scan(&tier); err != nil {
		return Entry{}, fmt.Errorf("escrow: read freelancer tier: %w", err)
	}
	fee := s.fees.Fee(amount, tier)

	pending, err := s.repo.InsertPending(ctx, tx, c.ID, params.MilestoneID, amount, fee, params.IdempotencyKey)
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// A concurrent request with the same key reserved first; settle
			// its entry instead of erroring the retry.
			return s.repo.GetByIdempotencyKey(ctx, s.pool, params.IdempotencyKey)
		}
		return Entry{}, err
	}
	if err := s.repo.DecrementHold(ctx, tx, hold.ID, amount); err != nil {
		return Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("escrow: commit reservation: %w", err)
	}
	return pending, nil
}

// settleRelease performs the rail transfer for a reserved entry and records
// the outcome. The reservation is re-read first so a resumed attempt never
// reaches the rail when the money already moved.
func (s *Service) settleRelease(ctx context.Context, params ReleaseParams, pending Entry) (Entry, error) {
	if fresh, err := s.repo.GetByIdempotencyKey(ctx, s.pool, params.IdempotencyKey); err == nil {
		pending = fresh
	} else if !errors.Is(err, ErrNotFound) {
		return pending, err
	}
	switch pending.Status {
	case StatusReleased:
		return pending, nil
	case StatusVoided:
		return pending, &rail.RejectedError{Op: "transfer", Code: "voided", Message: "previous attempt was declined"}
	}

	// If the milestone settled under another key, this reservation is stale:
	// void it, restore the hold, and hand back the recorded release.
	if pending.MilestoneID != nil {
		existing, err := s.repo.ReleasedEntryForMilestone(ctx, s.pool, pending.ContractID, *pending.MilestoneID)
		if err == nil && existing.ID != pending.ID {
			if voidErr := s.voidReservation(ctx, pending); voidErr != nil {
				return pending, voidErr
			}
			return existing, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return pending, err
		}
	}

	c, err := s.contractSvc.Repo().Get(ctx, s.pool, params.ContractID)
	if err != nil {
		return pending, err
	}

	ref, err := s.rail.Transfer(ctx, rail.TransferParams{
		Destination:    c.FreelancerID,
		Amount:         pending.NetAmount,
		Currency:       c.Currency,
		IdempotencyKey: params.IdempotencyKey,
	})
	if err != nil {
		if rail.IsTransient(err) {
			// Leave the pending entry for a retry or reconciliation.
			return pending, err
		}
		if voidErr := s.voidReservation(ctx, pending); voidErr != nil {
			return pending, voidErr
		}
		return pending, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pending, fmt.Errorf("escrow: begin confirm tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.contractSvc.Repo().GetForUpdate(ctx, tx, params.ContractID); err != nil {
		return pending, err
	}

	entry, err := s.repo.ConfirmRelease(ctx, tx, pending.ID, ref)
	if err != nil {
		return pending, err
	}

	actorID := params.Actor.ID
	eventPayload := map[string]any{
		"entry_id":   entry.ID,
		"amount":     entry.Amount,
		"fee":        entry.Fee,
		"net_amount": entry.NetAmount,
	}
	if entry.MilestoneID != nil {
		eventPayload["milestone_id"] = *entry.MilestoneID
	}
	if err := s.timeline.Append(ctx, tx, params.ContractID, "PAYMENT_RELEASED", &actorID, eventPayload); err != nil {
		return pending, err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicPaymentReleased, map[string]any{
		"contract_id": params.ContractID,
		"entry_id":    entry.ID,
		"net_amount":  entry.NetAmount,
	}); err != nil {
		return pending, err
	}

	if entry.MilestoneID != nil {
		if err := s.milestoneSvc.CompleteFromReleaseInTx(ctx, tx, params.Actor, params.ContractID, *entry.MilestoneID); err != nil {
			return pending, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pending, fmt.Errorf("escrow: commit release: %w", err)
	}
	return entry, nil
}

// voidReservation abandons a pending entry after a terminal decline and
// re-credits the hold.
func (s *Service) voidReservation(ctx context.Context, pending Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin void tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.contractSvc.Repo().GetForUpdate(ctx, tx, pending.ContractID); err != nil {
		return err
	}
	if err := s.repo.Void(ctx, tx, pending.ID); err != nil {
		return err
	}
	hold, err := s.repo.ActiveHoldForUpdate(ctx, tx, pending.ContractID)
	if err != nil {
		return err
	}
	if err := s.repo.IncrementHold(ctx, tx, hold.ID, pending.Amount); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit void: %w", err)
	}
	return nil
}

// RefundExecution is invoked by the refund service once a request is
// approved; policy checks happened there.
type RefundExecution struct {
	ContractID     string
	Amount         int64
	Actor          contract.Actor
	IdempotencyKey string
}

// ExecuteRefund returns held funds to the client against the original charge.
// Same reserve/settle discipline as Release.
func (s *Service) ExecuteRefund(ctx context.Context, params RefundExecution) (Entry, error) {
	if params.IdempotencyKey == "" {
		return Entry{}, fmt.Errorf("escrow: missing idempotency key")
	}
	if params.Amount <= 0 {
		return Entry{}, fmt.Errorf("escrow: amount must be positive")
	}

	var chargeRef string

	if existing, err := s.repo.GetByIdempotencyKey(ctx, s.pool, params.IdempotencyKey); err == nil {
		switch existing.Status {
		case StatusRefunded:
			return existing, nil
		case StatusPending:
			return s.settleRefund(ctx, params, existing, "")
		case StatusVoided:
			return existing, &rail.RejectedError{Op: "refund", Code: "voided", Message: "previous attempt was declined"}
		}
	} else if !errors.Is(err, ErrNotFound) {
		return Entry{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.contractSvc.Repo().GetForUpdate(ctx, tx, params.ContractID); err != nil {
		return Entry{}, err
	}

	hold, err := s.repo.ActiveHoldForUpdate(ctx, tx, params.ContractID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Entry{}, ErrNoEscrowToRefund
		}
		return Entry{}, err
	}
	if hold.AmountRemaining < params.Amount {
		return Entry{}, ErrInsufficientEscrow
	}
	if hold.ExternalRef != nil {
		chargeRef = *hold.ExternalRef
	}

	pending, err := s.repo.InsertPending(ctx, tx, params.ContractID, nil, params.Amount, 0, params.IdempotencyKey)
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			existing, fetchErr := s.repo.GetByIdempotencyKey(ctx, s.pool, params.IdempotencyKey)
			if fetchErr != nil {
				return Entry{}, fetchErr
			}
			return s.settleRefund(ctx, params, existing, "")
		}
		return Entry{}, err
	}
	if err := s.repo.DecrementHold(ctx, tx, hold.ID, params.Amount); err != nil {
		return Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("escrow: commit refund reservation: %w", err)
	}

	return s.settleRefund(ctx, params, pending, chargeRef)
}

func (s *Service) settleRefund(ctx context.Context, params RefundExecution, pending Entry, chargeRef string) (Entry, error) {
	if fresh, err := s.repo.GetByIdempotencyKey(ctx, s.pool, params.IdempotencyKey); err == nil {
		pending = fresh
	} else if !errors.Is(err, ErrNotFound) {
		return pending, err
	}
	switch pending.Status {
	case StatusRefunded:
		return pending, nil
	case StatusVoided:
		return pending, &rail.RejectedError{Op: "refund", Code: "voided", Message: "previous attempt was declined"}
	}

	if chargeRef == "" {
		// Resumed attempt: recover the original charge reference.
		if err := s.pool.QueryRow(ctx, `
SELECT COALESCE(external_ref, '') FROM escrow_entries
WHERE contract_id = $1 AND status = 'held'
ORDER BY created_at LIMIT 1
`, params.ContractID).Scan(&chargeRef); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return pending, fmt.Errorf("escrow: recover charge ref: %w", err)
		}
	}

	ref, err := s.rail.Refund(ctx, rail.RefundParams{
		ExternalRef:    chargeRef,
		Amount:         pending.Amount,
		IdempotencyKey: params.IdempotencyKey,
	})
	if err != nil {
		if rail.IsTransient(err) {
			return pending, err
		}
		if voidErr := s.voidReservation(ctx, pending); voidErr != nil {
			return pending, voidErr
		}
		return pending, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pending, fmt.Errorf("escrow: begin confirm tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.contractSvc.Repo().GetForUpdate(ctx, tx, params.ContractID); err != nil {
		return pending, err
	}
	entry, err := s.repo.ConfirmRefund(ctx, tx, pending.ID, ref)
	if err != nil {
		return pending, err
	}

	actorID := params.Actor.ID
	if err := s.timeline.Append(ctx, tx, params.ContractID, "ESCROW_REFUNDED", &actorID, map[string]any{
		"entry_id": entry.ID,
		"amount":   entry.Amount,
	}); err != nil {
		return pending, err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicEscrowRefunded, map[string]any{
		"contract_id": params.ContractID,
		"entry_id":    entry.ID,
		"amount":      entry.Amount,
	}); err != nil {
		return pending, err
	}

	if err := tx.Commit(ctx); err != nil {
		return pending, fmt.Errorf("escrow: commit refund: %w", err)
	}
	return entry, nil
}

// Ledger returns the contract's escrow entries.
func (s *Service) Ledger(ctx context.Context, contractID string) ([]Entry, error) {
	return s.repo.ListByContract(ctx, s.pool, contractID)
}
