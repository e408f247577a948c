package dispute

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/contract"
	"escrowflow/outbox"
	"escrowflow/timeline"
)

// Service runs the dispute lifecycle. Opening a dispute moves the contract to
// disputed, which freezes transitions and money movement until resolution.
// Resolution recomputes the contract's status from current facts rather than
// restoring the pre-dispute status verbatim.
type Service struct {
	pool        *pgxpool.Pool
	repo        *Repository
	contractSvc *contract.Service
	timeline    *timeline.Writer
	outbox      *outbox.Writer
}

func NewService(pool *pgxpool.Pool, contractSvc *contract.Service) *Service {
	return &Service{
		pool:        pool,
		repo:        NewRepository(),
		contractSvc: contractSvc,
		timeline:    timeline.NewWriter(),
		outbox:      outbox.NewWriter(),
	}
}

// OpenParams describes a new dispute. Type is a free-form category such as
// quality, scope, or payment.
type OpenParams struct {
	ContractID  string
	Actor       contract.Actor
	Type        string
	Description string
}

// Open files a dispute and freezes the contract. The partial unique index on
// unresolved disputes closes the race between two parties filing at once; the
// loser gets ErrAlreadyOpen.
func (s *Service) Open(ctx context.Context, params OpenParams) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.contractSvc.Repo().GetForUpdate(ctx, tx, params.ContractID)
	if err != nil {
		return Record{}, err
	}
	if params.Actor.Role != contract.RoleAdmin && params.Actor.ID != c.ClientID && params.Actor.ID != c.FreelancerID {
		return Record{}, contract.ErrUnauthorized
	}

	rec, err := s.repo.Insert(ctx, tx, Record{
		ContractID:  c.ID,
		InitiatedBy: params.Actor.ID,
		Type:        params.Type,
		Description: params.Description,
	})
	if err != nil {
		return Record{}, err
	}

	if _, err := s.contractSvc.TransitionInTx(ctx, tx, contract.TransitionParams{
		ContractID: c.ID,
		Actor:      params.Actor,
		Next:       contract.StatusDisputed,
		Payload:    map[string]any{"dispute_id": rec.ID, "dispute_type": rec.Type},
	}); err != nil {
		return Record{}, err
	}

	actorID := params.Actor.ID
	if err := s.timeline.Append(ctx, tx, c.ID, "DISPUTE_OPENED", &actorID, map[string]any{
		"dispute_id": rec.ID,
		"type":       rec.Type,
	}); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicDisputeOpened, map[string]any{
		"contract_id": c.ID,
		"dispute_id":  rec.ID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return rec, nil
}

// BeginReview marks a dispute as actively being worked by mediation.
func (s *Service) BeginReview(ctx context.Context, actor contract.Actor, disputeID string) (Record, error) {
	return s.advance(ctx, actor, disputeID, StatusInProgress, "", "")
}

// Escalate hands the dispute to platform staff. Escalating an already
// escalated dispute is rejected rather than silently ignored.
func (s *Service) Escalate(ctx context.Context, actor contract.Actor, disputeID string) (Record, error) {
	return s.advance(ctx, actor, disputeID, StatusEscalated, TopicDisputeEscalated, "DISPUTE_ESCALATED")
}

func (s *Service) advance(ctx context.Context, actor contract.Actor, disputeID string, next Status, topic, event string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.lockDispute(ctx, tx, actor, disputeID)
	if err != nil {
		return Record{}, err
	}
	if !CanTransition(rec.Status, next) {
		return Record{}, &InvalidStateError{From: rec.Status, To: next}
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, rec.ID, next)
	if err != nil {
		return Record{}, err
	}

	if event != "" {
		actorID := actor.ID
		if err := s.timeline.Append(ctx, tx, rec.ContractID, event, &actorID, map[string]any{
			"dispute_id": rec.ID,
		}); err != nil {
			return Record{}, err
		}
		if err := s.outbox.Enqueue(ctx, tx, topic, map[string]any{
			"contract_id": rec.ContractID,
			"dispute_id":  rec.ID,
		}); err != nil {
			return Record{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit: %w", err)
	}
	return updated, nil
}

// Resolve closes the dispute with a mandatory resolution note and thaws the
// contract, recomputing its status from signatures, funding, and milestone
// progress as they stand now.
func (s *Service) Resolve(ctx context.Context, actor contract.Actor, disputeID, resolution string) (Record, error) {
	if strings.TrimSpace(resolution) == "" {
		return Record{}, ErrResolutionRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.lockDispute(ctx, tx, actor, disputeID)
	if err != nil {
		return Record{}, err
	}
	if !CanTransition(rec.Status, StatusResolved) {
		return Record{}, &InvalidStateError{From: rec.Status, To: StatusResolved}
	}

	resolved, err := s.repo.MarkResolved(ctx, tx, rec.ID, resolution, actor.ID)
	if err != nil {
		return Record{}, err
	}

	c, err := s.contractSvc.Repo().GetForUpdate(ctx, tx, rec.ContractID)
	if err != nil {
		return Record{}, err
	}
	if c.Status == contract.StatusDisputed {
		derived, err := s.contractSvc.Repo().DeriveStatus(ctx, tx, c)
		if err != nil {
			return Record{}, err
		}
		if _, err := s.contractSvc.TransitionInTx(ctx, tx, contract.TransitionParams{
			ContractID: c.ID,
			Actor:      actor,
			Next:       derived,
			Payload:    map[string]any{"trigger": "dispute_resolved", "dispute_id": rec.ID},
		}); err != nil {
			return Record{}, err
		}
	}

	actorID := actor.ID
	if err := s.timeline.Append(ctx, tx, rec.ContractID, "DISPUTE_RESOLVED", &actorID, map[string]any{
		"dispute_id": rec.ID,
		"resolution": resolution,
	}); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicDisputeResolved, map[string]any{
		"contract_id": rec.ContractID,
		"dispute_id":  rec.ID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return resolved, nil
}

// lockDispute locks the contract first, then the dispute, preserving the
// lock order used everywhere else, and checks the actor may touch it.
func (s *Service) lockDispute(ctx context.Context, tx pgx.Tx, actor contract.Actor, disputeID string) (Record, error) {
	rec, err := s.repo.Get(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}

	c, err := s.contractSvc.Repo().GetForUpdate(ctx, tx, rec.ContractID)
	if err != nil {
		return Record{}, err
	}
	if actor.Role != contract.RoleAdmin && actor.ID != c.ClientID && actor.ID != c.FreelancerID {
		return Record{}, contract.ErrUnauthorized
	}

	return s.repo.GetForUpdate(ctx, tx, disputeID)
}

// List returns the contract's disputes for a party to it.
func (s *Service) List(ctx context.Context, actor contract.Actor, contractID string) ([]Record, error) {
	c, err := s.contractSvc.Repo().Get(ctx, s.pool, contractID)
	if err != nil {
		return nil, err
	}
	if actor.Role != contract.RoleAdmin && actor.ID != c.ClientID && actor.ID != c.FreelancerID {
		return nil, contract.ErrUnauthorized
	}
	return s.repo.ListByContract(ctx, s.pool, contractID)
}
