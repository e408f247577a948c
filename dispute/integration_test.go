package dispute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/contract"
	"escrowflow/escrow"
	"escrowflow/kyc"
	"escrowflow/milestone"
	"escrowflow/rail"
)

type stubRail struct{ calls int }

func (s *stubRail) Transfer(ctx context.Context, params rail.TransferParams) (string, error) {
	s.calls++
	return fmt.Sprintf("tr_%d", s.calls), nil
}

func (s *stubRail) Refund(ctx context.Context, params rail.RefundParams) (string, error) {
	s.calls++
	return fmt.Sprintf("rf_%d", s.calls), nil
}

type passGate struct{}

func (passGate) CheckEligibility(ctx context.Context, userID string, amount int64, action kyc.Action) (kyc.Eligibility, error) {
	return kyc.Eligibility{Eligible: true}, nil
}

// TestDisputeFreezeAndResolve_Integration verifies an open dispute blocks
// releases and ordinary transitions, and that resolution recomputes the
// contract status from current facts.
func TestDisputeFreezeAndResolve_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'disputes')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply migrations first")
	}

	var clientID, freelancerID, adminID string
	nano := time.Now().UnixNano()
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Client', 'client') RETURNING id`,
		fmt.Sprintf("client+%d@example.com", nano)).Scan(&clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Freelancer', 'freelancer') RETURNING id`,
		fmt.Sprintf("freelancer+%d@example.com", nano)).Scan(&freelancerID); err != nil {
		t.Fatalf("seed freelancer: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Ops', 'admin') RETURNING id`,
		fmt.Sprintf("ops+%d@example.com", nano)).Scan(&adminID); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	client := contract.Actor{ID: clientID, Role: contract.RoleClient}
	freelancer := contract.Actor{ID: freelancerID, Role: contract.RoleFreelancer}
	admin := contract.Actor{ID: adminID, Role: contract.RoleAdmin}

	contractSvc := contract.NewService(pool, nil, nil, nil)
	crud := contract.NewCRUDService(pool)
	milestoneSvc := milestone.NewService(pool, contractSvc)
	escrowSvc := escrow.NewService(pool, contractSvc, milestoneSvc, passGate{}, &stubRail{},
		escrow.FeeSchedule{FreePercent: 10, ProfessionalPercent: 5}, 100000)
	disputeSvc := NewService(pool, contractSvc)

	c, err := crud.Create(ctx, client, contract.CreateParams{
		ClientID:     clientID,
		FreelancerID: freelancerID,
		Type:         contract.TypeFixed,
		Title:        "App prototype",
		TotalAmount:  120000,
		Currency:     "USD",
	})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE contract_id = $1`, c.ID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'contract_id' = $1`, c.ID)
		pool.Exec(ctx2, `DELETE FROM disputes WHERE contract_id = $1`, c.ID)
		pool.Exec(ctx2, `DELETE FROM escrow_entries WHERE contract_id = $1`, c.ID)
		pool.Exec(ctx2, `DELETE FROM signatures WHERE contract_id = $1`, c.ID)
		pool.Exec(ctx2, `DELETE FROM contracts WHERE id = $1`, c.ID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2, $3)`, clientID, freelancerID, adminID)
	})

	if _, err := contractSvc.Transition(ctx, contract.TransitionParams{ContractID: c.ID, Actor: client, Next: contract.StatusPendingSignatures}); err != nil {
		t.Fatalf("send for signatures: %v", err)
	}
	if _, err := contractSvc.Sign(ctx, client, c.ID, "s1"); err != nil {
		t.Fatalf("client sign: %v", err)
	}
	if _, err := contractSvc.Sign(ctx, freelancer, c.ID, "s2"); err != nil {
		t.Fatalf("freelancer sign: %v", err)
	}
	if _, err := escrowSvc.Fund(ctx, escrow.FundParams{
		ContractID:     c.ID,
		Actor:          client,
		Amount:         120000,
		Currency:       "USD",
		IdempotencyKey: fmt.Sprintf("fund-%s", c.ID),
	}); err != nil {
		t.Fatalf("fund: %v", err)
	}

	rec, err := disputeSvc.Open(ctx, OpenParams{
		ContractID:  c.ID,
		Actor:       freelancer,
		Type:        "payment",
		Description: "client unreachable",
	})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if rec.Status != StatusOpen {
		t.Fatalf("expected open dispute, got %s", rec.Status)
	}

	var cStatus string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM contracts WHERE id = $1`, c.ID).Scan(&cStatus); err != nil {
		t.Fatalf("read contract: %v", err)
	}
	if cStatus != "disputed" {
		t.Fatalf("expected disputed contract, got %s", cStatus)
	}

	// The freeze blocks money movement and ordinary transitions.
	if _, err := escrowSvc.Release(ctx, escrow.ReleaseParams{
		ContractID:     c.ID,
		Amount:         50000,
		Actor:          client,
		IdempotencyKey: fmt.Sprintf("rel-%s", c.ID),
	}); !errors.Is(err, contract.ErrDisputeOpen) {
		t.Fatalf("expected ErrDisputeOpen on release, got %v", err)
	}
	if _, err := contractSvc.SubmitDelivery(ctx, freelancer, c.ID, "done"); err == nil {
		t.Fatal("expected delivery submission to be frozen during dispute")
	}

	// Only one unresolved dispute per contract.
	if _, err := disputeSvc.Open(ctx, OpenParams{
		ContractID:  c.ID,
		Actor:       client,
		Type:        "quality",
		Description: "countersuit",
	}); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}

	if _, err := disputeSvc.Escalate(ctx, admin, rec.ID); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if _, err := disputeSvc.Escalate(ctx, admin, rec.ID); err == nil {
		t.Fatal("expected second escalation to be rejected")
	}

	if _, err := disputeSvc.Resolve(ctx, admin, rec.ID, "   "); !errors.Is(err, ErrResolutionRequired) {
		t.Fatalf("expected ErrResolutionRequired, got %v", err)
	}

	resolved, err := disputeSvc.Resolve(ctx, admin, rec.ID, "split decision, work continues")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusResolved {
		t.Fatalf("expected resolved dispute, got %s", resolved.Status)
	}

	// Signed and funded with nothing released: the contract thaws to active.
	if err := pool.QueryRow(ctx, `SELECT status::text FROM contracts WHERE id = $1`, c.ID).Scan(&cStatus); err != nil {
		t.Fatalf("read contract: %v", err)
	}
	if cStatus != "active" {
		t.Fatalf("expected active contract after resolution, got %s", cStatus)
	}

	// Money moves again once the freeze is lifted.
	if _, err := escrowSvc.Release(ctx, escrow.ReleaseParams{
		ContractID:     c.ID,
		Amount:         50000,
		Actor:          client,
		IdempotencyKey: fmt.Sprintf("rel2-%s", c.ID),
	}); err != nil {
		t.Fatalf("release after resolution: %v", err)
	}
}
