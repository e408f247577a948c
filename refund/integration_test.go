package refund

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

// TestRefundRequestLifecycle_Integration funds a fixed contract, checks the
// policy cap, and walks a capped refund through approval to a cancelled
// contract.
func TestRefundRequestLifecycle_Integration(t *testing.T) {
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
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'refund_requests')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply migrations first")
	}

	var clientID, freelancerID string
	nano := time.Now().UnixNano()
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Client', 'client') RETURNING id`,
		fmt.Sprintf("client+%d@example.com", nano)).Scan(&clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Freelancer', 'freelancer') RETURNING id`,
		fmt.Sprintf("freelancer+%d@example.com", nano)).Scan(&freelancerID); err != nil {
		t.Fatalf("seed freelancer: %v", err)
	}
	client := contract.Actor{ID: clientID, Role: contract.RoleClient}
	freelancer := contract.Actor{ID: freelancerID, Role: contract.RoleFreelancer}

	contractSvc := contract.NewService(pool, nil, nil, nil)
	crud := contract.NewCRUDService(pool)
	milestoneSvc := milestone.NewService(pool, contractSvc)
	escrowSvc := escrow.NewService(pool, contractSvc, milestoneSvc, passGate{}, &stubRail{},
		escrow.FeeSchedule{FreePercent: 10, ProfessionalPercent: 5}, 100000)
	refundSvc := NewService(pool, contractSvc, escrowSvc, DefaultPolicy())

	c, err := crud.Create(ctx, client, contract.CreateParams{
		ClientID:     clientID,
		FreelancerID: freelancerID,
		Type:         contract.TypeFixed,
		Title:        "Brand refresh",
		TotalAmount:  260000,
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
		pool.Exec(ctx2, `DELETE FROM refund_requests WHERE contract_id = $1`, c.ID)
		pool.Exec(ctx2, `DELETE FROM escrow_entries WHERE contract_id = $1`, c.ID)
		pool.Exec(ctx2, `DELETE FROM signatures WHERE contract_id = $1`, c.ID)
		pool.Exec(ctx2, `DELETE FROM contracts WHERE id = $1`, c.ID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, clientID, freelancerID)
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
		Amount:         260000,
		Currency:       "USD",
		ExternalRef:    "ch_refund_test",
		IdempotencyKey: fmt.Sprintf("fund-%s", c.ID),
	}); err != nil {
		t.Fatalf("fund: %v", err)
	}

	// The contract is active, so the cap is 80% of the 260000 held.
	_, err = refundSvc.Request(ctx, RequestParams{
		ContractID: c.ID,
		Actor:      client,
		Amount:     250000,
		Reason:     "scope collapsed",
	})
	var capErr *CapExceededError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapExceededError, got %v", err)
	}
	if capErr.Cap != 208000 {
		t.Fatalf("expected cap 208000, got %d", capErr.Cap)
	}

	req, err := refundSvc.Request(ctx, RequestParams{
		ContractID: c.ID,
		Actor:      client,
		Amount:     208000,
		Reason:     "scope collapsed",
	})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("expected pending request, got %s", req.Status)
	}

	if _, err := refundSvc.Request(ctx, RequestParams{
		ContractID: c.ID,
		Actor:      client,
		Amount:     1000,
		Reason:     "second ask",
	}); !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("expected ErrAlreadyPending, got %v", err)
	}

	done, err := refundSvc.Approve(ctx, freelancer, req.ID)
	if err != nil {
		t.Fatalf("approve refund: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("expected completed request, got %s", done.Status)
	}

	var cStatus string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM contracts WHERE id = $1`, c.ID).Scan(&cStatus); err != nil {
		t.Fatalf("read contract: %v", err)
	}
	if cStatus != "cancelled" {
		t.Fatalf("expected cancelled contract after refund, got %s", cStatus)
	}

	var refunded, remaining int64
	if err := pool.QueryRow(ctx, `
SELECT COALESCE(SUM(amount) FILTER (WHERE status = 'refunded'), 0),
       COALESCE(SUM(amount_remaining) FILTER (WHERE status = 'held'), 0)
FROM escrow_entries WHERE contract_id = $1
`, c.ID).Scan(&refunded, &remaining); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if refunded != 208000 {
		t.Fatalf("expected 208000 refunded, got %d", refunded)
	}
	if remaining != 52000 {
		t.Fatalf("expected 52000 still held, got %d", remaining)
	}

	// Approving again is a no-op replay.
	replay, err := refundSvc.Approve(ctx, freelancer, req.ID)
	if err != nil {
		t.Fatalf("replay approve: %v", err)
	}
	if replay.Status != StatusCompleted {
		t.Fatalf("expected completed on replay, got %s", replay.Status)
	}
}
