// Package actors implements the concurrent workloads for the stress suite.
// Every actor drives the real service layer; errors that the engine is
// designed to return under contention are swallowed, anything else aborts the
// run.
package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/contract"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/kyc"
	"escrowflow/outbox"
	"escrowflow/rail"
	"escrowflow/refund"
)

// Env bundles the wired services and seeded identities the actors share.
type Env struct {
	Pool       *pgxpool.Pool
	Contracts  *contract.Service
	Escrow     *escrow.Service
	Refunds    *refund.Service
	Disputes   *dispute.Service
	ContractID string
	Client     contract.Actor
	Freelancer contract.Actor
	Admin      contract.Actor
}

// expected reports whether err is one of the engine's documented contention
// rejections; those are the point of the exercise, not failures.
func expected(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, contract.ErrDisputeOpen),
		errors.Is(err, contract.ErrNotFound),
		errors.Is(err, escrow.ErrInsufficientEscrow),
		errors.Is(err, escrow.ErrNoEscrowToRefund),
		errors.Is(err, escrow.ErrAlreadyFunded),
		errors.Is(err, escrow.ErrReleaseInFlight),
		errors.Is(err, escrow.ErrReleaseAlreadyRecorded),
		errors.Is(err, refund.ErrNotRefundable),
		errors.Is(err, refund.ErrAlreadyPending),
		errors.Is(err, refund.ErrBadStatus),
		errors.Is(err, dispute.ErrAlreadyOpen),
		errors.Is(err, rail.ErrTransient),
		errors.Is(err, rail.ErrRejected):
		return true
	}
	var invalidContract *contract.InvalidTransitionError
	var precondition *contract.PreconditionError
	var invalidDispute *dispute.InvalidStateError
	var capExceeded *refund.CapExceededError
	var kycRequired *kyc.RequiredError
	return errors.As(err, &invalidContract) ||
		errors.As(err, &precondition) ||
		errors.As(err, &invalidDispute) ||
		errors.As(err, &capExceeded) ||
		errors.As(err, &kycRequired) ||
		chaosInduced(err)
}

// chaosInduced reports whether err is the fallout of the chaos injector
// terminating our backend: the server's 57P01 admin-shutdown notice, a
// connection-exception SQLSTATE (class 08), or a severed socket.
func chaosInduced(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "57P01" || strings.HasPrefix(pgErr.Code, "08")
	}
	var netErr net.Error
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.As(err, &netErr)
}

func pause(minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
}

// Releaser hammers Release with random amounts and fresh idempotency keys.
// Under contention most attempts lose to the hold balance guard or the
// dispute freeze.
func Releaser(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		amount := int64(1000 + rand.Intn(9000))
		_, err := env.Escrow.Release(ctx, escrow.ReleaseParams{
			ContractID:     env.ContractID,
			Amount:         amount,
			Actor:          env.Client,
			IdempotencyKey: fmt.Sprintf("stress-rel-%d", rand.Int63()),
		})
		if !expected(err) {
			return fmt.Errorf("releaser: %w", err)
		}
		pause(10, 30)
	}
}

// Refunder files refund requests and decides them, mostly rejecting so the
// contract survives the run, occasionally approving to exercise the full
// cancellation path.
func Refunder(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		req, err := env.Refunds.Request(ctx, refund.RequestParams{
			ContractID: env.ContractID,
			Actor:      env.Client,
			Amount:     int64(500 + rand.Intn(2000)),
			Reason:     "stress",
		})
		if !expected(err) {
			return fmt.Errorf("refunder request: %w", err)
		}
		if err == nil {
			if rand.Intn(20) == 0 {
				_, err = env.Refunds.Approve(ctx, env.Freelancer, req.ID)
			} else {
				_, err = env.Refunds.Reject(ctx, env.Freelancer, req.ID, "keep working")
			}
			if !expected(err) {
				return fmt.Errorf("refunder decide: %w", err)
			}
		}
		pause(50, 100)
	}
}

// Disputer opens a dispute, holds the freeze briefly, then resolves it.
func Disputer(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		rec, err := env.Disputes.Open(ctx, dispute.OpenParams{
			ContractID:  env.ContractID,
			Actor:       env.Freelancer,
			Type:        "payment",
			Description: "stress dispute",
		})
		if !expected(err) {
			return fmt.Errorf("disputer open: %w", err)
		}
		if err == nil {
			pause(100, 200)
			if _, err := env.Disputes.Resolve(ctx, env.Admin, rec.ID, "stress resolution"); !expected(err) {
				return fmt.Errorf("disputer resolve: %w", err)
			}
		}
		pause(200, 300)
	}
}

// Deliverer cycles the contract through delivery and review so the refund cap
// and release guards keep changing underneath the other actors.
func Deliverer(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := env.Contracts.SubmitDelivery(ctx, env.Freelancer, env.ContractID, "stress drop"); !expected(err) {
			return fmt.Errorf("deliverer submit: %w", err)
		}
		pause(30, 60)
		if _, err := env.Contracts.BeginReview(ctx, env.Client, env.ContractID); !expected(err) {
			return fmt.Errorf("deliverer review: %w", err)
		}
		pause(30, 60)
		if _, err := env.Contracts.RequestRevision(ctx, env.Client, env.ContractID, "again"); !expected(err) {
			return fmt.Errorf("deliverer revise: %w", err)
		}
		pause(30, 60)
		if _, err := env.Contracts.ResumeWork(ctx, env.Freelancer, env.ContractID); !expected(err) {
			return fmt.Errorf("deliverer resume: %w", err)
		}
		pause(50, 100)
	}
}

// OutboxWorker drains committed messages the way the dispatcher does,
// injecting random delivery failures to exercise the retry path.
func OutboxWorker(ctx context.Context, env Env, stop <-chan struct{}) error {
	store := outbox.NewStore(env.Pool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		msgs, err := store.ClaimPending(ctx, 10)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			pause(50, 50)
			continue
		}
		for _, m := range msgs {
			if rand.Intn(10) == 0 {
				_ = store.MarkFailed(ctx, m.ID, 8)
				continue
			}
			_ = store.MarkProcessed(ctx, m.ID)
		}
		pause(100, 100)
	}
}
