package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository holds the tx-scoped data access for contracts. Sibling services
// (escrow, dispute, refund) reuse it inside their own transactions so every
// status write goes through the same guard surface.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// GetForUpdate loads the contract row and takes the row lock, serializing all
// concurrent transitions on the same contract.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	const q = `
SELECT id, client_id, freelancer_id, created_by, type, title, total_amount,
       currency, status, funded, progress, version, created_at, updated_at, completed_at
FROM contracts
WHERE id = $1
FOR UPDATE
`
	var c Contract
	err := tx.QueryRow(ctx, q, id).Scan(
		&c.ID, &c.ClientID, &c.FreelancerID, &c.CreatedBy, &c.Type, &c.Title,
		&c.TotalAmount, &c.Currency, &c.Status, &c.Funded, &c.Progress,
		&c.Version, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: fetch for update: %w", err)
	}
	return c, nil
}

// Get loads a contract without locking it.
func (r *Repository) Get(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, id string) (Contract, error) {
	const sel = `
SELECT id, client_id, freelancer_id, created_by, type, title, total_amount,
       currency, status, funded, progress, version, created_at, updated_at, completed_at
FROM contracts
WHERE id = $1
`
	var c Contract
	err := q.QueryRow(ctx, sel, id).Scan(
		&c.ID, &c.ClientID, &c.FreelancerID, &c.CreatedBy, &c.Type, &c.Title,
		&c.TotalAmount, &c.Currency, &c.Status, &c.Funded, &c.Progress,
		&c.Version, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: fetch: %w", err)
	}
	return c, nil
}

// UpdateStatus writes the next status, bumps the version, and stamps
// completed_at on entry to the terminal completed state.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, next Status) error {
	const q = `
UPDATE contracts
SET status = $1::contract_status,
    version = version + 1,
    updated_at = get_tx_timestamp(),
    completed_at = CASE WHEN $1 = 'completed' THEN COALESCE(completed_at, get_tx_timestamp()) ELSE completed_at END
WHERE id = $2
`
	tag, err := tx.Exec(ctx, q, string(next), id)
	if err != nil {
		return fmt.Errorf("contract: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFunded flips the funded flag after the initial escrow hold commits.
func (r *Repository) SetFunded(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `UPDATE contracts SET funded = true, updated_at = get_tx_timestamp() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("contract: set funded: %w", err)
	}
	return nil
}

// HasOpenDispute reports whether an unresolved dispute is freezing the contract.
func (r *Repository) HasOpenDispute(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	var open bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE contract_id = $1 AND status <> 'resolved')`, id).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("contract: check open dispute: %w", err)
	}
	return open, nil
}

// BothPartiesSigned reports whether client and freelancer signatures exist.
func (r *Repository) BothPartiesSigned(ctx context.Context, tx pgx.Tx, c Contract) (bool, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM signatures WHERE contract_id = $1 AND user_id IN ($2, $3)`, c.ID, c.ClientID, c.FreelancerID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("contract: count signatures: %w", err)
	}
	return n >= 2, nil
}

// InsertSignature records a party's signature. A duplicate per (contract,
// user) surfaces as ErrAlreadySigned via the primary-key violation.
func (r *Repository) InsertSignature(ctx context.Context, tx pgx.Tx, sig Signature) error {
	_, err := tx.Exec(ctx, `INSERT INTO signatures (contract_id, user_id, payload) VALUES ($1, $2, $3)`, sig.ContractID, sig.UserID, sig.Payload)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadySigned
		}
		return fmt.Errorf("contract: insert signature: %w", err)
	}
	return nil
}

// IncompleteMilestones counts milestones not yet completed.
func (r *Repository) IncompleteMilestones(ctx context.Context, tx pgx.Tx, id string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM milestones WHERE contract_id = $1 AND status <> 'completed'`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("contract: count incomplete milestones: %w", err)
	}
	return n, nil
}

// MilestoneSum returns the sum of milestone amounts for the contract.
func (r *Repository) MilestoneSum(ctx context.Context, tx pgx.Tx, id string) (int64, error) {
	var sum int64
	err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM milestones WHERE contract_id = $1`, id).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("contract: sum milestones: %w", err)
	}
	return sum, nil
}

// EscrowTotals aggregates the ledger for the contract by status.
type EscrowTotals struct {
	Held          int64
	HeldRemaining int64
	Released      int64
	Refunded      int64
}

// GetEscrowTotals reads the money position used by transition guards and by
// dispute resolution's status derivation.
func (r *Repository) GetEscrowTotals(ctx context.Context, tx pgx.Tx, id string) (EscrowTotals, error) {
	const q = `
SELECT COALESCE(SUM(amount) FILTER (WHERE status = 'held'), 0),
       COALESCE(SUM(amount_remaining) FILTER (WHERE status = 'held'), 0),
       COALESCE(SUM(amount) FILTER (WHERE status = 'released'), 0),
       COALESCE(SUM(amount) FILTER (WHERE status = 'refunded'), 0)
FROM escrow_entries
WHERE contract_id = $1
`
	var t EscrowTotals
	if err := tx.QueryRow(ctx, q, id).Scan(&t.Held, &t.HeldRemaining, &t.Released, &t.Refunded); err != nil {
		return EscrowTotals{}, fmt.Errorf("contract: escrow totals: %w", err)
	}
	return t, nil
}

// UpdateProgress recomputes the completion percentage from milestone states.
func (r *Repository) UpdateProgress(ctx context.Context, tx pgx.Tx, id string) error {
	const q = `
UPDATE contracts c
SET progress = COALESCE((
        SELECT (COUNT(*) FILTER (WHERE m.status = 'completed')) * 100 / NULLIF(COUNT(*), 0)
        FROM milestones m WHERE m.contract_id = c.id
    ), progress),
    updated_at = get_tx_timestamp()
WHERE c.id = $1
`
	if _, err := tx.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("contract: update progress: %w", err)
	}
	return nil
}
