package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrAlreadyFunded signals an unresolved hold already exists for the
	// (contract, milestone) pair.
	ErrAlreadyFunded = errors.New("escrow: already funded")
	// ErrInsufficientEscrow signals the requested amount exceeds what remains held.
	ErrInsufficientEscrow = errors.New("escrow: insufficient held balance")
	// ErrNoEscrowToRefund signals no held balance exists for the contract.
	ErrNoEscrowToRefund = errors.New("escrow: nothing held to refund")
	// ErrDuplicateIdempotencyKey signals the mutation was already applied.
	ErrDuplicateIdempotencyKey = errors.New("escrow: duplicate idempotency key")
	// ErrNotFound is returned when no ledger entry matches.
	ErrNotFound = errors.New("escrow: entry not found")
	// ErrReleaseAlreadyRecorded signals a second release for the same milestone.
	ErrReleaseAlreadyRecorded = errors.New("escrow: milestone already released")
	// ErrReleaseInFlight signals an unsettled reservation already exists for
	// the milestone; the original attempt must be resumed, not replaced.
	ErrReleaseInFlight = errors.New("escrow: release already in flight for milestone")
)

const entryColumns = `
id, contract_id, milestone_id, amount, fee, net_amount, amount_remaining,
status, external_ref, idempotency_key, funded_at, released_at, refunded_at, created_at
`

// Repository is the single write path into the ledger. No other component may
// mark an entry released or refunded.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.ContractID, &e.MilestoneID, &e.Amount, &e.Fee, &e.NetAmount,
		&e.AmountRemaining, &e.Status, &e.ExternalRef, &e.IdempotencyKey,
		&e.FundedAt, &e.ReleasedAt, &e.RefundedAt, &e.CreatedAt,
	)
	return e, err
}

// InsertHold records newly escrowed funds. The partial unique index enforces
// at most one active hold per (contract, milestone); a second funding attempt
// surfaces as ErrAlreadyFunded.
func (r *Repository) InsertHold(ctx context.Context, tx pgx.Tx, contractID string, milestoneID *string, amount int64, externalRef, idempotencyKey string) (Entry, error) {
	const q = `
INSERT INTO escrow_entries (contract_id, milestone_id, amount, amount_remaining, status, external_ref, idempotency_key, funded_at)
VALUES ($1, $2, $3, $3, 'held', $4, $5, get_tx_timestamp())
RETURNING ` + entryColumns

	e, err := scanEntry(tx.QueryRow(ctx, q, contractID, milestoneID, amount, externalRef, idempotencyKey))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "escrow_entries_idempotency_key_key" {
				return Entry{}, ErrDuplicateIdempotencyKey
			}
			return Entry{}, ErrAlreadyFunded
		}
		return Entry{}, fmt.Errorf("escrow: insert hold: %w", err)
	}
	return e, nil
}

// ActiveHoldForUpdate locks the contract's hold with remaining balance.
func (r *Repository) ActiveHoldForUpdate(ctx context.Context, tx pgx.Tx, contractID string) (Entry, error) {
	const q = `
SELECT ` + entryColumns + `
FROM escrow_entries
WHERE contract_id = $1 AND status = 'held'
ORDER BY created_at
LIMIT 1
FOR UPDATE
`
	e, err := scanEntry(tx.QueryRow(ctx, q, contractID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("escrow: fetch active hold: %w", err)
	}
	return e, nil
}

// GetByIdempotencyKey returns the entry a retried request already produced.
func (r *Repository) GetByIdempotencyKey(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, key string) (Entry, error) {
	e, err := scanEntry(q.QueryRow(ctx, `SELECT `+entryColumns+` FROM escrow_entries WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("escrow: fetch by idempotency key: %w", err)
	}
	return e, nil
}

// InsertPending records an in-flight rail call before it is made, so a
// timeout downstream leaves an inspectable row for reconciliation instead of
// a lost attempt.
func (r *Repository) InsertPending(ctx context.Context, tx pgx.Tx, contractID string, milestoneID *string, amount, fee int64, idempotencyKey string) (Entry, error) {
	const q = `
INSERT INTO escrow_entries (contract_id, milestone_id, amount, fee, net_amount, status, idempotency_key)
VALUES ($1, $2, $3, $4, $3::bigint - $4::bigint, 'pending', $5)
RETURNING ` + entryColumns

	e, err := scanEntry(tx.QueryRow(ctx, q, contractID, milestoneID, amount, fee, idempotencyKey))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "escrow_one_settlement_per_milestone" {
				return Entry{}, ErrReleaseInFlight
			}
			return Entry{}, ErrDuplicateIdempotencyKey
		}
		return Entry{}, fmt.Errorf("escrow: insert pending: %w", err)
	}
	return e, nil
}

// ConfirmRelease flips a pending entry to released. The partial unique index
// on released milestones rejects a double release.
func (r *Repository) ConfirmRelease(ctx context.Context, tx pgx.Tx, entryID, externalRef string) (Entry, error) {
	const q = `
UPDATE escrow_entries
SET status = 'released', external_ref = $2, released_at = get_tx_timestamp()
WHERE id = $1 AND status = 'pending'
RETURNING ` + entryColumns

	e, err := scanEntry(tx.QueryRow(ctx, q, entryID, externalRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Entry{}, ErrReleaseAlreadyRecorded
		}
		return Entry{}, fmt.Errorf("escrow: confirm release: %w", err)
	}
	return e, nil
}

// ConfirmRefund flips a pending entry to refunded.
func (r *Repository) ConfirmRefund(ctx context.Context, tx pgx.Tx, entryID, externalRef string) (Entry, error) {
	const q = `
UPDATE escrow_entries
SET status = 'refunded', external_ref = $2, refunded_at = get_tx_timestamp()
WHERE id = $1 AND status = 'pending'
RETURNING ` + entryColumns

	e, err := scanEntry(tx.QueryRow(ctx, q, entryID, externalRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("escrow: confirm refund: %w", err)
	}
	return e, nil
}

// Void abandons a pending entry after a terminal rail rejection.
func (r *Repository) Void(ctx context.Context, tx pgx.Tx, entryID string) error {
	tag, err := tx.Exec(ctx, `UPDATE escrow_entries SET status = 'voided' WHERE id = $1 AND status = 'pending'`, entryID)
	if err != nil {
		return fmt.Errorf("escrow: void pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DecrementHold consumes part of a hold's remaining balance.
func (r *Repository) DecrementHold(ctx context.Context, tx pgx.Tx, holdID string, amount int64) error {
	tag, err := tx.Exec(ctx, `
UPDATE escrow_entries
SET amount_remaining = amount_remaining - $2
WHERE id = $1 AND status = 'held' AND amount_remaining >= $2
`, holdID, amount)
	if err != nil {
		return fmt.Errorf("escrow: decrement hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientEscrow
	}
	return nil
}

// IncrementHold re-credits a hold after a voided reservation.
func (r *Repository) IncrementHold(ctx context.Context, tx pgx.Tx, holdID string, amount int64) error {
	tag, err := tx.Exec(ctx, `
UPDATE escrow_entries
SET amount_remaining = amount_remaining + $2
WHERE id = $1 AND status = 'held'
`, holdID, amount)
	if err != nil {
		return fmt.Errorf("escrow: increment hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleasedEntryForMilestone returns the confirmed release for a milestone.
func (r *Repository) ReleasedEntryForMilestone(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, contractID, milestoneID string) (Entry, error) {
	e, err := scanEntry(q.QueryRow(ctx, `
SELECT `+entryColumns+`
FROM escrow_entries
WHERE contract_id = $1 AND milestone_id = $2 AND status = 'released'
`, contractID, milestoneID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("escrow: fetch milestone release: %w", err)
	}
	return e, nil
}

// ListByContract returns the contract's ledger entries oldest-first.
func (r *Repository) ListByContract(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, contractID string) ([]Entry, error) {
	rows, err := q.Query(ctx, `SELECT `+entryColumns+` FROM escrow_entries WHERE contract_id = $1 ORDER BY created_at`, contractID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 8)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate entries: %w", err)
	}
	return out, nil
}
