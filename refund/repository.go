package refund

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const requestColumns = `
id, contract_id, requested_by, amount, cap_amount, reason, status, created_at, decided_at
`

// Repository is the tx-scoped data access for refund requests.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func scanRequest(row pgx.Row) (Request, error) {
	var r Request
	err := row.Scan(&r.ID, &r.ContractID, &r.RequestedBy, &r.Amount, &r.CapAmount, &r.Reason, &r.Status, &r.CreatedAt, &r.DecidedAt)
	return r, err
}

// Insert records a pending request. The partial unique index allows only one
// pending request per contract; the violation maps to ErrAlreadyPending.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	const q = `
INSERT INTO refund_requests (id, contract_id, requested_by, amount, cap_amount, reason)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + requestColumns

	created, err := scanRequest(tx.QueryRow(ctx, q, req.ID, req.ContractID, req.RequestedBy, req.Amount, req.CapAmount, req.Reason))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Request{}, ErrAlreadyPending
		}
		return Request{}, fmt.Errorf("refund: insert request: %w", err)
	}
	return created, nil
}

// Get loads a request without locking.
func (r *Repository) Get(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, id string) (Request, error) {
	req, err := scanRequest(q.QueryRow(ctx, `SELECT `+requestColumns+` FROM refund_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("refund: fetch request: %w", err)
	}
	return req, nil
}

// GetForUpdate locks the request row. Callers lock the contract row first.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	req, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM refund_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("refund: fetch request for update: %w", err)
	}
	return req, nil
}

// UpdateStatus moves a request to a decided state.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, next Status) (Request, error) {
	const q = `
UPDATE refund_requests
SET status = $2::refund_status,
    decided_at = COALESCE(decided_at, get_tx_timestamp())
WHERE id = $1
RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, q, id, string(next)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("refund: update status: %w", err)
	}
	return req, nil
}
