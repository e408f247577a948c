package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const recordColumns = `
id, contract_id, initiated_by, type, description, status, resolution, resolved_by,
created_at, updated_at, resolved_at
`

// Repository is the tx-scoped data access for disputes.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.ContractID, &rec.InitiatedBy, &rec.Type, &rec.Description,
		&rec.Status, &rec.Resolution, &rec.ResolvedBy,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt,
	)
	return rec, err
}

// Insert opens a dispute. The partial unique index allows one unresolved
// dispute per contract; the violation maps to ErrAlreadyOpen.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const q = `
INSERT INTO disputes (contract_id, initiated_by, type, description)
VALUES ($1, $2, $3, $4)
RETURNING ` + recordColumns

	created, err := scanRecord(tx.QueryRow(ctx, q, rec.ContractID, rec.InitiatedBy, rec.Type, rec.Description))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyOpen
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return created, nil
}

// Get loads a dispute without locking.
func (r *Repository) Get(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, id string) (Record, error) {
	rec, err := scanRecord(q.QueryRow(ctx, `SELECT `+recordColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: fetch: %w", err)
	}
	return rec, nil
}

// GetForUpdate locks the dispute row. Callers lock the contract row first.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: fetch for update: %w", err)
	}
	return rec, nil
}

// UpdateStatus moves a dispute along its lifecycle.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, next Status) (Record, error) {
	const q = `
UPDATE disputes
SET status = $2::dispute_status, updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, q, id, string(next)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: update status: %w", err)
	}
	return rec, nil
}

// MarkResolved records the resolution text and the resolving user.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, id, resolution, resolvedBy string) (Record, error) {
	const q = `
UPDATE disputes
SET status = 'resolved',
    resolution = $2,
    resolved_by = $3,
    resolved_at = get_tx_timestamp(),
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, q, id, resolution, resolvedBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return rec, nil
}

// ListByContract returns the contract's disputes newest-first.
func (r *Repository) ListByContract(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, contractID string) ([]Record, error) {
	rows, err := q.Query(ctx, `SELECT `+recordColumns+` FROM disputes WHERE contract_id = $1 ORDER BY created_at DESC`, contractID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
