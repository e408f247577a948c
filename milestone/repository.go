package milestone

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrNotFound is returned when no milestone row matches.
	ErrNotFound = errors.New("milestone: not found")
	// ErrWrongContract signals the milestone belongs to another contract.
	ErrWrongContract = errors.New("milestone: does not belong to contract")
)

// Repository is the tx-scoped data access for milestones. The contract row
// lock taken by callers serializes writers, so plain reads here are safe.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// GetForUpdate loads the milestone row under lock and verifies ownership.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, contractID, id string) (Milestone, error) {
	const q = `
SELECT id, contract_id, title, amount, due_date, status, order_index, completed_at, created_at, updated_at
FROM milestones
WHERE id = $1
FOR UPDATE
`
	var m Milestone
	err := tx.QueryRow(ctx, q, id).Scan(
		&m.ID, &m.ContractID, &m.Title, &m.Amount, &m.DueDate,
		&m.Status, &m.OrderIndex, &m.CompletedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("milestone: fetch for update: %w", err)
	}
	if m.ContractID != contractID {
		return Milestone{}, ErrWrongContract
	}
	return m, nil
}

// UpdateStatus writes the next status and stamps completed_at on completion.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, next Status) error {
	const q = `
UPDATE milestones
SET status = $1::milestone_status,
    updated_at = get_tx_timestamp(),
    completed_at = CASE WHEN $1 = 'completed' THEN COALESCE(completed_at, get_tx_timestamp()) ELSE completed_at END
WHERE id = $2
`
	tag, err := tx.Exec(ctx, q, string(next), id)
	if err != nil {
		return fmt.Errorf("milestone: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByContract returns the milestones in order.
func (r *Repository) ListByContract(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, contractID string) ([]Milestone, error) {
	const sel = `
SELECT id, contract_id, title, amount, due_date, status, order_index, completed_at, created_at, updated_at
FROM milestones
WHERE contract_id = $1
ORDER BY order_index
`
	rows, err := q.Query(ctx, sel, contractID)
	if err != nil {
		return nil, fmt.Errorf("milestone: list: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 8)
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(
			&m.ID, &m.ContractID, &m.Title, &m.Amount, &m.DueDate,
			&m.Status, &m.OrderIndex, &m.CompletedAt, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("milestone: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("milestone: iterate: %w", err)
	}
	return out, nil
}
