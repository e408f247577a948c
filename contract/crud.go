package contract

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/outbox"
	"escrowflow/timeline"
)

// CreateParams captures a draft contract and, for milestone contracts, its
// initial milestones.
type CreateParams struct {
	ClientID     string
	FreelancerID string
	Type         Type
	Title        string
	TotalAmount  int64
	Currency     string
	Milestones   []MilestoneInput
}

// ListFilters narrows List to contracts a party participates in.
type ListFilters struct {
	PartyID  string
	Status   Status
	Page     int
	PageSize int
}

// CRUDService covers contract creation and listing; lifecycle changes go
// through Service.
type CRUDService struct {
	pool     *pgxpool.Pool
	timeline *timeline.Writer
	outbox   *outbox.Writer
}

func NewCRUDService(pool *pgxpool.Pool) *CRUDService {
	return &CRUDService{pool: pool, timeline: timeline.NewWriter(), outbox: outbox.NewWriter()}
}

// Create inserts a draft contract with its milestones. For milestone
// contracts the milestone amounts must sum to the total amount; the invariant
// is checked before any row is written.
func (s *CRUDService) Create(ctx context.Context, actor Actor, params CreateParams) (Contract, error) {
	if params.ClientID == "" || params.FreelancerID == "" {
		return Contract{}, fmt.Errorf("contract: client and freelancer ids required")
	}
	if params.ClientID == params.FreelancerID {
		return Contract{}, fmt.Errorf("contract: client and freelancer must differ")
	}
	if params.TotalAmount <= 0 {
		return Contract{}, fmt.Errorf("contract: total amount must be positive")
	}
	if params.Currency == "" {
		params.Currency = "USD"
	}
	switch params.Type {
	case TypeFixed, TypeHourly:
		if len(params.Milestones) > 0 {
			return Contract{}, fmt.Errorf("contract: %s contracts cannot carry milestones", params.Type)
		}
	case TypeMilestone:
		if len(params.Milestones) == 0 {
			return Contract{}, fmt.Errorf("contract: milestone contracts need at least one milestone")
		}
		var sum int64
		for _, m := range params.Milestones {
			if m.Title == "" {
				return Contract{}, fmt.Errorf("contract: milestone title required")
			}
			if m.Amount <= 0 {
				return Contract{}, fmt.Errorf("contract: milestone amount must be positive")
			}
			sum += m.Amount
		}
		if sum != params.TotalAmount {
			return Contract{}, ErrMilestoneSumMismatch
		}
	default:
		return Contract{}, fmt.Errorf("contract: invalid type %q", params.Type)
	}
	if actor.Role != RoleAdmin && actor.ID != params.ClientID && actor.ID != params.FreelancerID {
		return Contract{}, ErrUnauthorized
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO contracts (client_id, freelancer_id, created_by, type, title, total_amount, currency, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'draft')
RETURNING id, client_id, freelancer_id, created_by, type, title, total_amount,
          currency, status, funded, progress, version, created_at, updated_at, completed_at
`
	var c Contract
	if err := tx.QueryRow(ctx, insertSQL,
		params.ClientID, params.FreelancerID, actor.ID,
		params.Type, params.Title, params.TotalAmount, params.Currency,
	).Scan(
		&c.ID, &c.ClientID, &c.FreelancerID, &c.CreatedBy, &c.Type, &c.Title,
		&c.TotalAmount, &c.Currency, &c.Status, &c.Funded, &c.Progress,
		&c.Version, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt,
	); err != nil {
		return Contract{}, fmt.Errorf("contract: insert: %w", err)
	}

	for i, m := range params.Milestones {
		if _, err := tx.Exec(ctx, `
INSERT INTO milestones (contract_id, title, amount, due_date, order_index)
VALUES ($1, $2, $3, $4, $5)
`, c.ID, m.Title, m.Amount, m.DueDate, i); err != nil {
			return Contract{}, fmt.Errorf("contract: insert milestone: %w", err)
		}
	}

	actorID := actor.ID
	if err := s.timeline.Append(ctx, tx, c.ID, "CONTRACT_CREATED", &actorID, map[string]any{
		"type":         string(c.Type),
		"total_amount": c.TotalAmount,
		"currency":     c.Currency,
		"milestones":   len(params.Milestones),
	}); err != nil {
		return Contract{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicContractCreated, map[string]any{
		"contract_id":   c.ID,
		"client_id":     c.ClientID,
		"freelancer_id": c.FreelancerID,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit create: %w", err)
	}
	return c, nil
}

// Get returns a contract visible to the actor.
func (s *CRUDService) Get(ctx context.Context, actor Actor, id string) (Contract, error) {
	repo := NewRepository()
	c, err := repo.Get(ctx, s.pool, id)
	if err != nil {
		return Contract{}, err
	}
	if actor.Role != RoleAdmin && actor.ID != c.ClientID && actor.ID != c.FreelancerID {
		return Contract{}, ErrUnauthorized
	}
	return c, nil
}

// List returns the actor's contracts newest-first.
func (s *CRUDService) List(ctx context.Context, filters ListFilters) ([]Contract, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	query := `
SELECT id, client_id, freelancer_id, created_by, type, title, total_amount,
       currency, status, funded, progress, version, created_at, updated_at, completed_at
FROM contracts
WHERE (client_id = $1 OR freelancer_id = $1)
`
	args := []any{filters.PartyID}
	if filters.Status != "" {
		query += ` AND status = $2::contract_status`
		args = append(args, string(filters.Status))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("contract: list: %w", err)
	}
	defer rows.Close()

	out := []Contract{}
	for rows.Next() {
		var c Contract
		if err := rows.Scan(
			&c.ID, &c.ClientID, &c.FreelancerID, &c.CreatedBy, &c.Type, &c.Title,
			&c.TotalAmount, &c.Currency, &c.Status, &c.Funded, &c.Progress,
			&c.Version, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("contract: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("contract: iterate: %w", err)
	}

	countQuery := `SELECT COUNT(*) FROM contracts WHERE (client_id = $1 OR freelancer_id = $1)`
	countArgs := []any{filters.PartyID}
	if filters.Status != "" {
		countQuery += ` AND status = $2::contract_status`
		countArgs = append(countArgs, string(filters.Status))
	}
	var total int
	if err := s.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("contract: count: %w", err)
	}
	return out, total, nil
}
