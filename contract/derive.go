package contract

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DeriveStatus recomputes the contract's natural status from current facts:
// signatures, funding, escrow balances, and milestone progress. Dispute
// resolution uses it instead of restoring the pre-dispute status verbatim,
// because those facts may have changed while the contract was frozen.
func (r *Repository) DeriveStatus(ctx context.Context, tx pgx.Tx, c Contract) (Status, error) {
	if c.Status == StatusCompleted || c.Status == StatusCancelled {
		return c.Status, nil
	}

	signed, err := r.BothPartiesSigned(ctx, tx, c)
	if err != nil {
		return "", err
	}
	if !signed {
		return StatusPendingSignatures, nil
	}

	totals, err := r.GetEscrowTotals(ctx, tx, c.ID)
	if err != nil {
		return "", err
	}
	funded := totals.Held > 0 || totals.Released > 0 || totals.Refunded > 0
	if !funded {
		return StatusPendingFunding, nil
	}

	if c.Type == TypeMilestone {
		counts, err := r.milestoneStatusCounts(ctx, tx, c.ID)
		if err != nil {
			return "", err
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		switch {
		case total > 0 && counts["completed"] == total:
			return StatusPendingCompletion, nil
		case counts["submitted"] > 0:
			return StatusInReview, nil
		default:
			return StatusActive, nil
		}
	}

	// Fixed and hourly contracts complete once the full escrow amount has
	// been released.
	if totals.Released >= c.TotalAmount {
		return StatusPendingCompletion, nil
	}
	return StatusActive, nil
}

func (r *Repository) milestoneStatusCounts(ctx context.Context, tx pgx.Tx, contractID string) (map[string]int, error) {
	rows, err := tx.Query(ctx, `SELECT status::text, COUNT(*) FROM milestones WHERE contract_id = $1 GROUP BY status`, contractID)
	if err != nil {
		return nil, fmt.Errorf("contract: milestone status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int, 6)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("contract: scan milestone count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate milestone counts: %w", err)
	}
	return counts, nil
}
