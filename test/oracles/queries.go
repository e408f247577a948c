// Package oracles holds SQL invariant checks run continuously during the
// stress suite. Every query returns rows only when an invariant is violated.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			// Money never appears or disappears: a hold's face value equals
			// what remains plus everything carved out of it. Voided entries
			// re-credited the hold and are excluded.
			Name: "O1_ledger_conservation",
			SQL: `SELECT h.contract_id, h.amount, h.amount_remaining, COALESCE(SUM(e.amount), 0) AS carved
                  FROM escrow_entries h
                  LEFT JOIN escrow_entries e
                    ON e.contract_id = h.contract_id
                   AND e.id <> h.id
                   AND e.status IN ('pending','released','refunded')
                  WHERE h.status = 'held'
                  GROUP BY h.id
                  HAVING h.amount <> h.amount_remaining + COALESCE(SUM(e.amount), 0)`,
		},
		{
			Name: "O2_hold_balance_bounds",
			SQL: `SELECT id, amount, amount_remaining FROM escrow_entries
                  WHERE status = 'held' AND (amount_remaining < 0 OR amount_remaining > amount)`,
		},
		{
			Name: "O3_single_active_hold",
			SQL: `SELECT contract_id, COUNT(*) FROM escrow_entries
                  WHERE status = 'held'
                  GROUP BY contract_id, COALESCE(milestone_id, '00000000-0000-0000-0000-000000000000'::uuid)
                  HAVING COUNT(*) > 1`,
		},
		{
			// One in-flight-or-settled release per milestone; two rows here
			// means two rail transfers could have been attempted.
			Name: "O4_single_settlement_per_milestone",
			SQL: `SELECT milestone_id, COUNT(*) FROM escrow_entries
                  WHERE status IN ('pending','released') AND milestone_id IS NOT NULL
                  GROUP BY milestone_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_fee_arithmetic",
			SQL: `SELECT id, amount, fee, net_amount FROM escrow_entries
                  WHERE status IN ('pending','released') AND net_amount <> amount - fee`,
		},
		{
			Name: "O6_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT contract_id, seq,
                             LAG(seq) OVER (PARTITION BY contract_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O7_single_open_dispute",
			SQL: `SELECT contract_id, COUNT(*) FROM disputes
                  WHERE status <> 'resolved'
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_single_pending_refund",
			SQL: `SELECT contract_id, COUNT(*) FROM refund_requests
                  WHERE status = 'pending'
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_refund_within_cap",
			SQL: `SELECT id, amount, cap_amount FROM refund_requests WHERE amount > cap_amount`,
		},
		{
			Name: "O10_milestone_sum_matches_total",
			SQL: `SELECT c.id, c.total_amount, COALESCE(SUM(m.amount), 0) AS milestone_sum
                  FROM contracts c
                  JOIN milestones m ON m.contract_id = c.id
                  WHERE c.type = 'milestone'
                  GROUP BY c.id HAVING c.total_amount <> COALESCE(SUM(m.amount), 0)`,
		},
		{
			Name: "O11_outbox_not_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O12_terminal_contracts_frozen",
			SQL: `SELECT e.id, e.contract_id, e.status FROM escrow_entries e
                  JOIN contracts c ON c.id = e.contract_id
                  WHERE c.status = 'completed' AND e.status = 'pending'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text), or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
