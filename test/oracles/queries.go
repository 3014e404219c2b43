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

// All returns the invariant queries. Each must return zero rows on a healthy
// database; any row is a counterexample.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_conservation",
			SQL: `SELECT id, funded_amount, released_amount, refunded_amount
                  FROM escrow_ledgers
                  WHERE funded_amount < released_amount + refunded_amount`,
		},
		{
			Name: "O2_release_overdraw",
			SQL: `SELECT l.id, r.total, l.released_amount
                  FROM escrow_ledgers l
                  JOIN (SELECT escrow_id, SUM(amount) AS total
                        FROM escrow_releases WHERE status='completed'
                        GROUP BY escrow_id) r ON r.escrow_id = l.id
                  WHERE r.total > l.released_amount`,
		},
		{
			Name: "O3_single_open_dispute",
			SQL: `SELECT contract_id, COUNT(*) FROM disputes
                  WHERE status <> 'resolved'
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_milestone_in_range",
			SQL: `SELECT id, status, milestone_count FROM escrow_ledgers
                  WHERE status LIKE 'milestone_%'
                    AND split_part(status, '_', 2)::int > milestone_count`,
		},
		{
			Name: "O5_disputed_coherence",
			SQL: `SELECT l.id, l.status, c.status FROM escrow_ledgers l
                  JOIN contracts c ON c.id = l.contract_id
                  WHERE l.status = 'disputed' AND c.status <> 'disputed'`,
		},
		{
			Name: "O6_release_while_disputed",
			SQL: `SELECT r.id FROM escrow_releases r
                  JOIN escrow_ledgers l ON l.id = r.escrow_id
                  WHERE l.status = 'disputed' AND r.status = 'processing'`,
		},
		{
			Name: "O7_outbox_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O8_history_guard_present",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_rewrite_escrow_history')`,
		},
		{
			Name: "O9_signed_amount_sum",
			SQL: `SELECT c.id, c.total_amount, m.total FROM contracts c
                  JOIN (SELECT contract_id, SUM(amount) AS total
                        FROM contract_milestones GROUP BY contract_id) m
                    ON m.contract_id = c.id
                  WHERE m.total <> c.total_amount`,
		},
	}
}

// Run executes all oracles and returns the first failure (name plus a sample
// row) or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
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
