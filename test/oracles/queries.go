package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_claim_within_escrow",
			SQL: `SELECT id, status, quantity, escrow_assets FROM tasks
                  WHERE status IN ('claimed', 'submitted', 'disputed') AND quantity > escrow_assets`,
		},
		{
			Name: "O2_dispute_matches_status",
			SQL: `SELECT id, status FROM tasks
                  WHERE (status = 'disputed') <> COALESCE((dispute->>'active')::boolean, false)`,
		},
		{
			Name: "O3_one_vote_per_voter",
			SQL: `SELECT id FROM tasks
                  WHERE dispute IS NOT NULL
                    AND (SELECT COUNT(*) FROM jsonb_array_elements_text(COALESCE(dispute->'voters', '[]'::jsonb)))
                        <> (SELECT COUNT(DISTINCT v) FROM jsonb_array_elements_text(COALESCE(dispute->'voters', '[]'::jsonb)) v)`,
		},
		{
			Name: "O4_tally_matches_voters",
			SQL: `SELECT id FROM tasks
                  WHERE dispute IS NOT NULL
                    AND (dispute->>'votes_yes')::int + (dispute->>'votes_no')::int
                        <> jsonb_array_length(COALESCE(dispute->'voters', '[]'::jsonb))`,
		},
		{
			Name: "O5_timeline_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT task_id, seq,
                             LAG(seq) OVER (PARTITION BY task_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O6_reward_paid_once",
			SQL: `SELECT task_id, COUNT(*) FROM settlements
                  WHERE leg = 'reward'
                  GROUP BY task_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_completed_has_reward",
			SQL: `SELECT t.id FROM tasks t
                  WHERE t.status = 'completed'
                    AND NOT EXISTS (SELECT 1 FROM settlements s WHERE s.task_id = t.id AND s.leg = 'reward')`,
		},
		{
			Name: "O8_escrow_conserved",
			SQL: `WITH flows AS (
                      SELECT task_id,
                             SUM(CASE WHEN receiver = 'escrow:' || task_id THEN amount ELSE 0 END)
                           - SUM(CASE WHEN sender = 'escrow:' || task_id THEN amount ELSE 0 END) AS net
                      FROM settlements
                      WHERE kind = 'asset'
                      GROUP BY task_id)
                  SELECT t.id, t.escrow_assets, f.net FROM tasks t
                  JOIN flows f ON f.task_id = t.id
                  WHERE t.escrow_assets <> f.net`,
		},
		{
			Name: "O9_closed_escrow_empty",
			SQL: `SELECT id, escrow_assets, escrow_payments FROM tasks
                  WHERE closed AND (escrow_assets <> 0 OR escrow_payments <> 0)`,
		},
		{
			Name: "O10_stale_outbox",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
