// Package oracles checks the money invariants of the escrow tables while a
// stress run is in flight. Each oracle is a query that must return no rows.
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
			Name: "O1_conservation",
			SQL: `SELECT booking_id, total_amount, released_amount, refund_amount FROM escrow_entries
                  WHERE released_amount < 0 OR refund_amount < 0
                     OR released_amount + refund_amount > total_amount`,
		},
		{
			Name: "O2_terminal_fully_disbursed",
			SQL: `SELECT booking_id, status, total_amount, released_amount, refund_amount FROM escrow_entries
                  WHERE status IN ('RELEASED','AUTO_RELEASED','REFUNDED','PARTIALLY_REFUNDED')
                    AND released_amount + refund_amount <> total_amount`,
		},
		{
			Name: "O3_milestone_sum",
			SQL: `SELECT booking_id, total_amount FROM escrow_entries e
                  WHERE tier = 4
                    AND (SELECT COALESCE(SUM((m->>'amount')::bigint), 0)
                         FROM jsonb_array_elements(e.milestones) m) <> e.total_amount`,
		},
		{
			Name: "O4_milestone_order",
			SQL: `SELECT e.booking_id, later.value->>'phase' AS phase FROM escrow_entries e,
                       jsonb_array_elements(e.milestones) later,
                       jsonb_array_elements(e.milestones) earlier
                  WHERE (later.value->>'released')::boolean
                    AND NOT (earlier.value->>'released')::boolean
                    AND (earlier.value->>'phase')::int < (later.value->>'phase')::int`,
		},
		{
			Name: "O5_frozen_origin",
			SQL: `SELECT booking_id FROM escrow_entries
                  WHERE (status = 'FROZEN') <> (frozen_from IS NOT NULL)`,
		},
		{
			Name: "O6_non_milestone_tiers_have_no_phases",
			SQL: `SELECT booking_id FROM escrow_entries
                  WHERE tier < 4 AND jsonb_array_length(milestones) > 0`,
		},
		{
			Name: "O7_milestone_paid_matches_entry",
			SQL: `SELECT booking_id, released_amount, refund_amount FROM escrow_entries e
                  WHERE tier = 4
                    AND ((SELECT COALESCE(SUM((m->>'paid_amount')::bigint), 0)
                          FROM jsonb_array_elements(e.milestones) m) <> e.released_amount
                      OR (SELECT COALESCE(SUM((m->>'refunded_amount')::bigint), 0)
                          FROM jsonb_array_elements(e.milestones) m) <> e.refund_amount)`,
		},
		{
			Name: "O8_outbox_stale",
			SQL: `SELECT id::text FROM outbox
                  WHERE published_at IS NULL AND dead_lettered_at IS NULL
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name when every oracle passes.
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
