package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PaidFunc reports what the payment provider moved for a booking.
type PaidFunc func(bookingID string) (provider, client int64)

// CheckPayouts compares stored amounts with what the provider actually paid.
// An entry may never claim a movement the provider did not make, and the
// provider may never move more than the entry holds in total. Paid can run
// ahead of stored only while a staged payout waits to be completed.
func CheckPayouts(ctx context.Context, pool *pgxpool.Pool, paid PaidFunc) (string, error) {
	rows, err := pool.Query(ctx, `SELECT booking_id, total_amount, released_amount, refund_amount FROM escrow_entries`)
	if err != nil {
		return "", fmt.Errorf("payout oracle: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id                       string
			total, released, refunds int64
		)
		if err := rows.Scan(&id, &total, &released, &refunds); err != nil {
			return "", fmt.Errorf("payout oracle scan: %w", err)
		}
		provider, client := paid(id)
		if provider+client > total {
			return fmt.Sprintf("%s: provider moved %d to the provider and %d to the client of %d", id, provider, client, total), nil
		}
		if released > provider {
			return fmt.Sprintf("%s: stored released %d, provider received %d", id, released, provider), nil
		}
		if refunds > client {
			return fmt.Sprintf("%s: stored refund %d, client received %d", id, refunds, client), nil
		}
	}
	return "", rows.Err()
}
