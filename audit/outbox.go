package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// OutboxRecord is one claimed outbox row.
type OutboxRecord struct {
	ID           string
	Topic        string
	PartitionKey string
	Payload      []byte
	RetryCount   int
}

// OutboxRepository claims pending rows under a token and settles them. A
// claim expires at claimUntil so rows held by a crashed worker are retried.
type OutboxRepository interface {
	ClaimUnpublished(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, id, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, id, claimToken, errMsg string, at time.Time) error
	MarkDeadLettered(ctx context.Context, id, claimToken, errMsg string, at time.Time) error
}

// OutboxDB is the subset of *pgxpool.Pool PGOutbox needs.
type OutboxDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PGOutbox struct {
	db OutboxDB
}

func NewPGOutbox(db OutboxDB) *PGOutbox {
	return &PGOutbox{db: db}
}

func (o *PGOutbox) ClaimUnpublished(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]OutboxRecord, error) {
	if claimToken == "" {
		return nil, fmt.Errorf("audit: claim token is required")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.Query(ctx, `
		WITH picked AS (
			SELECT id
			FROM outbox
			WHERE published_at IS NULL
			  AND dead_lettered_at IS NULL
			  AND (claim_expires_at IS NULL OR claim_expires_at < now())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox o
		SET claim_token = $2::uuid, claim_expires_at = $3
		FROM picked
		WHERE o.id = picked.id
		RETURNING o.id::text, o.topic, o.partition_key, o.payload, o.retry_count
	`, limit, claimToken, claimUntil)
	if err != nil {
		return nil, fmt.Errorf("audit: claim outbox: %w", err)
	}
	defer rows.Close()

	out := make([]OutboxRecord, 0, limit)
	for rows.Next() {
		var rec OutboxRecord
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.PartitionKey, &rec.Payload, &rec.RetryCount); err != nil {
			return nil, fmt.Errorf("audit: scan outbox: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate outbox: %w", err)
	}
	return out, nil
}

func (o *PGOutbox) MarkPublished(ctx context.Context, id, claimToken string, at time.Time) error {
	_, err := o.db.Exec(ctx, `
		UPDATE outbox
		SET published_at = $3, claim_token = NULL, claim_expires_at = NULL
		WHERE id = $1::uuid AND claim_token = $2::uuid
	`, id, claimToken, at)
	if err != nil {
		return fmt.Errorf("audit: mark published: %w", err)
	}
	return nil
}

func (o *PGOutbox) MarkFailed(ctx context.Context, id, claimToken, errMsg string, at time.Time) error {
	_, err := o.db.Exec(ctx, `
		UPDATE outbox
		SET retry_count = retry_count + 1, last_error = $3, claim_token = NULL, claim_expires_at = NULL
		WHERE id = $1::uuid AND claim_token = $2::uuid
	`, id, claimToken, errMsg)
	if err != nil {
		return fmt.Errorf("audit: mark failed: %w", err)
	}
	return nil
}

func (o *PGOutbox) MarkDeadLettered(ctx context.Context, id, claimToken, errMsg string, at time.Time) error {
	_, err := o.db.Exec(ctx, `
		UPDATE outbox
		SET dead_lettered_at = $4, last_error = $3, claim_token = NULL, claim_expires_at = NULL
		WHERE id = $1::uuid AND claim_token = $2::uuid
	`, id, claimToken, errMsg, at)
	if err != nil {
		return fmt.Errorf("audit: mark dead lettered: %w", err)
	}
	return nil
}
