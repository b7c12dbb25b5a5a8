package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"escrowflow/escrow"

	"github.com/jackc/pgx/v5"
)

// DB is the subset of *pgxpool.Pool the audit tables need.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGSink writes each record to escrow_events and enqueues it in outbox within
// one transaction, so the timeline and the broker feed never diverge.
type PGSink struct {
	db DB
}

func NewPGSink(db DB) *PGSink {
	return &PGSink{db: db}
}

func (s *PGSink) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("audit: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range records {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return fmt.Errorf("audit: encode data: %w", err)
		}
		envelope, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("audit: encode envelope: %w", err)
		}
		notify := make([]string, len(r.Notify))
		for i, p := range r.Notify {
			notify[i] = string(p)
		}
		var actor *string
		if r.ActorID != "" {
			actor = &r.ActorID
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO escrow_events (id, booking_id, type, payload, notify, actor_id, occurred_at)
			VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, r.BookingID, r.Type, data, notify, actor, r.OccurredAt); err != nil {
			return fmt.Errorf("audit: insert event: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO outbox (id, topic, partition_key, payload)
			VALUES ($1::uuid, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, Topic, r.BookingID, envelope); err != nil {
			return fmt.Errorf("audit: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("audit: commit: %w", err)
	}
	return nil
}

func (s *PGSink) History(ctx context.Context, bookingID string) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, booking_id, type, payload, notify, COALESCE(actor_id, ''), occurred_at
		FROM escrow_events
		WHERE booking_id = $1
		ORDER BY occurred_at, recorded_at
	`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("audit: history: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var (
			r      Record
			data   []byte
			notify []string
		)
		if err := rows.Scan(&r.ID, &r.BookingID, &r.Type, &data, &notify, &r.ActorID, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		r.Data = map[string]any{}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &r.Data); err != nil {
				return nil, fmt.Errorf("audit: decode event data: %w", err)
			}
		}
		r.Notify = make([]escrow.Party, len(notify))
		for i, p := range notify {
			r.Notify[i] = escrow.Party(p)
		}
		r.OccurredAt = r.OccurredAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return out, nil
}
