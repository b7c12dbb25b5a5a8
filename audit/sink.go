// Package audit records escrow events. Records land in the escrow_events
// timeline and in the outbox, from where OutboxWorker forwards them to a
// broker. Writes are best-effort: callers log failures and carry on.
package audit

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"escrowflow/escrow"

	"github.com/google/uuid"
)

// Topic is the outbox topic every escrow event is published to.
const Topic = "escrow.events"

// Record is an escrow event as stored in the timeline.
type Record struct {
	ID         string         `json:"id"`
	BookingID  string         `json:"bookingId"`
	Type       string         `json:"type"`
	ActorID    string         `json:"actorId,omitempty"`
	Notify     []escrow.Party `json:"notify"`
	Data       map[string]any `json:"data"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// NewRecords stamps events with ids and the acting operator.
func NewRecords(actorID string, events []escrow.Event) []Record {
	out := make([]Record, 0, len(events))
	for _, ev := range events {
		notify := ev.Notify
		if notify == nil {
			notify = []escrow.Party{}
		}
		data := ev.Data
		if data == nil {
			data = map[string]any{}
		}
		out = append(out, Record{
			ID:         uuid.NewString(),
			BookingID:  ev.BookingID,
			Type:       ev.Type,
			ActorID:    actorID,
			Notify:     notify,
			Data:       data,
			OccurredAt: ev.At.UTC(),
		})
	}
	return out
}

// Sink accepts audit records.
type Sink interface {
	Write(ctx context.Context, records []Record) error
}

// Timeline reads back the audit trail of one booking, oldest first.
type Timeline interface {
	History(ctx context.Context, bookingID string) ([]Record, error)
}

// MemorySink keeps records in process. It backs STORE=memory and tests.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *MemorySink) History(ctx context.Context, bookingID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, 8)
	for _, r := range s.records {
		if r.BookingID == bookingID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// Types lists the event types recorded so far, in write order.
func (s *MemorySink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Type)
	}
	return slices.Clip(out)
}
