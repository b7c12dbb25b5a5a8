package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"escrowflow/escrow"
)

// Memory is an in-process store with one mutex per booking id. It backs tests
// and single-instance development runs.
type Memory struct {
	mu      sync.Mutex
	entries map[string]escrow.Entry
	locks   map[string]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]escrow.Entry),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (m *Memory) Insert(ctx context.Context, e escrow.Entry) (escrow.Entry, error) {
	if err := ctx.Err(); err != nil {
		return escrow.Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[e.BookingID]; exists {
		return escrow.Entry{}, ErrDuplicateBooking
	}
	e = e.Clone()
	e.Version = 1
	m.entries[e.BookingID] = e
	m.locks[e.BookingID] = &sync.Mutex{}
	return e.Clone(), nil
}

func (m *Memory) Get(ctx context.Context, bookingID string) (escrow.Entry, error) {
	if err := ctx.Err(); err != nil {
		return escrow.Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[bookingID]
	if !ok {
		return escrow.Entry{}, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *Memory) Mutate(ctx context.Context, bookingID string, fn MutateFunc) (escrow.Entry, error) {
	m.mu.Lock()
	lock, ok := m.locks[bookingID]
	m.mu.Unlock()
	if !ok {
		return escrow.Entry{}, ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()
	if err := ctx.Err(); err != nil {
		return escrow.Entry{}, err
	}

	m.mu.Lock()
	current := m.entries[bookingID].Clone()
	m.mu.Unlock()

	next, write, err := fn(ctx, current.Clone())
	if err != nil {
		return escrow.Entry{}, err
	}
	if !write {
		return current, nil
	}
	if next.TotalAmount != current.TotalAmount || next.BookingID != current.BookingID {
		return escrow.Entry{}, ErrVersionConflict
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[bookingID].Version != current.Version {
		return escrow.Entry{}, ErrVersionConflict
	}
	next = next.Clone()
	next.Version = current.Version + 1
	m.entries[bookingID] = next
	return next.Clone(), nil
}

func (m *Memory) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	due := make([]escrow.Entry, 0)
	for _, e := range m.entries {
		if escrow.DueForAutoRelease(e, now) {
			due = append(due, e)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		return due[i].ObservationStartedAt.Before(*due[j].ObservationStartedAt)
	})
	ids := make([]string, 0, min(limit, len(due)))
	for _, e := range due {
		if len(ids) == limit {
			break
		}
		ids = append(ids, e.BookingID)
	}
	return ids, nil
}
