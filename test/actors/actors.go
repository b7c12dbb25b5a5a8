// Package actors drives the custody service from many goroutines at once.
// Every actor ignores the errors contention legitimately produces and returns
// anything else.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"escrowflow/audit"
	"escrowflow/custody"
	"escrowflow/escrow"
	"escrowflow/payout"
	"escrowflow/sweeper"
)

// Booking is one escrow the actors fight over.
type Booking struct {
	ID       string
	Category string
	Total    int64
}

func (b Booking) params() escrow.CreateParams {
	return escrow.CreateParams{
		BookingID:   b.ID,
		ClientID:    "client-" + b.ID,
		ProviderID:  "provider-" + b.ID,
		Category:    b.Category,
		TotalAmount: b.Total,
	}
}

// PayoutLedger is an in-process payment provider that deduplicates on the
// idempotency key the way a real provider does, and remembers what it paid.
type PayoutLedger struct {
	mu        sync.Mutex
	paid      map[string]payout.Instruction
	conflicts []string
}

func NewPayoutLedger() *PayoutLedger {
	return &PayoutLedger{paid: make(map[string]payout.Instruction)}
}

func (l *PayoutLedger) Transfer(ctx context.Context, in payout.Instruction) (payout.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return payout.Receipt{}, &payout.Error{Code: "context", Temporary: true, Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.paid[in.Key]; ok {
		if prev.Amount != in.Amount || prev.PartyID != in.PartyID {
			l.conflicts = append(l.conflicts, fmt.Sprintf("%s: %d to %s, then %d to %s", in.Key, prev.Amount, prev.PartyID, in.Amount, in.PartyID))
		}
		return payout.Receipt{Key: in.Key, Reference: "dup:" + in.Key}, nil
	}
	l.paid[in.Key] = in
	return payout.Receipt{Key: in.Key, Reference: "ok:" + in.Key}, nil
}

// Paid sums what reached each side of a booking.
func (l *PayoutLedger) Paid(bookingID string) (provider, client int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, in := range l.paid {
		if in.BookingID != bookingID {
			continue
		}
		if in.Recipient == string(escrow.PartyClient) {
			client += in.Amount
		} else {
			provider += in.Amount
		}
	}
	return provider, client
}

// Conflicts lists keys that were reused for a different movement.
func (l *PayoutLedger) Conflicts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.conflicts...)
}

var contention = []error{
	escrow.ErrInvalidStateTransition,
	escrow.ErrObservationNotElapsed,
	escrow.ErrInvalidPhaseOrder,
	escrow.ErrAlreadyReleased,
	escrow.ErrRefundExceedsRemainder,
	escrow.ErrNotFrozen,
	custody.ErrStoreUnavailable,
	custody.ErrPayoutProviderFailure,
	context.Canceled,
	context.DeadlineExceeded,
}

// Tolerable reports whether err is an outcome of racing transitions or of
// injected faults rather than a bug.
func Tolerable(err error) bool {
	if err == nil {
		return true
	}
	for _, target := range contention {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
}

// Creator keeps creating every booking. After the first success each call
// must come back as a no-op with the stored entry.
func Creator(ctx context.Context, svc *custody.Service, bookings []Booking, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		b := bookings[rand.Intn(len(bookings))]
		res, err := svc.CreateEscrow(ctx, b.params())
		if err != nil {
			if Tolerable(err) {
				continue
			}
			return fmt.Errorf("creator %s: %w", b.ID, err)
		}
		if res.Entry.TotalAmount != b.Total {
			return fmt.Errorf("creator %s: stored total %d, want %d", b.ID, res.Entry.TotalAmount, b.Total)
		}
		pause(5, 20)
	}
	return nil
}

// Releaser pushes bookings forward along their release path in random order.
func Releaser(ctx context.Context, svc *custody.Service, bookings []Booking, adminID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		b := bookings[rand.Intn(len(bookings))]
		entry, err := svc.Get(ctx, b.ID)
		if errors.Is(err, custody.ErrNotFound) {
			continue
		}
		if err != nil {
			if Tolerable(err) {
				continue
			}
			return fmt.Errorf("releaser get %s: %w", b.ID, err)
		}

		actx := custody.WithActor(ctx, "stress-releaser")
		if entry.Tier == escrow.MilestoneTier {
			phase := entry.NextPhase()
			if phase == 0 {
				phase = 1 + rand.Intn(len(entry.Milestones))
			}
			_, err = svc.ReleaseMilestone(actx, b.ID, phase, escrow.Approval{ApprovedBy: adminID, Evidence: "stress"})
		} else {
			switch rand.Intn(4) {
			case 0:
				_, err = svc.ReleaseCommitment(actx, b.ID)
			case 1:
				_, err = svc.StartObservation(actx, b.ID)
			case 2:
				_, err = svc.ReleaseBalance(actx, b.ID, nil)
			default:
				_, err = svc.ReleaseBalance(actx, b.ID, &escrow.Override{ApprovedBy: adminID, Reason: "stress override"})
			}
		}
		if !Tolerable(err) {
			return fmt.Errorf("releaser %s: %w", b.ID, err)
		}
		pause(5, 25)
	}
	return nil
}

// Disputer freezes bookings and resolves them by refund or unfreeze.
func Disputer(ctx context.Context, svc *custody.Service, bookings []Booking, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		b := bookings[rand.Intn(len(bookings))]
		actx := custody.WithActor(ctx, "stress-support")
		var err error
		switch rand.Intn(5) {
		case 0, 1:
			_, err = svc.Freeze(actx, b.ID, "stress dispute")
		case 2:
			_, err = svc.Unfreeze(actx, b.ID)
		case 3:
			_, err = svc.Refund(actx, b.ID, escrow.RefundParams{Reason: "stress full refund"})
		default:
			_, err = svc.Refund(actx, b.ID, escrow.RefundParams{Amount: 1 + rand.Int63n(b.Total/2+1), Reason: "stress partial", Partial: true})
		}
		if errors.Is(err, custody.ErrNotFound) {
			continue
		}
		if !Tolerable(err) {
			return fmt.Errorf("disputer %s: %w", b.ID, err)
		}
		pause(20, 60)
	}
	return nil
}

// Sweeper moves the shared clock forward half a day per pass and runs the
// auto-release sweep, so observation windows elapse during the run.
func Sweeper(ctx context.Context, sw *sweeper.Sweeper, clock *escrow.FixedClock, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		clock.Advance(12 * time.Hour)
		// Pass failures are logged and counted by the sweeper itself.
		_, _ = sw.SweepOnce(ctx)
		pause(100, 100)
	}
	return nil
}

// Publisher drains the outbox the way the worker binary does.
func Publisher(ctx context.Context, worker *audit.OutboxWorker, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, _ = worker.ProcessOnce(ctx)
		pause(50, 50)
	}
	return nil
}
