// Package custody runs escrow transitions against the store, the payout
// provider and the audit sink. Every mutation re-reads the entry under a row
// lock, executes the transfers the transition decided on and persists the new
// entry in the same unit of work; audit records go out after commit.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"escrowflow/audit"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/metrics"
	"escrowflow/payout"
)

var (
	// ErrStoreUnavailable wraps store failures and timeouts. The entry is
	// unchanged and the call is safe to retry.
	ErrStoreUnavailable = errors.New("custody: store unavailable")
	// ErrPayoutProviderFailure wraps payout failures. The transition was not
	// persisted and the call is safe to retry.
	ErrPayoutProviderFailure = errors.New("custody: payout provider failure")
	// ErrNotFound is returned when the booking has no escrow entry.
	ErrNotFound = ledger.ErrNotFound
)

// Store is the persistence the service needs. ledger.Postgres and
// ledger.Memory implement it.
type Store interface {
	Insert(ctx context.Context, e escrow.Entry) (escrow.Entry, error)
	Get(ctx context.Context, bookingID string) (escrow.Entry, error)
	Mutate(ctx context.Context, bookingID string, fn ledger.MutateFunc) (escrow.Entry, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Result is what a mutating operation returns. NoOp reports that the entry
// already was in the requested state and nothing moved.
type Result struct {
	Entry    escrow.Entry
	NoOp     bool
	Receipts []payout.Receipt
}

type Options struct {
	StoreTimeout  time.Duration
	PayoutTimeout time.Duration
	Clock         escrow.Clock
	Logger        *slog.Logger
	Metrics       *metrics.EscrowMetrics
}

type Service struct {
	store         Store
	policies      *escrow.PolicyTable
	provider      payout.Provider
	sink          audit.Sink
	clock         escrow.Clock
	logger        *slog.Logger
	metrics       *metrics.EscrowMetrics
	storeTimeout  time.Duration
	payoutTimeout time.Duration
}

func NewService(store Store, policies *escrow.PolicyTable, provider payout.Provider, sink audit.Sink, opts Options) *Service {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.PayoutTimeout <= 0 {
		opts.PayoutTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = escrow.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NewMemorySink()
	}
	return &Service{
		store:         store,
		policies:      policies,
		provider:      provider,
		sink:          sink,
		clock:         opts.Clock,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		storeTimeout:  opts.StoreTimeout,
		payoutTimeout: opts.PayoutTimeout,
	}
}

type actorKey struct{}

// WithActor tags ctx with the operator performing the call; the id is written
// to the audit trail.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func ActorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

// Policies returns the loaded tier policy table, sorted by category.
func (s *Service) Policies() []escrow.TierPolicy {
	return s.policies.Policies()
}

// CreateEscrow opens a HELD entry for a booking. A booking that already has
// an entry gets the stored entry back with NoOp set.
func (s *Service) CreateEscrow(ctx context.Context, params escrow.CreateParams) (Result, error) {
	const op = "create_escrow"
	started := time.Now()

	policy, err := s.policies.PolicyFor(params.Category)
	if err != nil {
		return Result{}, s.fail(ctx, op, params.BookingID, started, err)
	}
	out, err := escrow.NewEntry(params, policy, s.clock.Now())
	if err != nil {
		return Result{}, s.fail(ctx, op, params.BookingID, started, err)
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	stored, err := s.store.Insert(sctx, out.Entry)
	if errors.Is(err, ledger.ErrDuplicateBooking) {
		existing, gerr := s.store.Get(sctx, out.Entry.BookingID)
		if gerr != nil {
			return Result{}, s.fail(ctx, op, params.BookingID, started, gerr)
		}
		s.succeed(ctx, op, existing.BookingID, started, true)
		return Result{Entry: existing, NoOp: true}, nil
	}
	if err != nil {
		return Result{}, s.fail(ctx, op, params.BookingID, started, err)
	}

	s.record(ctx, out.Events)
	s.succeed(ctx, op, stored.BookingID, started, false)
	return Result{Entry: stored}, nil
}

// Get returns the full entry.
func (s *Service) Get(ctx context.Context, bookingID string) (escrow.Entry, error) {
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	e, err := s.store.Get(sctx, strings.TrimSpace(bookingID))
	if err != nil {
		return escrow.Entry{}, classify(err)
	}
	return e, nil
}

// Milestones returns the milestone sub-ledger; empty for tiers 1-3.
func (s *Service) Milestones(ctx context.Context, bookingID string) ([]escrow.Milestone, error) {
	e, err := s.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return e.Milestones, nil
}

// History returns the audit trail when the sink can be read back.
func (s *Service) History(ctx context.Context, bookingID string) ([]audit.Record, error) {
	if _, err := s.Get(ctx, bookingID); err != nil {
		return nil, err
	}
	tl, ok := s.sink.(audit.Timeline)
	if !ok {
		return []audit.Record{}, nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	records, err := tl.History(sctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return records, nil
}

func (s *Service) ReleaseCommitment(ctx context.Context, bookingID string) (Result, error) {
	return s.apply(ctx, "release_commitment", bookingID, func(e escrow.Entry, now time.Time) (escrow.Outcome, error) {
		return escrow.ReleaseCommitment(e, now)
	})
}

func (s *Service) StartObservation(ctx context.Context, bookingID string) (Result, error) {
	return s.apply(ctx, "start_observation", bookingID, func(e escrow.Entry, now time.Time) (escrow.Outcome, error) {
		return escrow.StartObservation(e, now)
	})
}

// ReleaseBalance pays the balance once observation has elapsed. A non-nil
// override releases early; callers must have checked the approver's role.
func (s *Service) ReleaseBalance(ctx context.Context, bookingID string, override *escrow.Override) (Result, error) {
	return s.apply(ctx, "release_balance", bookingID, func(e escrow.Entry, now time.Time) (escrow.Outcome, error) {
		return escrow.ReleaseBalance(e, now, override)
	})
}

func (s *Service) ReleaseMilestone(ctx context.Context, bookingID string, phase int, approval escrow.Approval) (Result, error) {
	return s.apply(ctx, "release_milestone", bookingID, func(e escrow.Entry, now time.Time) (escrow.Outcome, error) {
		return escrow.ReleaseMilestone(e, phase, approval, now)
	})
}

func (s *Service) Freeze(ctx context.Context, bookingID, reason string) (Result, error) {
	return s.apply(ctx, "freeze", bookingID, func(e escrow.Entry, now time.Time) (escrow.Outcome, error) {
		return escrow.Freeze(e, reason, now)
	})
}

func (s *Service) Unfreeze(ctx context.Context, bookingID string) (Result, error) {
	return s.apply(ctx, "unfreeze", bookingID, func(e escrow.Entry, now time.Time) (escrow.Outcome, error) {
		return escrow.Unfreeze(e, now)
	})
}

func (s *Service) Refund(ctx context.Context, bookingID string, params escrow.RefundParams) (Result, error) {
	return s.apply(ctx, "refund", bookingID, func(e escrow.Entry, now time.Time) (escrow.Outcome, error) {
		return escrow.Refund(e, params, now)
	})
}

// AutoReleaseCheck releases the entry if its window has elapsed and is a
// no-op otherwise. It is meant for the scheduler, never for end users.
func (s *Service) AutoReleaseCheck(ctx context.Context, bookingID string) (Result, error) {
	return s.apply(ctx, "auto_release_check", bookingID, func(e escrow.Entry, now time.Time) (escrow.Outcome, error) {
		return escrow.AutoRelease(e, now)
	})
}

// ListDue returns booking ids whose auto-release window has elapsed now.
func (s *Service) ListDue(ctx context.Context, limit int) ([]string, error) {
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	ids, err := s.store.ListDue(sctx, s.clock.Now(), limit)
	if err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

type transition func(e escrow.Entry, now time.Time) (escrow.Outcome, error)

// apply runs a transition in up to two units of work. Transitions that move no
// money commit in the first. Otherwise the first commits the transfers as a
// pending payout and the second pays them and commits the new state. A payout
// whose response is lost therefore stays pending, and only the same movement
// can complete it.
func (s *Service) apply(ctx context.Context, op, bookingID string, fn transition) (Result, error) {
	started := time.Now()
	bookingID = strings.TrimSpace(bookingID)

	// The unit of work covers the store round trips plus the payout calls.
	wctx, cancel := context.WithTimeout(ctx, s.storeTimeout+s.payoutTimeout)
	defer cancel()

	var (
		outcome  escrow.Outcome
		receipts []payout.Receipt
		noop     bool
		staged   bool
	)
	step := func(current escrow.Entry) (escrow.Outcome, bool, error) {
		out, err := fn(current, s.clock.Now())
		if errors.Is(err, escrow.ErrAlreadyReleased) {
			return escrow.Outcome{}, true, nil
		}
		if err != nil {
			return escrow.Outcome{}, false, err
		}
		return out, out.NoOp, nil
	}

	entry, err := s.store.Mutate(wctx, bookingID, func(ctx context.Context, current escrow.Entry) (escrow.Entry, bool, error) {
		out, skip, err := step(current)
		if err != nil || skip {
			noop = skip
			return current, false, err
		}
		if len(out.Transfers) == 0 {
			outcome = out
			return out.Entry, true, nil
		}
		staged = true
		next, changed, err := escrow.StagePayout(current, out.Transfers, s.clock.Now())
		return next, changed, err
	})
	if err == nil && staged {
		entry, err = s.store.Mutate(wctx, bookingID, func(ctx context.Context, current escrow.Entry) (escrow.Entry, bool, error) {
			out, skip, err := step(current)
			if err != nil || skip {
				noop = skip
				return current, false, err
			}
			if len(out.Transfers) > 0 && !current.PendingPayout.Matches(out.Transfers) {
				return escrow.Entry{}, false, fmt.Errorf("%w: entry changed while its payout was staged", escrow.ErrInvalidStateTransition)
			}
			paid, err := s.pay(ctx, out.Transfers)
			if err != nil {
				return escrow.Entry{}, false, err
			}
			outcome, receipts = out, paid
			return out.Entry, true, nil
		})
	}
	if err != nil {
		return Result{}, s.fail(ctx, op, bookingID, started, err)
	}

	if !noop {
		s.record(ctx, outcome.Events)
	}
	s.succeed(ctx, op, bookingID, started, noop)
	return Result{Entry: entry, NoOp: noop, Receipts: receipts}, nil
}

func (s *Service) pay(ctx context.Context, transfers []escrow.Transfer) ([]payout.Receipt, error) {
	receipts := make([]payout.Receipt, 0, len(transfers))
	for _, t := range transfers {
		in := payout.FromTransfer(t)
		pctx, cancel := context.WithTimeout(ctx, s.payoutTimeout)
		receipt, err := s.provider.Transfer(pctx, in)
		cancel()
		s.metrics.ObservePayout(string(t.Kind), t.Amount, err)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrPayoutProviderFailure, in.Key, err)
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// record writes audit records after commit. The request may already be
// cancelled; the transition is final so the write uses a detached context.
func (s *Service) record(ctx context.Context, events []escrow.Event) {
	if len(events) == 0 {
		return
	}
	records := audit.NewRecords(ActorFrom(ctx), events)
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()
	if err := s.sink.Write(actx, records); err != nil {
		for _, r := range records {
			s.metrics.IncAuditFailure(r.Type)
		}
		s.logger.WarnContext(ctx, "audit write failed",
			"module", "custody",
			"operation", "record_events",
			"outcome", "failure",
			"booking_id", records[0].BookingID,
			"event_count", len(records),
			"error", err,
		)
	}
}

func (s *Service) succeed(ctx context.Context, op, bookingID string, started time.Time, noop bool) {
	outcome := "success"
	if noop {
		outcome = "noop"
	}
	s.metrics.ObserveTransition(op, outcome, time.Since(started))
	s.logger.InfoContext(ctx, "escrow operation completed",
		"module", "custody",
		"operation", op,
		"outcome", outcome,
		"booking_id", bookingID,
		"duration_ms", time.Since(started).Milliseconds(),
	)
}

func (s *Service) fail(ctx context.Context, op, bookingID string, started time.Time, err error) error {
	err = classify(err)
	outcome := "rejected"
	level := slog.LevelInfo
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrPayoutProviderFailure) {
		outcome = "failure"
		level = slog.LevelWarn
	}
	s.metrics.ObserveTransition(op, outcome, time.Since(started))
	s.logger.Log(ctx, level, "escrow operation failed",
		"module", "custody",
		"operation", op,
		"outcome", outcome,
		"booking_id", bookingID,
		"error", err,
	)
	return err
}

var domainErrors = []error{
	escrow.ErrUnknownCategory,
	escrow.ErrInvalidPolicy,
	escrow.ErrInvalidInput,
	escrow.ErrInvalidAmount,
	escrow.ErrInvalidStateTransition,
	escrow.ErrObservationNotElapsed,
	escrow.ErrInvalidPhaseOrder,
	escrow.ErrAlreadyReleased,
	escrow.ErrRefundExceedsRemainder,
	escrow.ErrNotFrozen,
	escrow.ErrOverrideNotApproved,
	escrow.ErrConservation,
	ledger.ErrNotFound,
	ErrPayoutProviderFailure,
	ErrStoreUnavailable,
}

// classify passes validation errors through and folds everything else into
// ErrStoreUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
