package escrow

import (
	"fmt"
	"strings"
	"time"
)

type PlanKind string

const (
	PlanLinear    PlanKind = "linear"
	PlanMilestone PlanKind = "milestone"
)

// Plan is the tier-specific half of the state machine. LinearEscrow serves
// tiers 1-3 and MilestoneEscrow serves tier 4; freeze, unfreeze and refund are
// shared and live on the envelope.
type Plan interface {
	Kind() PlanKind
	releaseCommitment(e Entry, now time.Time) (Outcome, error)
	startObservation(e Entry, now time.Time) (Outcome, error)
	releaseBalance(e Entry, now time.Time, override *Override) (Outcome, error)
	releaseMilestone(e Entry, phase int, approval Approval, now time.Time) (Outcome, error)
	autoRelease(e Entry, now time.Time) (Outcome, error)
	due(e Entry, now time.Time) bool
	// resolve returns refund to the client and settles the rest of the
	// remainder to the provider, recording both on e.
	resolve(e *Entry, refund int64, now time.Time) []Transfer
}

// CreateParams is the input of createEscrow.
type CreateParams struct {
	BookingID   string
	ClientID    string
	ProviderID  string
	Category    string
	TotalAmount int64
}

// Override is a staff request to release a balance before the observation
// window elapses. ApprovedBy must be a second party, never the client or the
// provider of the booking.
type Override struct {
	ApprovedBy string
	Reason     string
}

// Approval accompanies a milestone release. Evidence is opaque to the engine.
type Approval struct {
	ApprovedBy string
	Evidence   string
}

// RefundParams is the input of refund. A full refund (Partial false) returns
// the whole remainder; Amount may be zero or equal to it.
type RefundParams struct {
	Amount  int64
	Reason  string
	Partial bool
}

// NewEntry builds a HELD entry from policy. Tier-4 entries get their milestone
// sub-ledger precomputed here and never re-derived.
func NewEntry(params CreateParams, policy TierPolicy, now time.Time) (Outcome, error) {
	params.BookingID = strings.TrimSpace(params.BookingID)
	params.ClientID = strings.TrimSpace(params.ClientID)
	params.ProviderID = strings.TrimSpace(params.ProviderID)
	if params.BookingID == "" || params.ClientID == "" || params.ProviderID == "" {
		return Outcome{}, fmt.Errorf("%w: booking, client and provider ids are required", ErrInvalidInput)
	}
	if params.ClientID == params.ProviderID {
		return Outcome{}, fmt.Errorf("%w: client and provider must differ", ErrInvalidInput)
	}
	if params.TotalAmount <= 0 || params.TotalAmount > MaxAmount {
		return Outcome{}, fmt.Errorf("%w: total must be a positive amount of minor units", ErrInvalidAmount)
	}
	if err := policy.Validate(); err != nil {
		return Outcome{}, err
	}

	now = now.UTC()
	e := Entry{
		BookingID:        params.BookingID,
		ClientID:         params.ClientID,
		ProviderID:       params.ProviderID,
		Category:         normalizeCategory(policy.Category),
		Tier:             policy.Tier,
		ObservationDays:  policy.ObservationDays,
		TotalAmount:      params.TotalAmount,
		CommitmentAmount: CommitmentFeeAmount(params.TotalAmount, policy),
		Status:           StatusHeld,
		Milestones:       MilestoneSplit(params.TotalAmount, policy),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if e.Milestones == nil {
		e.Milestones = []Milestone{}
	}
	if err := e.Check(); err != nil {
		return Outcome{}, err
	}

	ev := newEvent(EventCreated, e, now, map[string]any{
		"category":          e.Category,
		"total_amount":      e.TotalAmount,
		"commitment_amount": e.CommitmentAmount,
		"plan":              string(e.Plan().Kind()),
	}, PartyClient, PartyProvider)
	return Outcome{Entry: e, Events: []Event{ev}}, nil
}

// ReleaseCommitment pays the commitment fee on provider check-in.
func ReleaseCommitment(e Entry, now time.Time) (Outcome, error) {
	return e.Plan().releaseCommitment(e, now.UTC())
}

// StartObservation opens the observation window once work is complete.
func StartObservation(e Entry, now time.Time) (Outcome, error) {
	return e.Plan().startObservation(e, now.UTC())
}

// ReleaseBalance pays the remaining balance after observation. A non-nil
// override bypasses the window and is recorded on the entry.
func ReleaseBalance(e Entry, now time.Time, override *Override) (Outcome, error) {
	return e.Plan().releaseBalance(e, now.UTC(), override)
}

// ReleaseMilestone releases the next tier-4 phase.
func ReleaseMilestone(e Entry, phase int, approval Approval, now time.Time) (Outcome, error) {
	return e.Plan().releaseMilestone(e, phase, approval, now.UTC())
}

// AutoRelease is the scheduler-driven release. It is a no-op unless
// DueForAutoRelease holds.
func AutoRelease(e Entry, now time.Time) (Outcome, error) {
	now = now.UTC()
	if e.Status.Terminal() || e.Status == StatusFrozen || !e.Plan().due(e, now) {
		return unchanged(e), nil
	}
	return e.Plan().autoRelease(e, now)
}

// DueForAutoRelease decides, from the entry and a clock reading alone, whether
// an automatic release should fire.
func DueForAutoRelease(e Entry, now time.Time) bool {
	if e.Status.Terminal() || e.Status == StatusFrozen {
		return false
	}
	return e.Plan().due(e, now.UTC())
}

// Freeze puts the entry under review. Already released funds stay released.
func Freeze(e Entry, reason string, now time.Time) (Outcome, error) {
	now = now.UTC()
	if e.Status == StatusFrozen {
		return unchanged(e), nil
	}
	if e.Status.Terminal() {
		return Outcome{}, fmt.Errorf("%w: cannot freeze %s entry", ErrInvalidStateTransition, e.Status)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Outcome{}, fmt.Errorf("%w: freeze reason required", ErrInvalidInput)
	}

	next := e.Clone()
	next.FrozenFrom = e.Status
	next.Status = StatusFrozen
	next.FrozenAt = timePtr(now)
	next.FreezeReason = stringPtr(reason)
	next.UpdatedAt = now

	ev := newEvent(EventFrozen, next, now, map[string]any{
		"reason":          reason,
		"previous_status": string(e.Status),
	}, PartyClient, PartyProvider)
	return finish(next, []Event{ev}, nil)
}

// Unfreeze resolves a dispute in the provider's favour and resumes the flow
// from where it was frozen. Time spent frozen counts toward the window.
func Unfreeze(e Entry, now time.Time) (Outcome, error) {
	now = now.UTC()
	if e.Status != StatusFrozen {
		return Outcome{}, fmt.Errorf("%w: status %s", ErrNotFrozen, e.Status)
	}
	resume := e.FrozenFrom
	if !resume.Valid() || resume.Terminal() || resume == StatusFrozen {
		return Outcome{}, fmt.Errorf("%w: no resumable status recorded", ErrInvalidStateTransition)
	}

	next := e.Clone()
	next.Status = resume
	next.FrozenAt = nil
	next.FreezeReason = nil
	next.FrozenFrom = ""
	next.UpdatedAt = now

	ev := newEvent(EventUnfrozen, next, now, map[string]any{
		"frozen_reason": derefString(e.FreezeReason),
	}, PartyClient, PartyProvider)
	return finish(next, []Event{ev}, nil)
}

// Refund resolves a frozen entry by returning funds to the client. A partial
// refund settles the rest of the remainder to the provider.
func Refund(e Entry, params RefundParams, now time.Time) (Outcome, error) {
	now = now.UTC()
	if e.Status == StatusRefunded || e.Status == StatusPartiallyRefunded {
		if sameRefund(e, params) {
			return unchanged(e), nil
		}
		return Outcome{}, fmt.Errorf("%w: entry already %s", ErrNotFrozen, e.Status)
	}
	if e.Status != StatusFrozen {
		return Outcome{}, fmt.Errorf("%w: status %s", ErrNotFrozen, e.Status)
	}
	if params.Amount < 0 {
		return Outcome{}, fmt.Errorf("%w: negative refund", ErrInvalidAmount)
	}

	remainder := e.Remainder()
	if params.Amount > remainder {
		return Outcome{}, fmt.Errorf("%w: refund %d, remainder %d", ErrRefundExceedsRemainder, params.Amount, remainder)
	}

	amount := params.Amount
	status := StatusRefunded
	if params.Partial {
		if amount == 0 {
			return Outcome{}, fmt.Errorf("%w: partial refund needs a positive amount", ErrInvalidAmount)
		}
		status = StatusPartiallyRefunded
	} else {
		if amount == 0 {
			amount = remainder
		}
		if amount != remainder {
			return Outcome{}, fmt.Errorf("%w: full refund must cover remainder %d", ErrInvalidAmount, remainder)
		}
	}

	next := e.Clone()
	next.Status = status
	next.RefundedAt = timePtr(now)
	if reason := strings.TrimSpace(params.Reason); reason != "" {
		next.RefundReason = stringPtr(reason)
	}
	next.UpdatedAt = now

	transfers := next.Plan().resolve(&next, amount, now)
	settled := remainder - amount

	ev := newEvent(EventRefunded, next, now, map[string]any{
		"amount":  amount,
		"partial": params.Partial,
		"settled": settled,
		"reason":  derefString(next.RefundReason),
	}, PartyClient, PartyProvider)
	return finish(next, []Event{ev}, transfers)
}

func sameRefund(e Entry, params RefundParams) bool {
	if params.Partial != (e.Status == StatusPartiallyRefunded) {
		return false
	}
	if params.Amount == 0 && !params.Partial {
		return true
	}
	return params.Amount == e.RefundAmount
}

// finish validates the money invariants before handing the outcome back. A
// transition that moves money while a different payout is pending is refused:
// the pending one may already have reached the provider.
func finish(next Entry, events []Event, transfers []Transfer) (Outcome, error) {
	if len(transfers) > 0 {
		if next.PendingPayout != nil && !next.PendingPayout.Matches(transfers) {
			return Outcome{}, fmt.Errorf("%w: payout %v is still pending", ErrInvalidStateTransition, next.PendingPayout.Keys())
		}
		next.PendingPayout = nil
	}
	if err := next.Check(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Entry: next, Events: events, Transfers: transfers}, nil
}

func elapsed(start *time.Time, window time.Duration, now time.Time) bool {
	if start == nil {
		return false
	}
	return !now.Before(start.Add(window))
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
