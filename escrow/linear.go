package escrow

import (
	"fmt"
	"strings"
	"time"
)

// LinearEscrow is the tier 1-3 flow:
// HELD -> COMMITMENT_RELEASED -> OBSERVING -> RELEASED | AUTO_RELEASED.
type LinearEscrow struct{}

func (LinearEscrow) Kind() PlanKind { return PlanLinear }

func (LinearEscrow) releaseCommitment(e Entry, now time.Time) (Outcome, error) {
	if e.CommitmentReleased {
		return unchanged(e), nil
	}
	if e.Status != StatusHeld {
		return Outcome{}, fmt.Errorf("%w: release commitment from %s", ErrInvalidStateTransition, e.Status)
	}

	next := e.Clone()
	next.CommitmentReleased = true
	next.CommitmentReleasedAt = timePtr(now)
	next.Status = StatusCommitmentReleased
	next.UpdatedAt = now

	var transfers []Transfer
	if next.CommitmentAmount > 0 {
		transfers = append(transfers, payProvider(&next, TransferCommitment, next.CommitmentAmount, 0))
	}
	ev := newEvent(EventCommitmentReleased, next, now, map[string]any{
		"amount": next.CommitmentAmount,
	}, PartyProvider)
	return finish(next, []Event{ev}, transfers)
}

func (LinearEscrow) startObservation(e Entry, now time.Time) (Outcome, error) {
	switch e.Status {
	case StatusObserving, StatusReleased, StatusAutoReleased:
		return unchanged(e), nil
	case StatusCommitmentReleased:
	default:
		return Outcome{}, fmt.Errorf("%w: start observation from %s", ErrInvalidStateTransition, e.Status)
	}

	next := e.Clone()
	next.ObservationStartedAt = timePtr(now)
	next.Status = StatusObserving
	next.UpdatedAt = now

	ev := newEvent(EventObservationStarted, next, now, map[string]any{
		"observation_days": next.ObservationDays,
		"ends_at":          next.ObservationEndsAt().Format(time.RFC3339),
	}, PartyClient, PartyProvider)
	return finish(next, []Event{ev}, nil)
}

func (LinearEscrow) releaseBalance(e Entry, now time.Time, override *Override) (Outcome, error) {
	switch e.Status {
	case StatusReleased, StatusAutoReleased:
		return unchanged(e), nil
	case StatusObserving:
	default:
		return Outcome{}, fmt.Errorf("%w: release balance from %s", ErrInvalidStateTransition, e.Status)
	}

	kind := EventBalanceReleased
	var early *EarlyRelease
	if !elapsed(e.ObservationStartedAt, days(e.ObservationDays), now) {
		if override == nil {
			return Outcome{}, fmt.Errorf("%w: window ends %s", ErrObservationNotElapsed, e.ObservationEndsAt().Format(time.RFC3339))
		}
		if err := checkOverride(e, *override); err != nil {
			return Outcome{}, err
		}
		kind = EventBalanceReleasedEarly
		early = &EarlyRelease{
			ApprovedBy: strings.TrimSpace(override.ApprovedBy),
			Reason:     strings.TrimSpace(override.Reason),
			At:         now,
		}
	}

	next := e.Clone()
	next.Status = StatusReleased
	next.BalanceReleasedAt = timePtr(now)
	next.EarlyRelease = early
	next.UpdatedAt = now

	amount := next.Remainder()
	var transfers []Transfer
	if amount > 0 {
		transfers = append(transfers, payProvider(&next, TransferBalance, amount, 0))
	}
	data := map[string]any{"amount": amount}
	if early != nil {
		data["approved_by"] = early.ApprovedBy
		data["override_reason"] = early.Reason
	}
	ev := newEvent(kind, next, now, data, PartyClient, PartyProvider)
	return finish(next, []Event{ev}, transfers)
}

func (LinearEscrow) releaseMilestone(e Entry, _ int, _ Approval, _ time.Time) (Outcome, error) {
	return Outcome{}, fmt.Errorf("%w: tier %d entry has no milestones", ErrInvalidStateTransition, e.Tier)
}

func (LinearEscrow) autoRelease(e Entry, now time.Time) (Outcome, error) {
	next := e.Clone()
	next.Status = StatusAutoReleased
	next.BalanceReleasedAt = timePtr(now)
	next.UpdatedAt = now

	amount := next.Remainder()
	var transfers []Transfer
	if amount > 0 {
		transfers = append(transfers, payProvider(&next, TransferBalance, amount, 0))
	}
	ev := newEvent(EventAutoReleased, next, now, map[string]any{
		"amount": amount,
	}, PartyClient, PartyProvider)
	return finish(next, []Event{ev}, transfers)
}

func (LinearEscrow) due(e Entry, now time.Time) bool {
	return e.Status == StatusObserving && elapsed(e.ObservationStartedAt, days(e.ObservationDays), now)
}

func (LinearEscrow) resolve(e *Entry, refund int64, now time.Time) []Transfer {
	settle := e.Remainder() - refund
	var transfers []Transfer
	if refund > 0 {
		transfers = append(transfers, refundClient(e, refund))
	}
	if settle > 0 {
		transfers = append(transfers, payProvider(e, TransferSettlement, settle, 0))
		e.BalanceReleasedAt = timePtr(now)
	}
	return transfers
}

func checkOverride(e Entry, o Override) error {
	approver := strings.TrimSpace(o.ApprovedBy)
	if approver == "" || strings.TrimSpace(o.Reason) == "" {
		return fmt.Errorf("%w: approver and reason are required", ErrOverrideNotApproved)
	}
	if approver == e.ClientID || approver == e.ProviderID {
		return fmt.Errorf("%w: approver must not be a party to the booking", ErrOverrideNotApproved)
	}
	return nil
}
