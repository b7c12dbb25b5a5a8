package escrow

import (
	"fmt"
	"strings"
	"time"
)

// MilestoneEscrow is the tier-4 flow. The entry stays HELD while phases are
// released in order; approving the final phase starts the retention window and
// the retention amount moves when that window elapses.
type MilestoneEscrow struct{}

func (MilestoneEscrow) Kind() PlanKind { return PlanMilestone }

func (MilestoneEscrow) releaseCommitment(e Entry, _ time.Time) (Outcome, error) {
	return Outcome{}, fmt.Errorf("%w: tier %d releases by milestone", ErrInvalidStateTransition, e.Tier)
}

func (MilestoneEscrow) startObservation(e Entry, _ time.Time) (Outcome, error) {
	return Outcome{}, fmt.Errorf("%w: tier %d retention starts with the final milestone", ErrInvalidStateTransition, e.Tier)
}

func (MilestoneEscrow) releaseBalance(e Entry, _ time.Time, _ *Override) (Outcome, error) {
	return Outcome{}, fmt.Errorf("%w: tier %d releases by milestone", ErrInvalidStateTransition, e.Tier)
}

func (MilestoneEscrow) releaseMilestone(e Entry, phase int, approval Approval, now time.Time) (Outcome, error) {
	if e.Status == StatusFrozen {
		return Outcome{}, fmt.Errorf("%w: entry is frozen", ErrInvalidStateTransition)
	}
	idx, ok := e.milestone(phase)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: phase %d does not exist", ErrInvalidPhaseOrder, phase)
	}
	if e.Milestones[idx].Released {
		return Outcome{}, fmt.Errorf("%w: phase %d", ErrAlreadyReleased, phase)
	}
	if e.Status != StatusHeld {
		return Outcome{}, fmt.Errorf("%w: release milestone from %s", ErrInvalidStateTransition, e.Status)
	}
	if want := e.NextPhase(); phase != want {
		return Outcome{}, fmt.Errorf("%w: phase %d requested, next is %d", ErrInvalidPhaseOrder, phase, want)
	}
	approver := strings.TrimSpace(approval.ApprovedBy)
	if approver == "" {
		return Outcome{}, fmt.Errorf("%w: milestone approval required", ErrInvalidInput)
	}

	next := e.Clone()
	m := &next.Milestones[idx]
	m.Released = true
	m.ReleasedAt = timePtr(now)
	m.ApprovedBy = stringPtr(approver)
	if evidence := strings.TrimSpace(approval.Evidence); evidence != "" {
		m.Evidence = stringPtr(evidence)
	}
	next.UpdatedAt = now

	final := idx == len(next.Milestones)-1
	var transfers []Transfer
	if !final && m.Amount > 0 {
		m.PaidAmount = m.Amount
		transfers = append(transfers, payProvider(&next, TransferMilestone, m.Amount, m.Phase))
	}
	events := []Event{newEvent(EventMilestoneReleased, next, now, map[string]any{
		"phase":       m.Phase,
		"label":       m.Label,
		"amount":      m.Amount,
		"approved_by": approver,
		"final":       final,
	}, PartyClient, PartyProvider)}

	if final {
		next.ObservationStartedAt = timePtr(now)
		events = append(events, newEvent(EventRetentionStarted, next, now, map[string]any{
			"retention_amount": m.Amount,
			"retention_days":   next.ObservationDays,
			"ends_at":          next.ObservationEndsAt().Format(time.RFC3339),
		}, PartyClient, PartyProvider))
	}
	return finish(next, events, transfers)
}

func (MilestoneEscrow) autoRelease(e Entry, now time.Time) (Outcome, error) {
	next := e.Clone()
	next.Status = StatusReleased
	next.BalanceReleasedAt = timePtr(now)
	next.UpdatedAt = now

	final := &next.Milestones[len(next.Milestones)-1]
	amount := next.Remainder()
	var transfers []Transfer
	if amount > 0 {
		final.PaidAmount += amount
		transfers = append(transfers, payProvider(&next, TransferRetention, amount, final.Phase))
	}
	ev := newEvent(EventRetentionReleased, next, now, map[string]any{
		"amount": amount,
		"phase":  final.Phase,
	}, PartyClient, PartyProvider)
	return finish(next, []Event{ev}, transfers)
}

func (MilestoneEscrow) due(e Entry, now time.Time) bool {
	return e.Status == StatusHeld && e.finalPhaseReleased() &&
		elapsed(e.ObservationStartedAt, days(e.ObservationDays), now)
}

// resolve takes the refund from the last open phase backwards, so retention is
// returned first, and settles what stays open phase by phase. Settled phases
// were never approved and are marked as such.
func (MilestoneEscrow) resolve(e *Entry, refund int64, now time.Time) []Transfer {
	left := refund
	for i := len(e.Milestones) - 1; i >= 0 && left > 0; i-- {
		m := &e.Milestones[i]
		take := min(m.Open(), left)
		m.RefundedAmount += take
		left -= take
	}

	var transfers []Transfer
	if refund > 0 {
		transfers = append(transfers, refundClient(e, refund))
	}
	for i := range e.Milestones {
		m := &e.Milestones[i]
		open := m.Open()
		if open <= 0 {
			continue
		}
		m.PaidAmount += open
		if !m.Released {
			m.Settled = true
			m.ReleasedAt = timePtr(now)
		}
		transfers = append(transfers, payProvider(e, TransferSettlement, open, m.Phase))
		e.BalanceReleasedAt = timePtr(now)
	}
	return transfers
}
