// Package escrow holds the custody state machine for booked services: the tier
// policy table, the escrow entry and the pure transitions applied to it.
// Nothing in this package performs I/O; every transition returns the events and
// transfers the caller must dispatch.
package escrow

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusHeld               Status = "HELD"
	StatusCommitmentReleased Status = "COMMITMENT_RELEASED"
	StatusObserving          Status = "OBSERVING"
	StatusReleased           Status = "RELEASED"
	StatusAutoReleased       Status = "AUTO_RELEASED"
	StatusFrozen             Status = "FROZEN"
	StatusRefunded           Status = "REFUNDED"
	StatusPartiallyRefunded  Status = "PARTIALLY_REFUNDED"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusAutoReleased, StatusRefunded, StatusPartiallyRefunded:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusHeld, StatusCommitmentReleased, StatusObserving, StatusReleased,
		StatusAutoReleased, StatusFrozen, StatusRefunded, StatusPartiallyRefunded:
		return true
	default:
		return false
	}
}

// PublicStatus is the coarse outcome shown to clients and providers.
type PublicStatus string

const (
	PublicFundsHeld     PublicStatus = "funds_held"
	PublicFundsReleased PublicStatus = "funds_released"
	PublicUnderReview   PublicStatus = "under_review"
	PublicRefunded      PublicStatus = "refunded"
)

// Milestone is one phase of a tier-4 sub-ledger. Released means the phase was
// approved; PaidAmount and RefundedAmount track the money that actually left
// custody for it. Settled marks an unapproved phase closed by a dispute
// resolution.
type Milestone struct {
	Phase          int
	Label          string
	Percent        int
	Amount         int64
	Released       bool
	Evidence       *string
	ApprovedBy     *string
	ReleasedAt     *time.Time
	PaidAmount     int64
	RefundedAmount int64
	Settled        bool
}

// Open is the part of the phase that is still in custody.
func (m Milestone) Open() int64 {
	return m.Amount - m.PaidAmount - m.RefundedAmount
}

// EarlyRelease records a staff override of the observation window.
type EarlyRelease struct {
	ApprovedBy string
	Reason     string
	At         time.Time
}

// Entry is the custody record for one booking.
type Entry struct {
	BookingID  string
	ClientID   string
	ProviderID string
	Category   string
	Tier       int
	// ObservationDays is copied from the policy at creation so later policy
	// edits never move an in-flight window.
	ObservationDays int

	TotalAmount      int64
	CommitmentAmount int64
	ReleasedAmount   int64

	Status Status

	CommitmentReleased   bool
	CommitmentReleasedAt *time.Time
	ObservationStartedAt *time.Time
	BalanceReleasedAt    *time.Time

	FrozenAt     *time.Time
	FreezeReason *string
	FrozenFrom   Status

	RefundAmount int64
	RefundReason *string
	RefundedAt   *time.Time

	EarlyRelease *EarlyRelease
	Milestones   []Milestone

	PendingPayout *PendingPayout

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so transitions never alias the caller's entry.
func (e Entry) Clone() Entry {
	out := e
	out.CommitmentReleasedAt = cloneTime(e.CommitmentReleasedAt)
	out.ObservationStartedAt = cloneTime(e.ObservationStartedAt)
	out.BalanceReleasedAt = cloneTime(e.BalanceReleasedAt)
	out.FrozenAt = cloneTime(e.FrozenAt)
	out.FreezeReason = cloneString(e.FreezeReason)
	out.RefundReason = cloneString(e.RefundReason)
	out.RefundedAt = cloneTime(e.RefundedAt)
	if e.EarlyRelease != nil {
		er := *e.EarlyRelease
		out.EarlyRelease = &er
	}
	out.PendingPayout = e.PendingPayout.clone()
	if e.Milestones != nil {
		out.Milestones = make([]Milestone, len(e.Milestones))
		for i, m := range e.Milestones {
			m.Evidence = cloneString(m.Evidence)
			m.ApprovedBy = cloneString(m.ApprovedBy)
			m.ReleasedAt = cloneTime(m.ReleasedAt)
			out.Milestones[i] = m
		}
	}
	return out
}

// Plan returns the tier-specific half of the state machine.
func (e Entry) Plan() Plan {
	if e.Tier == MilestoneTier {
		return MilestoneEscrow{}
	}
	return LinearEscrow{}
}

// Remainder is the amount still in custody.
func (e Entry) Remainder() int64 {
	return e.TotalAmount - e.ReleasedAmount - e.RefundAmount
}

// BalanceAmount is what a linear entry pays out after observation.
func (e Entry) BalanceAmount() int64 {
	return e.TotalAmount - e.CommitmentAmount
}

// ObservationEndsAt is when the current observation or retention window
// elapses, or nil when no window has started.
func (e Entry) ObservationEndsAt() *time.Time {
	if e.ObservationStartedAt == nil {
		return nil
	}
	end := e.ObservationStartedAt.Add(days(e.ObservationDays))
	return &end
}

// NextPhase is the lowest unreleased milestone phase, or 0 when every phase is
// released or the entry has no milestones.
func (e Entry) NextPhase() int {
	for _, m := range e.Milestones {
		if !m.Released {
			return m.Phase
		}
	}
	return 0
}

func (e Entry) milestone(phase int) (int, bool) {
	for i, m := range e.Milestones {
		if m.Phase == phase {
			return i, true
		}
	}
	return -1, false
}

func (e Entry) finalPhaseReleased() bool {
	n := len(e.Milestones)
	return n > 0 && e.Milestones[n-1].Released
}

// PublicStatus maps the internal status to what an end user sees.
func (e Entry) PublicStatus() PublicStatus {
	switch e.Status {
	case StatusReleased, StatusAutoReleased:
		return PublicFundsReleased
	case StatusFrozen:
		return PublicUnderReview
	case StatusRefunded, StatusPartiallyRefunded:
		return PublicRefunded
	default:
		return PublicFundsHeld
	}
}

// Check verifies the money invariants that must hold after every transition.
func (e Entry) Check() error {
	if e.TotalAmount <= 0 || e.TotalAmount > MaxAmount {
		return fmt.Errorf("%w: total %d", ErrInvalidAmount, e.TotalAmount)
	}
	if e.ReleasedAmount < 0 || e.RefundAmount < 0 {
		return fmt.Errorf("%w: negative movement", ErrConservation)
	}
	if e.ReleasedAmount+e.RefundAmount > e.TotalAmount {
		return fmt.Errorf("%w: released %d + refunded %d > total %d", ErrConservation, e.ReleasedAmount, e.RefundAmount, e.TotalAmount)
	}
	if len(e.Milestones) == 0 {
		return nil
	}
	var sum, paid, refunded int64
	for _, m := range e.Milestones {
		if m.PaidAmount < 0 || m.RefundedAmount < 0 || m.Open() < 0 {
			return fmt.Errorf("%w: phase %d moved %d of %d", ErrConservation, m.Phase, m.PaidAmount+m.RefundedAmount, m.Amount)
		}
		sum += m.Amount
		paid += m.PaidAmount
		refunded += m.RefundedAmount
	}
	if sum != e.TotalAmount {
		return fmt.Errorf("%w: milestones sum %d, total %d", ErrConservation, sum, e.TotalAmount)
	}
	if paid != e.ReleasedAmount || refunded != e.RefundAmount {
		return fmt.Errorf("%w: phases paid %d refunded %d, entry released %d refunded %d", ErrConservation, paid, refunded, e.ReleasedAmount, e.RefundAmount)
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func stringPtr(s string) *string {
	return &s
}
