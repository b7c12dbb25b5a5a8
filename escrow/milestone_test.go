package escrow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleaseMilestone_SequentialGating(t *testing.T) {
	e := mustCreate(t, "construction", 1000000)
	ok := Approval{ApprovedBy: "inspector-7", Evidence: "s3://evidence/phase.jpg"}

	_, err := ReleaseMilestone(e, 2, ok, t0)
	assert.ErrorIs(t, err, ErrInvalidPhaseOrder)

	e = apply(t)(ReleaseMilestone(e, 1, ok, t0))
	_, err = ReleaseMilestone(e, 3, ok, t0)
	assert.ErrorIs(t, err, ErrInvalidPhaseOrder)

	_, err = ReleaseMilestone(e, 9, ok, t0)
	assert.ErrorIs(t, err, ErrInvalidPhaseOrder)

	_, err = ReleaseMilestone(e, 1, ok, t0)
	assert.ErrorIs(t, err, ErrAlreadyReleased)

	_, err = ReleaseMilestone(e, 2, Approval{Evidence: "no approver"}, t0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReleaseMilestone_RecordsApproval(t *testing.T) {
	e := mustCreate(t, "construction", 1000000)
	out, err := ReleaseMilestone(e, 1, Approval{ApprovedBy: "inspector-7", Evidence: "report-1"}, day(2))
	require.NoError(t, err)

	m := out.Entry.Milestones[0]
	assert.True(t, m.Released)
	assert.Equal(t, "report-1", *m.Evidence)
	assert.Equal(t, "inspector-7", *m.ApprovedBy)
	assert.Equal(t, day(2), *m.ReleasedAt)
	assert.Equal(t, StatusHeld, out.Entry.Status)
	assert.Equal(t, 2, out.Entry.NextPhase())

	require.Len(t, out.Transfers, 1)
	assert.Equal(t, TransferMilestone, out.Transfers[0].Kind)
	assert.Equal(t, int64(300000), out.Transfers[0].Amount)
	assert.Equal(t, "bk-construction:milestone:1", out.Transfers[0].IdempotencyKey())
}

func TestReleaseMilestone_FinalPhaseStartsRetention(t *testing.T) {
	e := mustCreate(t, "construction", 1000000)
	ok := Approval{ApprovedBy: "inspector-7"}
	for phase := 1; phase <= 3; phase++ {
		e = apply(t)(ReleaseMilestone(e, phase, ok, day(phase)))
	}
	assert.Nil(t, e.ObservationStartedAt)
	assert.Equal(t, int64(900000), e.ReleasedAmount)

	out, err := ReleaseMilestone(e, 4, ok, day(10))
	require.NoError(t, err)
	assert.Empty(t, out.Transfers, "retention is held until the window elapses")
	require.Len(t, out.Events, 2)
	assert.Equal(t, EventRetentionStarted, out.Events[1].Type)
	assert.Equal(t, day(10), *out.Entry.ObservationStartedAt)
	assert.Equal(t, int64(100000), out.Entry.Remainder())
	assert.Equal(t, StatusHeld, out.Entry.Status)
	assert.Equal(t, 0, out.Entry.NextPhase())
}

func TestMilestoneEntry_RejectsLinearTransitions(t *testing.T) {
	e := mustCreate(t, "construction", 1000000)

	_, err := ReleaseCommitment(e, t0)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = StartObservation(e, t0)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = ReleaseBalance(e, day(90), nil)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, PlanMilestone, e.Plan().Kind())
}

func TestMilestone_RefundDuringRetention(t *testing.T) {
	e := mustCreate(t, "construction", 1000000)
	ok := Approval{ApprovedBy: "inspector-7"}
	for phase := 1; phase <= 4; phase++ {
		e = apply(t)(ReleaseMilestone(e, phase, ok, day(phase)))
	}
	e = apply(t)(Freeze(e, "leak found during retention", day(6)))
	assert.False(t, DueForAutoRelease(e, day(60)))

	out, err := Refund(e, RefundParams{Reason: "repair cost"}, day(7))
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, out.Entry.Status)
	assert.Equal(t, int64(100000), out.Entry.RefundAmount)
	assert.Equal(t, out.Entry.TotalAmount, out.Entry.ReleasedAmount+out.Entry.RefundAmount)

	_, err = ReleaseMilestone(out.Entry, 4, ok, day(8))
	assert.ErrorIs(t, err, ErrAlreadyReleased)
}

func TestDueForAutoRelease_Milestone(t *testing.T) {
	e := mustCreate(t, "construction", 1000000)
	ok := Approval{ApprovedBy: "inspector-7"}
	for phase := 1; phase <= 3; phase++ {
		e = apply(t)(ReleaseMilestone(e, phase, ok, t0))
	}
	assert.False(t, DueForAutoRelease(e, day(365)), "retention not started")

	e = apply(t)(ReleaseMilestone(e, 4, ok, t0))
	assert.False(t, DueForAutoRelease(e, day(14).Add(-time.Minute)))
	assert.True(t, DueForAutoRelease(e, day(14)))
}

func TestMilestone_PartialRefundSettlesOpenPhases(t *testing.T) {
	e := mustCreate(t, "construction", 1000000)
	e = apply(t)(ReleaseMilestone(e, 1, Approval{ApprovedBy: "inspector-7"}, day(1)))
	e = apply(t)(Freeze(e, "contractor left site", day(2)))

	out, err := Refund(e, RefundParams{Amount: 150000, Partial: true, Reason: "unfinished roof"}, day(3))
	require.NoError(t, err)
	next := out.Entry
	assert.Equal(t, StatusPartiallyRefunded, next.Status)
	assert.Equal(t, int64(850000), next.ReleasedAmount)
	assert.Equal(t, int64(150000), next.RefundAmount)

	ms := next.Milestones
	assert.True(t, ms[0].Released)
	assert.False(t, ms[0].Settled)
	assert.Equal(t, int64(300000), ms[0].PaidAmount)

	assert.True(t, ms[1].Settled)
	assert.False(t, ms[1].Released)
	assert.Equal(t, int64(400000), ms[1].PaidAmount)
	assert.Equal(t, day(3), *ms[1].ReleasedAt)

	// the refund is taken from retention first, then from phase 3
	assert.Equal(t, int64(50000), ms[2].RefundedAmount)
	assert.Equal(t, int64(150000), ms[2].PaidAmount)
	assert.True(t, ms[2].Settled)
	assert.Equal(t, int64(100000), ms[3].RefundedAmount)
	assert.Zero(t, ms[3].PaidAmount)
	assert.False(t, ms[3].Settled)

	var paid, refunded int64
	for _, m := range ms {
		assert.Zero(t, m.Open(), "phase %d", m.Phase)
		paid += m.PaidAmount
		refunded += m.RefundedAmount
	}
	assert.Equal(t, next.ReleasedAmount, paid)
	assert.Equal(t, next.RefundAmount, refunded)

	require.Len(t, out.Transfers, 3)
	assert.Equal(t, "bk-construction:refund", out.Transfers[0].IdempotencyKey())
	assert.Equal(t, int64(150000), out.Transfers[0].Amount)
	assert.Equal(t, "bk-construction:settlement:2", out.Transfers[1].IdempotencyKey())
	assert.Equal(t, int64(400000), out.Transfers[1].Amount)
	assert.Equal(t, "bk-construction:settlement:3", out.Transfers[2].IdempotencyKey())
	assert.Equal(t, int64(150000), out.Transfers[2].Amount)
}

func TestMilestone_SmallPartialRefundKeepsSubLedgerInStep(t *testing.T) {
	e := mustCreate(t, "construction", 1000000)
	e = apply(t)(ReleaseMilestone(e, 1, Approval{ApprovedBy: "inspector-7"}, day(1)))
	e = apply(t)(Freeze(e, "dispute", day(2)))

	next := apply(t)(Refund(e, RefundParams{Amount: 1, Partial: true}, day(3)))
	assert.Equal(t, int64(999999), next.ReleasedAmount)
	var paid int64
	for _, m := range next.Milestones {
		paid += m.PaidAmount
	}
	assert.Equal(t, next.ReleasedAmount, paid)
	assert.Equal(t, int64(1), next.Milestones[3].RefundedAmount)
	assert.Equal(t, int64(99999), next.Milestones[3].PaidAmount)
}
