package escrow

import "math"

// MaxAmount keeps total*100 inside int64 for the percentage arithmetic below.
const MaxAmount = math.MaxInt64 / 100

// CommitmentFeeAmount is round-half-up(total * CommitmentFeePercent / 100).
// It is computed once when the entry is created and stored on the entry.
func CommitmentFeeAmount(total int64, p TierPolicy) int64 {
	if p.Tier == MilestoneTier {
		return 0
	}
	return percentOf(total, p.CommitmentFeePercent)
}

// MilestoneSplit applies the policy schedule to total. Every phase but the last
// is rounded half-up; the last phase takes whatever remains so the amounts sum
// to total exactly and no amount is negative.
func MilestoneSplit(total int64, p TierPolicy) []Milestone {
	if len(p.MilestoneSchedule) == 0 {
		return nil
	}
	out := make([]Milestone, 0, len(p.MilestoneSchedule))
	var allocated int64
	last := len(p.MilestoneSchedule) - 1
	for i, spec := range p.MilestoneSchedule {
		amount := total - allocated
		if i < last {
			// Rounding up several small phases can overshoot tiny totals.
			amount = min(percentOf(total, spec.Percent), total-allocated)
			allocated += amount
		}
		out = append(out, Milestone{
			Phase:   spec.Phase,
			Label:   spec.Label,
			Percent: spec.Percent,
			Amount:  amount,
		})
	}
	return out
}

// percentOf expects total >= 0 and 0 <= percent <= 100.
func percentOf(total int64, percent int) int64 {
	return (total*int64(percent) + 50) / 100
}
