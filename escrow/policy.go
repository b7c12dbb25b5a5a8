package escrow

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// MinTier and MaxTier bound the tier field of a policy.
	MinTier = 1
	MaxTier = 4
	// MilestoneTier is the only tier that releases by phase.
	MilestoneTier = 4
)

// MilestoneSpec is one phase of a tier-4 milestone schedule.
type MilestoneSpec struct {
	Phase   int    `yaml:"phase" json:"phase"`
	Label   string `yaml:"label" json:"label"`
	Percent int    `yaml:"percent" json:"percent"`
}

// TierPolicy is the release policy for one service category.
type TierPolicy struct {
	Category             string          `yaml:"category" json:"category"`
	Tier                 int             `yaml:"tier" json:"tier"`
	ObservationDays      int             `yaml:"observation_days" json:"observationDays"`
	CommitmentFeePercent int             `yaml:"commitment_fee_percent" json:"commitmentFeePercent"`
	MilestoneSchedule    []MilestoneSpec `yaml:"milestone_schedule" json:"milestoneSchedule,omitempty"`
}

// Validate checks tier bounds, percentages and, for tier 4, that the schedule
// covers phases 1..N contiguously and sums to exactly 100.
func (p TierPolicy) Validate() error {
	if normalizeCategory(p.Category) == "" {
		return fmt.Errorf("%w: category required", ErrInvalidPolicy)
	}
	if p.Tier < MinTier || p.Tier > MaxTier {
		return fmt.Errorf("%w: %s: tier %d out of range", ErrInvalidPolicy, p.Category, p.Tier)
	}
	if p.ObservationDays < 0 {
		return fmt.Errorf("%w: %s: negative observation days", ErrInvalidPolicy, p.Category)
	}
	if p.CommitmentFeePercent < 0 || p.CommitmentFeePercent > 100 {
		return fmt.Errorf("%w: %s: commitment percent %d out of range", ErrInvalidPolicy, p.Category, p.CommitmentFeePercent)
	}

	if p.Tier != MilestoneTier {
		if len(p.MilestoneSchedule) > 0 {
			return fmt.Errorf("%w: %s: milestone schedule only allowed on tier %d", ErrInvalidPolicy, p.Category, MilestoneTier)
		}
		return nil
	}

	if p.CommitmentFeePercent != 0 {
		return fmt.Errorf("%w: %s: tier %d releases by milestone, not commitment", ErrInvalidPolicy, p.Category, MilestoneTier)
	}
	if len(p.MilestoneSchedule) == 0 {
		return fmt.Errorf("%w: %s: tier %d requires a milestone schedule", ErrInvalidPolicy, p.Category, MilestoneTier)
	}
	sum := 0
	for i, m := range p.MilestoneSchedule {
		if m.Phase != i+1 {
			return fmt.Errorf("%w: %s: phase %d at position %d, want %d", ErrInvalidPolicy, p.Category, m.Phase, i, i+1)
		}
		if m.Percent <= 0 {
			return fmt.Errorf("%w: %s: phase %d percent must be positive", ErrInvalidPolicy, p.Category, m.Phase)
		}
		sum += m.Percent
	}
	if sum != 100 {
		return fmt.Errorf("%w: %s: milestone percents sum to %d", ErrInvalidPolicy, p.Category, sum)
	}
	return nil
}

// ObservationWindow converts ObservationDays to a duration of whole days.
func (p TierPolicy) ObservationWindow() time.Duration {
	return days(p.ObservationDays)
}

func (p TierPolicy) clone() TierPolicy {
	out := p
	if p.MilestoneSchedule != nil {
		out.MilestoneSchedule = append([]MilestoneSpec(nil), p.MilestoneSchedule...)
	}
	return out
}

// PolicyTable is the read-only category to policy mapping. It is built once at
// startup and is safe for concurrent readers.
type PolicyTable struct {
	byCategory map[string]TierPolicy
}

// NewPolicyTable validates every policy and rejects duplicate categories.
func NewPolicyTable(policies []TierPolicy) (*PolicyTable, error) {
	table := &PolicyTable{byCategory: make(map[string]TierPolicy, len(policies))}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		key := normalizeCategory(p.Category)
		if _, exists := table.byCategory[key]; exists {
			return nil, fmt.Errorf("%w: duplicate category %q", ErrInvalidPolicy, key)
		}
		p = p.clone()
		p.Category = key
		table.byCategory[key] = p
	}
	return table, nil
}

// PolicyFor returns the policy for category or ErrUnknownCategory.
func (t *PolicyTable) PolicyFor(category string) (TierPolicy, error) {
	if t == nil {
		return TierPolicy{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	p, ok := t.byCategory[normalizeCategory(category)]
	if !ok {
		return TierPolicy{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return p.clone(), nil
}

// Policies lists every policy ordered by category.
func (t *PolicyTable) Policies() []TierPolicy {
	if t == nil {
		return nil
	}
	keys := make([]string, 0, len(t.byCategory))
	for k := range t.byCategory {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]TierPolicy, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.byCategory[k].clone())
	}
	return out
}

// DefaultPolicies is the reference category table used when no policy file is
// configured.
func DefaultPolicies() []TierPolicy {
	return []TierPolicy{
		{Category: "cleaning", Tier: 1, ObservationDays: 3, CommitmentFeePercent: 20},
		{Category: "handyman", Tier: 1, ObservationDays: 3, CommitmentFeePercent: 20},
		{Category: "plumbing", Tier: 2, ObservationDays: 5, CommitmentFeePercent: 15},
		{Category: "electrical", Tier: 2, ObservationDays: 5, CommitmentFeePercent: 15},
		{Category: "renovation", Tier: 3, ObservationDays: 7, CommitmentFeePercent: 10},
		{
			Category:        "construction",
			Tier:            4,
			ObservationDays: 14,
			MilestoneSchedule: []MilestoneSpec{
				{Phase: 1, Label: "Mobilisation", Percent: 30},
				{Phase: 2, Label: "Structure", Percent: 40},
				{Phase: 3, Label: "Finishing", Percent: 20},
				{Phase: 4, Label: "Retention", Percent: 10},
			},
		},
	}
}

func normalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
