// Package policy resolves a team's funded policies into hazard, cost and
// capacity modifiers, and checks a policy mix against the team budget at
// lock-in.
package policy

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/talgya/ageing-futures/internal/cohort"
	"github.com/talgya/ageing-futures/internal/config"
	"github.com/talgya/ageing-futures/internal/simerr"
)

// Decision is one policy a team funds for the round. Intensity and coverage
// scale both the policy's per-capita cost and its effect.
type Decision struct {
	PolicyID  string  `json:"policy_id"`
	Intensity float64 `json:"intensity"`
	Coverage  float64 `json:"coverage"`
}

// Mix is a team's selection for a round.
type Mix []Decision

// Scale returns intensity × coverage.
func (d Decision) Scale() float64 {
	return d.Intensity * d.Coverage
}

// Validate rejects unknown or duplicate policies and out-of-range settings.
func (m Mix) Validate(b *config.Bundle) error {
	seen := make(map[string]bool, len(m))
	for _, d := range m {
		if _, ok := b.Policy(d.PolicyID); !ok {
			return fmt.Errorf("%w: %q", simerr.ErrUnknownPolicy, d.PolicyID)
		}
		if seen[d.PolicyID] {
			return fmt.Errorf("%w: policy %q selected twice", simerr.ErrInvalid, d.PolicyID)
		}
		seen[d.PolicyID] = true
		if d.Intensity < 0 || d.Intensity > 1 {
			return fmt.Errorf("%w: policy %q intensity %v outside [0,1]", simerr.ErrInvalid, d.PolicyID, d.Intensity)
		}
		if d.Coverage < 0 || d.Coverage > 1 {
			return fmt.Errorf("%w: policy %q coverage %v outside [0,1]", simerr.ErrInvalid, d.PolicyID, d.Coverage)
		}
	}
	return nil
}

// Funded drops decisions with zero intensity or coverage.
func (m Mix) Funded() Mix {
	out := make(Mix, 0, len(m))
	for _, d := range m {
		if d.Scale() > 0 {
			out = append(out, d)
		}
	}
	return out
}

// MonthlyCost is the policy spend of one month. Costs are additive per policy.
func MonthlyCost(m Mix, b *config.Bundle) float64 {
	return monthlyCostDecimal(m, b).InexactFloat64()
}

func monthlyCostDecimal(m Mix, b *config.Bundle) decimal.Decimal {
	size := decimal.NewFromFloat(b.Baseline.CohortSize)
	total := decimal.Zero
	for _, d := range m.Funded() {
		p, ok := b.Policy(d.PolicyID)
		if !ok {
			continue
		}
		perCapita := decimal.NewFromFloat(p.PerCapitaMonthlyCost).
			Mul(size).
			Mul(decimal.NewFromFloat(d.Intensity)).
			Mul(decimal.NewFromFloat(d.Coverage))
		total = total.Add(decimal.NewFromFloat(p.FixedMonthlyCost)).Add(perCapita)
	}
	return total
}

// CommittedCost is the policy spend the mix commits over a round.
func CommittedCost(m Mix, b *config.Bundle, months int) decimal.Decimal {
	return monthlyCostDecimal(m, b).Mul(decimal.NewFromInt(int64(months)))
}

// LockIn validates a mix and rejects it with a BudgetError when its
// committed cost over the round exceeds the budget. It never mutates state.
func LockIn(m Mix, b *config.Bundle, months int, budget float64) error {
	if err := m.Validate(b); err != nil {
		return err
	}
	if months < 1 {
		return fmt.Errorf("%w: round must cover at least one month, got %d", simerr.ErrInvalid, months)
	}
	committed := CommittedCost(m, b, months)
	if committed.GreaterThan(decimal.NewFromFloat(budget)) {
		return &simerr.BudgetError{Committed: committed.InexactFloat64(), Budget: budget}
	}
	return nil
}

// Activate reconciles the active policy set with a newly locked mix.
// Continuing policies keep their activation month so their ramp carries on;
// new policies activate at lockMonth; deselected policies are dropped.
func Activate(active []cohort.ActivePolicy, m Mix, lockMonth int) []cohort.ActivePolicy {
	previous := make(map[string]cohort.ActivePolicy, len(active))
	for _, a := range active {
		previous[a.PolicyID] = a
	}
	out := make([]cohort.ActivePolicy, 0, len(m))
	for _, d := range m.Funded() {
		a, ok := previous[d.PolicyID]
		if !ok {
			a = cohort.ActivePolicy{PolicyID: d.PolicyID, ActivationMonth: lockMonth}
		}
		a.Intensity = d.Intensity
		a.Coverage = d.Coverage
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out
}

// FromActive rebuilds the mix implied by an active policy set.
func FromActive(active []cohort.ActivePolicy) Mix {
	m := make(Mix, 0, len(active))
	for _, a := range active {
		m = append(m, Decision{PolicyID: a.PolicyID, Intensity: a.Intensity, Coverage: a.Coverage})
	}
	return m
}
