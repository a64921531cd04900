package policy

import (
	"sort"

	"github.com/talgya/ageing-futures/internal/cohort"
	"github.com/talgya/ageing-futures/internal/config"
	"github.com/talgya/ageing-futures/internal/modifier"
)

// Ramp is the fraction of full strength a policy activated at activation
// has reached in month: zero up to and including the activation month,
// linear over lag months, full thereafter. A zero lag is full strength from
// the month after activation.
func Ramp(activation, month, lag int) float64 {
	if month <= activation {
		return 0
	}
	if lag <= 0 {
		return 1
	}
	r := float64(month-activation) / float64(lag)
	if r > 1 {
		return 1
	}
	return r
}

// contribution is one policy's ramped hazard reduction on a transition.
type contribution struct {
	policyID    string
	strength    float64 // fractional hazard reduction in [0,1]
	diminishing float64
}

// combine merges reductions targeting the same transition. The strongest
// counts in full; each further reduction acts on what remains, damped by its
// own diminishing-returns parameter:
//
//	c ← c + (1−c)·eᵢ·(1−dᵢ)
//
// With every d at zero this is 1 − Π(1 − eᵢ). The result is never below the
// strongest single reduction and never above 1.
func combine(contribs []contribution) float64 {
	sorted := append([]contribution(nil), contribs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].strength != sorted[j].strength {
			return sorted[i].strength > sorted[j].strength
		}
		return sorted[i].policyID < sorted[j].policyID
	})
	combined := 0.0
	for i, c := range sorted {
		if i == 0 {
			combined = c.strength
			continue
		}
		combined += (1 - combined) * c.strength * (1 - c.diminishing)
	}
	if combined > 1 {
		combined = 1
	}
	if combined < 0 {
		combined = 0
	}
	return combined
}

// Resolve computes the modifiers of the active policies for an absolute
// month. Hazard reductions ramp and combine with diminishing returns;
// capacity changes ramp and add; cost adders and the policy's own monthly
// cost apply from the month after lock-in regardless of ramp.
func Resolve(active []cohort.ActivePolicy, month int, b *config.Bundle) modifier.Set {
	out := modifier.New()
	byTransition := make(map[string][]contribution)
	var funded Mix

	for _, a := range active {
		p, ok := b.Policy(a.PolicyID)
		if !ok {
			continue
		}
		scale := a.Intensity * a.Coverage
		if scale <= 0 || month <= a.ActivationMonth {
			continue
		}
		funded = append(funded, Decision{PolicyID: a.PolicyID, Intensity: a.Intensity, Coverage: a.Coverage})
		ramp := Ramp(a.ActivationMonth, month, p.LagMonths)

		for _, eff := range p.Effects {
			switch v := eff.(type) {
			case config.HazardMultiplier:
				strength := (1 - v.Factor) * scale * ramp
				if strength <= 0 {
					continue
				}
				for _, id := range b.Resolve(v.Target) {
					byTransition[id] = append(byTransition[id], contribution{
						policyID:    p.ID,
						strength:    strength,
						diminishing: p.DiminishingReturns,
					})
				}
			case config.CapacityModifier:
				out.Capacity[v.Service] += v.Fraction * scale * ramp
			case config.CostAdder:
				out.CostAdders[v.Service] += v.PerOccupantMonthly * scale
			}
		}
	}

	for id, contribs := range byTransition {
		out.Hazard[id] = 1 - combine(contribs)
	}
	out.PolicyCost = MonthlyCost(funded, b)
	return out
}
