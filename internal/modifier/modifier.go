// Package modifier holds the resolved per-month adjustments that policies
// and shocks contribute, and the rules for stacking them.
package modifier

import (
	"math"
	"sort"
)

// Set is a resolved bundle of adjustments for one month.
type Set struct {
	// Hazard multipliers per transition id; absent means 1.
	Hazard map[string]float64 `json:"hazard"`
	// Extra cost per occupant-month per service.
	CostAdders map[string]float64 `json:"cost_adders"`
	// Capacity change per service as a fraction of configured capacity.
	Capacity map[string]float64 `json:"capacity"`
	// Monthly cost of funded policies.
	PolicyCost float64 `json:"policy_cost"`
}

// New returns an empty, neutral Set.
func New() Set {
	return Set{
		Hazard:     make(map[string]float64),
		CostAdders: make(map[string]float64),
		Capacity:   make(map[string]float64),
	}
}

// HazardMultiplier returns the multiplier for a transition (1 if absent).
func (s Set) HazardMultiplier(transition string) float64 {
	if m, ok := s.Hazard[transition]; ok {
		return m
	}
	return 1
}

// CapacityFactor returns 1 plus the capacity fraction for a service.
func (s Set) CapacityFactor(service string) float64 {
	return 1 + s.Capacity[service]
}

// Stack composes independent mechanisms: hazard multipliers and capacity
// factors multiply, costs add.
func Stack(sets ...Set) Set {
	out := New()
	for _, s := range sets {
		for id, m := range s.Hazard {
			out.Hazard[id] = out.HazardMultiplier(id) * m
		}
		for service, c := range s.CostAdders {
			out.CostAdders[service] += c
		}
		for service, f := range s.Capacity {
			out.Capacity[service] = out.CapacityFactor(service)*(1+f) - 1
		}
		out.PolicyCost += s.PolicyCost
	}
	return out
}

// Effective applies the hazard multipliers to baseline probabilities and
// clamps every result to [0,1].
func (s Set) Effective(baseline map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(baseline))
	ids := make([]string, 0, len(baseline))
	for id := range baseline {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := baseline[id] * s.HazardMultiplier(id)
		switch {
		case math.IsNaN(p), p < 0:
			p = 0
		case p > 1:
			p = 1
		}
		out[id] = p
	}
	return out
}
