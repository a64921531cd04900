// Package capacity enforces finite service capacity on a month's flows.
//
// Admissions into a service that would push it over capacity are scaled
// down by one common factor across all source bands (proportional
// rationing), so the result does not depend on band order. Discharges and
// deaths are never rationed. Rationed admissions stay in their source band,
// including transfers refused by another full service.
package capacity

import (
	"sort"

	"github.com/talgya/ageing-futures/internal/config"
	"github.com/talgya/ageing-futures/internal/hazard"
	"github.com/talgya/ageing-futures/internal/modifier"
)

const (
	tolerance   = 1e-9
	convergence = 1e-13
	// Transfer loops between full services converge geometrically.
	maxPasses = 500
)

// Result is the rationed flow vector plus per-service diagnostics.
type Result struct {
	Flows hazard.Flows

	Demand   map[string]float64 // prospective occupancy before rationing
	Admitted map[string]float64 // admissions after rationing
	Rationed map[string]float64 // admissions refused
	// Occupancy after the month. Never above capacity unless capacity was
	// cut below the residents who remain; residents are never evicted.
	Occupancy map[string]float64
	// Limit is the occupancy bound the month honours: the capacity, or the
	// remaining residents when capacity was cut below them.
	Limit    map[string]float64
	NearMiss map[string]bool
}

// AnyNearMiss reports whether any service's demand exceeded its capacity.
func (r Result) AnyNearMiss() bool {
	for _, v := range r.NearMiss {
		if v {
			return true
		}
	}
	return false
}

// Ration scales admissions so no service ends the month above capacity.
// serviceOf maps a band to its service ("" for community bands and exit).
//
// A transfer between two services is an admission into its target. When the
// target refuses part of it, the refused patients stay in the source
// service and take up room there, which can tighten the source's own
// admissions. Factors are therefore refined until no service changes.
func Ration(flows hazard.Flows, occupancy, capacity map[string]float64, serviceOf func(band string) string) Result {
	res := Result{
		Flows:     flows.Clone(),
		Demand:    make(map[string]float64, len(capacity)),
		Admitted:  make(map[string]float64, len(capacity)),
		Rationed:  make(map[string]float64, len(capacity)),
		Occupancy: make(map[string]float64, len(capacity)),
		Limit:     make(map[string]float64, len(capacity)),
		NearMiss:  make(map[string]bool, len(capacity)),
	}

	services := make([]string, 0, len(capacity))
	for s := range capacity {
		services = append(services, s)
	}
	sort.Strings(services)

	// admittedTo names the service a flow is an admission into, if any.
	admittedTo := func(f hazard.Flow) string {
		from, to := serviceOf(f.From), serviceOf(f.To)
		if to == "" || from == to {
			return ""
		}
		if _, ok := capacity[to]; !ok {
			return ""
		}
		return to
	}

	inflow := make(map[string]float64, len(capacity))
	factor := make(map[string]float64, len(capacity))
	for _, service := range services {
		factor[service] = 1
		res.Admitted[service] = 0
	}
	for _, f := range flows {
		if to := admittedTo(f); to != "" {
			inflow[to] += f.Amount
		}
	}

	// remaining is the service's occupancy after its outflows, with
	// transfers out scaled by their target's current factor.
	remaining := func(service string) float64 {
		out := 0.0
		for _, f := range flows {
			if serviceOf(f.From) != service || serviceOf(f.To) == service {
				continue
			}
			if to := admittedTo(f); to != "" {
				out += f.Amount * factor[to]
			} else {
				out += f.Amount
			}
		}
		return occupancy[service] - out
	}

	// Factors only ever fall: a lower target factor keeps more residents in
	// the source, which lowers the source's factor in turn.
	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		for _, service := range services {
			rem := remaining(service)
			f := 1.0
			if limit := capacity[service]; rem+inflow[service] > limit+tolerance && inflow[service] > 0 {
				f = max(limit-rem, 0) / inflow[service]
			}
			if f < factor[service]-convergence {
				changed = true
			}
			factor[service] = min(factor[service], f)
		}
		if !changed {
			break
		}
	}

	for i, f := range res.Flows {
		if to := admittedTo(f); to != "" {
			res.Flows[i].Amount = f.Amount * factor[to]
			res.Admitted[to] += res.Flows[i].Amount
		}
	}
	for _, service := range services {
		limit := capacity[service]
		rem := remaining(service)
		res.Demand[service] = rem + inflow[service]
		res.Limit[service] = max(limit, rem)
		res.NearMiss[service] = res.Demand[service] > limit+tolerance
		res.Rationed[service] = inflow[service] - res.Admitted[service]
		res.Occupancy[service] = rem + res.Admitted[service]
	}
	return res
}

// Effective returns each service's capacity for the month: the configured
// per-1000 capacity at the bundle's cohort size, scaled by the stacked
// capacity modifiers and floored at zero.
func Effective(b *config.Bundle, mods modifier.Set) map[string]float64 {
	out := make(map[string]float64, len(b.Services()))
	for _, service := range b.Services() {
		factor := mods.CapacityFactor(service)
		if factor < 0 {
			factor = 0
		}
		out[service] = b.Capacity(service, b.Baseline.CohortSize) * factor
	}
	return out
}
