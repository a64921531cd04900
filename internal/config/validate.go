package config

import (
	"math"
	"sort"
	"strings"

	"github.com/talgya/ageing-futures/internal/simerr"
)

const fractionTolerance = 1e-6

type index struct {
	bands       map[string]int
	transitions map[string]int
	policies    map[string]int
	shocks      map[string]int
	outgoing    map[string][]string // band → transition IDs in config order
	tags        map[string][]string // tag → transition IDs, sorted
	services    []string            // sorted
}

// Validate checks ranges, shapes and cross-references and builds the lookup
// indexes. Parse calls it; synthetic bundles built in code must call it too.
func (b *Bundle) Validate() error {
	idx := &index{
		bands:       make(map[string]int),
		transitions: make(map[string]int),
		policies:    make(map[string]int),
		shocks:      make(map[string]int),
		outgoing:    make(map[string][]string),
		tags:        make(map[string][]string),
	}
	if err := b.validateBaseline(idx); err != nil {
		return err
	}
	if err := b.validateTransitions(idx); err != nil {
		return err
	}
	if err := b.validatePolicies(idx); err != nil {
		return err
	}
	if err := b.validateCosts(idx); err != nil {
		return err
	}
	if err := b.validateScoring(); err != nil {
		return err
	}
	b.idx = idx
	return nil
}

func (b *Bundle) validateBaseline(idx *index) error {
	base := b.Baseline
	if !(base.CohortSize > 0) || math.IsInf(base.CohortSize, 0) {
		return simerr.Configf(DocBaseline, "cohort_size", "must be positive, got %v", base.CohortSize)
	}
	if base.StartCalendarMonth < 0 || base.StartCalendarMonth > 12 {
		return simerr.Configf(DocBaseline, "start_calendar_month", "must be in 1..12 (0 means January), got %d", base.StartCalendarMonth)
	}

	levels := make(map[string]map[string]bool, len(base.Dimensions))
	for _, d := range base.Dimensions {
		if d.Name == "" {
			return simerr.Configf(DocBaseline, "dimensions", "dimension without a name")
		}
		if _, dup := levels[d.Name]; dup {
			return simerr.Configf(DocBaseline, "dimensions", "duplicate dimension %q", d.Name)
		}
		levels[d.Name] = make(map[string]bool, len(d.Levels))
		sum := 0.0
		for _, l := range d.Levels {
			if !isProbability(l.Fraction) {
				return simerr.Configf(DocBaseline, "dimensions."+d.Name, "fraction of %q must be in [0,1], got %v", l.Name, l.Fraction)
			}
			levels[d.Name][l.Name] = true
			sum += l.Fraction
		}
		if math.Abs(sum-1) > fractionTolerance {
			return simerr.Configf(DocBaseline, "dimensions."+d.Name, "fractions sum to %v, want 1", sum)
		}
	}

	for service, v := range base.CapacityPer1k {
		if service == "" || !(v >= 0) {
			return simerr.Configf(DocBaseline, "capacity_per_1k", "service %q needs a non-negative capacity, got %v", service, v)
		}
		idx.services = append(idx.services, service)
	}
	sort.Strings(idx.services)

	if len(base.Bands) == 0 {
		return simerr.Configf(DocBaseline, "bands", "at least one band is required")
	}
	combos := make(map[string]string)
	community := 0
	for i, band := range base.Bands {
		if band.ID == "" || band.ID == Exit {
			return simerr.Configf(DocBaseline, "bands", "band %d has invalid id %q", i, band.ID)
		}
		if _, dup := idx.bands[band.ID]; dup {
			return simerr.Configf(DocBaseline, "bands", "duplicate band %q", band.ID)
		}
		idx.bands[band.ID] = i
		for dim, level := range band.Attributes {
			ls, ok := levels[dim]
			if !ok {
				return simerr.Configf(DocBaseline, "bands."+band.ID, "unknown dimension %q", dim)
			}
			if !ls[level] {
				return simerr.Configf(DocBaseline, "bands."+band.ID, "unknown level %q for dimension %q", level, dim)
			}
		}
		if band.Service != "" {
			if _, ok := base.CapacityPer1k[band.Service]; !ok {
				return simerr.Configf(DocBaseline, "bands."+band.ID, "service %q has no configured capacity", band.Service)
			}
			continue
		}
		community++
		for _, d := range base.Dimensions {
			if _, ok := band.Attributes[d.Name]; !ok {
				return simerr.Configf(DocBaseline, "bands."+band.ID, "community band lacks dimension %q", d.Name)
			}
		}
		key := attributeKey(band.Attributes, base.Dimensions)
		if other, dup := combos[key]; dup {
			return simerr.Configf(DocBaseline, "bands."+band.ID, "same attributes as band %q", other)
		}
		combos[key] = band.ID
	}
	if community == 0 {
		return simerr.Configf(DocBaseline, "bands", "at least one community band (no service) is required")
	}

	occupied := 0.0
	for id, v := range base.InitialOccupancyPer1k {
		i, ok := idx.bands[id]
		if !ok {
			return simerr.Configf(DocBaseline, "initial_occupancy_per_1k", "%w: %q", simerr.ErrUnknownBand, id)
		}
		if base.Bands[i].Service == "" {
			return simerr.Configf(DocBaseline, "initial_occupancy_per_1k", "band %q is not a service band", id)
		}
		if !(v >= 0) {
			return simerr.Configf(DocBaseline, "initial_occupancy_per_1k", "band %q must be non-negative", id)
		}
		occupied += v
	}
	if occupied > 1000 {
		return simerr.Configf(DocBaseline, "initial_occupancy_per_1k", "initial occupancy %v per 1000 exceeds the cohort", occupied)
	}
	for id, v := range base.MonthlyEntriesPer1k {
		i, ok := idx.bands[id]
		if !ok {
			return simerr.Configf(DocBaseline, "monthly_entries_per_1k", "%w: %q", simerr.ErrUnknownBand, id)
		}
		if base.Bands[i].Service != "" {
			return simerr.Configf(DocBaseline, "monthly_entries_per_1k", "entries must arrive in a community band, %q is a service band", id)
		}
		if !(v >= 0) {
			return simerr.Configf(DocBaseline, "monthly_entries_per_1k", "band %q must be non-negative", id)
		}
	}
	return nil
}

func attributeKey(attrs map[string]string, dims []Dimension) string {
	parts := make([]string, 0, len(dims))
	for _, d := range dims {
		parts = append(parts, d.Name+"="+attrs[d.Name])
	}
	return strings.Join(parts, "|")
}

func (b *Bundle) validateTransitions(idx *index) error {
	spec := b.Transitions
	for band, los := range spec.LengthOfStayMonths {
		if _, ok := idx.bands[band]; !ok {
			return simerr.Configf(DocTransitions, "length_of_stay_months", "%w: %q", simerr.ErrUnknownBand, band)
		}
		if !(los > 0) {
			return simerr.Configf(DocTransitions, "length_of_stay_months", "band %q needs a positive length of stay", band)
		}
	}

	pairs := make(map[[2]string]string)
	for i, t := range spec.Transitions {
		field := "transitions." + t.ID
		if t.ID == "" {
			return simerr.Configf(DocTransitions, "transitions", "transition %d has no id", i)
		}
		if _, dup := idx.transitions[t.ID]; dup {
			return simerr.Configf(DocTransitions, field, "duplicate transition id")
		}
		if _, ok := idx.bands[t.From]; !ok {
			return simerr.Configf(DocTransitions, field, "%w: from %q", simerr.ErrUnknownBand, t.From)
		}
		if _, ok := idx.bands[t.To]; !ok && t.To != Exit {
			return simerr.Configf(DocTransitions, field, "%w: to %q", simerr.ErrUnknownBand, t.To)
		}
		if t.From == t.To {
			return simerr.Configf(DocTransitions, field, "self transition")
		}
		pair := [2]string{t.From, t.To}
		if other, dup := pairs[pair]; dup {
			return simerr.Configf(DocTransitions, field, "same band pair as %q", other)
		}
		pairs[pair] = t.ID
		if !isProbability(t.Base) {
			return simerr.Configf(DocTransitions, field, "base probability must be in [0,1], got %v", t.Base)
		}
		switch t.Link {
		case "", LinkLinear, LinkLog:
		default:
			return simerr.Configf(DocTransitions, field, "unknown link %q", t.Link)
		}
		if t.UseLengthOfStay {
			if _, ok := spec.LengthOfStayMonths[t.From]; !ok {
				return simerr.Configf(DocTransitions, field, "uses length of stay but %q has none", t.From)
			}
		}
		for name, c := range t.Coefficients {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return simerr.Configf(DocTransitions, field, "coefficient %q is not finite", name)
			}
		}
		idx.transitions[t.ID] = i
		idx.outgoing[t.From] = append(idx.outgoing[t.From], t.ID)
		for _, tag := range t.Tags {
			idx.tags[tag] = append(idx.tags[tag], t.ID)
		}
	}
	for tag := range idx.tags {
		sort.Strings(idx.tags[tag])
	}
	return nil
}

func (b *Bundle) validatePolicies(idx *index) error {
	lib := b.Policies
	if !(lib.RoundBudget >= 0) {
		return simerr.Configf(DocPolicies, "round_budget", "must be non-negative")
	}
	for i, p := range lib.Policies {
		field := "policies." + p.ID
		if p.ID == "" {
			return simerr.Configf(DocPolicies, "policies", "policy %d has no id", i)
		}
		if _, dup := idx.policies[p.ID]; dup {
			return simerr.Configf(DocPolicies, field, "duplicate policy id")
		}
		if !(p.FixedMonthlyCost >= 0) || !(p.PerCapitaMonthlyCost >= 0) {
			return simerr.Configf(DocPolicies, field, "costs must be non-negative")
		}
		if p.LagMonths < 0 {
			return simerr.Configf(DocPolicies, field, "lag_months must be non-negative")
		}
		if !isProbability(p.DiminishingReturns) {
			return simerr.Configf(DocPolicies, field, "diminishing_returns must be in [0,1], got %v", p.DiminishingReturns)
		}
		if err := b.validateEffects(idx, field, p.Effects, true); err != nil {
			return err
		}
		idx.policies[p.ID] = i
	}
	for i, s := range lib.Shocks {
		field := "shocks." + s.ID
		if s.ID == "" {
			return simerr.Configf(DocPolicies, "shocks", "shock %d has no id", i)
		}
		if _, dup := idx.shocks[s.ID]; dup {
			return simerr.Configf(DocPolicies, field, "duplicate shock id")
		}
		if s.DurationMonths < 1 {
			return simerr.Configf(DocPolicies, field, "duration_months must be at least 1")
		}
		if err := b.validateEffects(idx, field, s.Effects, false); err != nil {
			return err
		}
		idx.shocks[s.ID] = i
	}
	return nil
}

func (b *Bundle) validateEffects(idx *index, field string, effects Effects, policy bool) error {
	for _, eff := range effects {
		switch v := eff.(type) {
		case HazardMultiplier:
			if len(resolveTarget(idx, v.Target)) == 0 {
				return simerr.Configf(DocPolicies, field, "%w: target %q", simerr.ErrUnknownTransition, v.Target)
			}
			if policy && !isProbability(v.Factor) {
				return simerr.Configf(DocPolicies, field, "policy hazard factor must be in [0,1], got %v", v.Factor)
			}
			if !policy && (!(v.Factor >= 0) || math.IsInf(v.Factor, 0)) {
				return simerr.Configf(DocPolicies, field, "shock hazard factor must be non-negative, got %v", v.Factor)
			}
		case CostAdder:
			if _, ok := b.Baseline.CapacityPer1k[v.Service]; !ok {
				return simerr.Configf(DocPolicies, field, "cost adder for unknown service %q", v.Service)
			}
			if math.IsNaN(v.PerOccupantMonthly) || math.IsInf(v.PerOccupantMonthly, 0) {
				return simerr.Configf(DocPolicies, field, "cost adder must be finite")
			}
		case CapacityModifier:
			if _, ok := b.Baseline.CapacityPer1k[v.Service]; !ok {
				return simerr.Configf(DocPolicies, field, "capacity modifier for unknown service %q", v.Service)
			}
			if !(v.Fraction >= -1) || math.IsInf(v.Fraction, 0) {
				return simerr.Configf(DocPolicies, field, "capacity fraction must be at least -1, got %v", v.Fraction)
			}
		}
	}
	return nil
}

func (b *Bundle) validateCosts(idx *index) error {
	for service, c := range b.Costs.UnitCosts {
		if _, ok := b.Baseline.CapacityPer1k[service]; !ok {
			return simerr.Configf(DocCosts, "unit_costs", "unknown service %q", service)
		}
		if !(c >= 0) {
			return simerr.Configf(DocCosts, "unit_costs", "service %q cost must be non-negative", service)
		}
	}
	for band, w := range b.Costs.QALYWeights {
		if _, ok := idx.bands[band]; !ok {
			return simerr.Configf(DocCosts, "qaly_weights", "%w: %q", simerr.ErrUnknownBand, band)
		}
		if !isProbability(w) {
			return simerr.Configf(DocCosts, "qaly_weights", "weight of %q must be in [0,1], got %v", band, w)
		}
	}
	return nil
}

func (b *Bundle) validateScoring() error {
	sc := b.Scoring
	if err := ValidateWeights(sc.Weights); err != nil {
		return err
	}
	if !(sc.HealthReference.Max > sc.HealthReference.Min) {
		return simerr.Configf(DocScoring, "health_reference", "max must exceed min")
	}
	if !(sc.ServiceAllowancePerCapitaMonth >= 0) {
		return simerr.Configf(DocScoring, "service_allowance_per_capita_month", "must be non-negative")
	}
	if !isProbability(sc.CapacityPenalty) {
		return simerr.Configf(DocScoring, "capacity_penalty", "must be in [0,1], got %v", sc.CapacityPenalty)
	}
	dims := make(map[string]bool, len(b.Baseline.Dimensions))
	for _, d := range b.Baseline.Dimensions {
		dims[d.Name] = true
	}
	for _, e := range sc.Equity {
		if !dims[e.Dimension] {
			return simerr.Configf(DocScoring, "equity", "unknown dimension %q", e.Dimension)
		}
		switch e.Outcome {
		case OutcomeQALY, OutcomeSurvival:
		default:
			return simerr.Configf(DocScoring, "equity", "unknown outcome %q", e.Outcome)
		}
		if !(e.MaxDispersion > 0) {
			return simerr.Configf(DocScoring, "equity", "max_dispersion of %q must be positive", e.Dimension)
		}
	}
	return nil
}

// ValidateWeights rejects negative or all-zero weight vectors.
func ValidateWeights(w Weights) error {
	for name, v := range map[string]float64{"health": w.Health, "cost": w.Cost, "capacity": w.Capacity, "equity": w.Equity} {
		if !(v >= 0) || math.IsInf(v, 0) {
			return simerr.Configf(DocScoring, "weights."+name, "must be non-negative and finite, got %v", v)
		}
	}
	if w.Sum() <= 0 {
		return simerr.Configf(DocScoring, "weights", "at least one weight must be positive")
	}
	return nil
}

func isProbability(v float64) bool {
	return v >= 0 && v <= 1
}
