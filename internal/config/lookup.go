package config

import (
	"strings"

	"github.com/talgya/ageing-futures/internal/simerr"
)

// Overrides are the session-level replacements applied at session creation.
// Zero values leave the base bundle untouched.
type Overrides struct {
	CohortSize  float64  `json:"cohort_size,omitempty"`
	Weights     *Weights `json:"scoring_weights,omitempty"`
	RoundBudget float64  `json:"round_budget,omitempty"`
}

// WithOverrides returns a derived bundle. The receiver is not modified.
func (b *Bundle) WithOverrides(o Overrides) (*Bundle, error) {
	out := *b
	if o.CohortSize < 0 {
		return nil, simerr.Configf(DocBaseline, "cohort_size", "override must be positive, got %v", o.CohortSize)
	}
	if o.CohortSize > 0 {
		out.Baseline.CohortSize = o.CohortSize
	}
	if o.Weights != nil {
		if err := ValidateWeights(*o.Weights); err != nil {
			return nil, err
		}
		out.Scoring.Weights = *o.Weights
	}
	if o.RoundBudget < 0 {
		return nil, simerr.Configf(DocPolicies, "round_budget", "override must be non-negative, got %v", o.RoundBudget)
	}
	if o.RoundBudget > 0 {
		out.Policies.RoundBudget = o.RoundBudget
	}
	return &out, nil
}

// Band returns the band with the given id.
func (b *Bundle) Band(id string) (Band, bool) {
	i, ok := b.idx.bands[id]
	if !ok {
		return Band{}, false
	}
	return b.Baseline.Bands[i], true
}

// ServiceOf returns the service a band occupies, or "" for community bands.
func (b *Bundle) ServiceOf(id string) string {
	if i, ok := b.idx.bands[id]; ok {
		return b.Baseline.Bands[i].Service
	}
	return ""
}

// Services lists the configured service types in sorted order.
func (b *Bundle) Services() []string {
	return b.idx.services
}

// Transition returns the transition with the given id.
func (b *Bundle) Transition(id string) (Transition, bool) {
	i, ok := b.idx.transitions[id]
	if !ok {
		return Transition{}, false
	}
	return b.Transitions.Transitions[i], true
}

// Outgoing lists the ids of transitions leaving a band, in config order.
func (b *Bundle) Outgoing(band string) []string {
	return b.idx.outgoing[band]
}

// Policy returns the policy with the given id.
func (b *Bundle) Policy(id string) (Policy, bool) {
	i, ok := b.idx.policies[id]
	if !ok {
		return Policy{}, false
	}
	return b.Policies.Policies[i], true
}

// Shock returns the shock card with the given id.
func (b *Bundle) Shock(id string) (ShockCard, bool) {
	i, ok := b.idx.shocks[id]
	if !ok {
		return ShockCard{}, false
	}
	return b.Policies.Shocks[i], true
}

// Resolve expands an effect target into transition ids: either a single
// transition id or every transition carrying a "tag:" selector.
func (b *Bundle) Resolve(target string) []string {
	return resolveTarget(b.idx, target)
}

func resolveTarget(idx *index, target string) []string {
	if tag, ok := strings.CutPrefix(target, TagPrefix); ok {
		return idx.tags[tag]
	}
	if _, ok := idx.transitions[target]; ok {
		return []string{target}
	}
	return nil
}

// Capacity returns a service's configured capacity for a cohort size.
func (b *Bundle) Capacity(service string, cohortSize float64) float64 {
	return b.Baseline.CapacityPer1k[service] * cohortSize / 1000
}

// QALYWeight returns the per-person-month QALY weight of a band.
func (b *Bundle) QALYWeight(band string) float64 {
	return b.Costs.QALYWeights[band]
}

// CalendarMonth maps an absolute simulation month (1-based) to a calendar
// month in 1..12.
func (b *Bundle) CalendarMonth(month int) int {
	start := b.Baseline.StartCalendarMonth
	if start == 0 {
		start = 1
	}
	m := (start - 1 + month - 1) % 12
	if m < 0 {
		m += 12
	}
	return m + 1
}
