// Package scoring turns a round's monthly metrics into normalised
// sub-scores, a weighted composite and a deterministic leaderboard order.
package scoring

import (
	"math"
	"sort"

	"github.com/talgya/ageing-futures/internal/cohort"
	"github.com/talgya/ageing-futures/internal/config"
)

// RoundScore is one team's score for a round (or across rounds, see
// Cumulative). Every sub-score lies in [0,1].
type RoundScore struct {
	TeamID    string  `json:"team_id"`
	Round     int     `json:"round"`
	Health    float64 `json:"health"`
	Cost      float64 `json:"cost"`
	Capacity  float64 `json:"capacity"`
	Equity    float64 `json:"equity"`
	Composite float64 `json:"composite"`

	QALY            float64 `json:"qaly"`
	Spend           float64 `json:"spend"`
	Budget          float64 `json:"budget"`
	MeanUtilisation float64 `json:"mean_utilisation"`

	// OverBudget is set when spend exceeded the budget; the cost sub-score
	// is floored at zero rather than going negative.
	OverBudget bool `json:"over_budget"`
	NearMiss   bool `json:"near_miss"`

	// Coefficient of variation of the outcome across each equity
	// dimension's levels.
	Dispersion map[string]float64 `json:"dispersion"`

	Weights config.Weights `json:"weights"`
}

// Input is everything Score needs. StartPopulation is the per-band
// population at the start of the round.
type Input struct {
	TeamID          string
	Round           int
	Metrics         []cohort.MonthlyMetrics
	StartPopulation map[string]float64
	Bundle          *config.Bundle
	Weights         config.Weights
	// Budget is the policy budget the round's mix was locked against. Zero
	// uses the bundle's round budget.
	Budget float64
}

// Score computes a RoundScore. Weights are normalised before use.
func Score(in Input) RoundScore {
	b := in.Bundle
	sc := b.Scoring
	weights := in.Weights.Normalise()
	months := len(in.Metrics)
	startPop := sum(in.StartPopulation)

	rs := RoundScore{
		TeamID:     in.TeamID,
		Round:      in.Round,
		Dispersion: make(map[string]float64, len(sc.Equity)),
		Weights:    weights,
	}

	utilSum, utilN := 0.0, 0
	for _, m := range in.Metrics {
		rs.QALY += m.QALY
		rs.Spend += m.Cost
		if m.NearMiss {
			rs.NearMiss = true
		}
		for _, service := range sortedKeys(m.Utilisation) {
			utilSum += m.Utilisation[service]
			utilN++
		}
	}
	if utilN > 0 {
		rs.MeanUtilisation = utilSum / float64(utilN)
	}

	// Health: QALYs per person-month against the reference range.
	if startPop > 0 && months > 0 {
		perCapita := rs.QALY / (startPop * float64(months))
		span := sc.HealthReference.Max - sc.HealthReference.Min
		if span > 0 {
			rs.Health = clamp01((perCapita - sc.HealthReference.Min) / span)
		}
	}

	// Cost: 1 - spend/budget, floored at zero. Overspend is a flag.
	policyBudget := in.Budget
	if policyBudget <= 0 {
		policyBudget = b.Policies.RoundBudget
	}
	rs.Budget = policyBudget + sc.ServiceAllowancePerCapitaMonth*startPop*float64(months)
	switch {
	case rs.Budget > 0:
		rs.Cost = clamp01(1 - rs.Spend/rs.Budget)
		rs.OverBudget = rs.Spend > rs.Budget
	case rs.Spend > 0:
		rs.OverBudget = true
	default:
		rs.Cost = 1
	}

	// Capacity: low mean utilisation scores well; any near-miss costs a
	// fixed penalty.
	capScore := 1 - rs.MeanUtilisation
	if rs.NearMiss {
		capScore -= sc.CapacityPenalty
	}
	rs.Capacity = clamp01(capScore)

	// Equity: mean of the inverse-normalised dispersion per dimension.
	if len(sc.Equity) == 0 {
		rs.Equity = 1
	} else {
		var end map[string]float64
		if months > 0 {
			end = in.Metrics[months-1].Population
		}
		total := 0.0
		for _, dim := range sc.Equity {
			cv := Dispersion(b, dim, in.StartPopulation, end)
			rs.Dispersion[dim.Dimension] = cv
			total += 1 - math.Min(1, cv/dim.MaxDispersion)
		}
		rs.Equity = clamp01(total / float64(len(sc.Equity)))
	}

	rs.Composite = composite(rs, weights)
	return rs
}

// Dispersion is the coefficient of variation of the dimension's outcome
// across its levels. Bands without the attribute are ignored, as are levels
// with no population. Fewer than two levels disperse to zero.
func Dispersion(b *config.Bundle, dim config.EquityDimension, start, end map[string]float64) float64 {
	type acc struct{ start, end, weighted float64 }
	levels := make(map[string]*acc)
	for _, band := range b.Baseline.Bands {
		level, ok := band.Attributes[dim.Dimension]
		if !ok {
			continue
		}
		a := levels[level]
		if a == nil {
			a = &acc{}
			levels[level] = a
		}
		a.start += start[band.ID]
		a.end += end[band.ID]
		a.weighted += end[band.ID] * b.QALYWeight(band.ID)
	}

	outcomes := make([]float64, 0, len(levels))
	for _, name := range sortedKeys(levels) {
		a := levels[name]
		switch dim.Outcome {
		case config.OutcomeSurvival:
			if a.start > 0 {
				outcomes = append(outcomes, a.end/a.start)
			}
		default:
			if a.end > 0 {
				outcomes = append(outcomes, a.weighted/a.end)
			}
		}
	}
	return coefficientOfVariation(outcomes)
}

// Cumulative averages sub-scores across rounds and recomputes the composite
// with the given weights. Totals (QALY, spend, budget) are summed.
func Cumulative(scores []RoundScore, weights config.Weights) RoundScore {
	weights = weights.Normalise()
	out := RoundScore{Dispersion: make(map[string]float64), Weights: weights}
	if len(scores) == 0 {
		return out
	}
	n := float64(len(scores))
	for _, s := range scores {
		out.TeamID = s.TeamID
		if s.Round > out.Round {
			out.Round = s.Round
		}
		out.Health += s.Health / n
		out.Cost += s.Cost / n
		out.Capacity += s.Capacity / n
		out.Equity += s.Equity / n
		out.MeanUtilisation += s.MeanUtilisation / n
		out.QALY += s.QALY
		out.Spend += s.Spend
		out.Budget += s.Budget
		out.OverBudget = out.OverBudget || s.OverBudget
		out.NearMiss = out.NearMiss || s.NearMiss
		for dim, v := range s.Dispersion {
			out.Dispersion[dim] += v / n
		}
	}
	out.Composite = composite(out, weights)
	return out
}

func composite(rs RoundScore, w config.Weights) float64 {
	return w.Health*rs.Health + w.Cost*rs.Cost + w.Capacity*rs.Capacity + w.Equity*rs.Equity
}

func coefficientOfVariation(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if mean <= 0 {
		return 0
	}
	variance := 0.0
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	variance /= float64(len(xs))
	return math.Sqrt(variance) / mean
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func sum(m map[string]float64) float64 {
	total := 0.0
	for _, k := range sortedKeys(m) {
		total += m[k]
	}
	return total
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
