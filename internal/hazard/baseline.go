// Package hazard turns configured transition hazards into monthly
// probabilities and computes the expected band-to-band flows of one month.
package hazard

import (
	"math"

	"github.com/talgya/ageing-futures/internal/config"
)

// Time covariates available to every transition.
const (
	CovSeasonWinter = "season_winter" // 1 in December, January, February
	CovSeasonCos    = "season_cos"    // cos of the calendar phase, peaks in January
	CovEnvironment  = "environment"   // seeded exposure signal in [-1,1]
)

// Covariates returns the covariate vector seen by transitions leaving band in
// the given absolute month. Band covariates override time covariates, which
// override the baseline service indices.
func Covariates(b *config.Bundle, band string, month int, env *Environment) map[string]float64 {
	out := make(map[string]float64, len(b.Baseline.ServiceIndices)+3)
	for k, v := range b.Baseline.ServiceIndices {
		out[k] = v
	}

	cal := b.CalendarMonth(month)
	if cal == 12 || cal <= 2 {
		out[CovSeasonWinter] = 1
	} else {
		out[CovSeasonWinter] = 0
	}
	out[CovSeasonCos] = math.Cos(2 * math.Pi * float64(cal-1) / 12)
	out[CovEnvironment] = env.At(month)

	if def, ok := b.Band(band); ok {
		for k, v := range def.Covariates {
			out[k] = v
		}
	}
	return out
}

// Probability evaluates a transition's monthly probability for a covariate
// vector, clamped to [0,1]. Unknown covariates contribute nothing.
func Probability(b *config.Bundle, t config.Transition, cov map[string]float64) float64 {
	base := t.Base
	if t.UseLengthOfStay {
		if los := b.Transitions.LengthOfStayMonths[t.From]; los > 0 {
			base = 1 - math.Exp(-1/los)
		}
	}

	lp := 0.0
	for name, coef := range t.Coefficients {
		lp += coef * cov[name]
	}

	var p float64
	switch t.Link {
	case config.LinkLinear:
		p = base + lp
	default:
		p = base * math.Exp(lp)
	}
	return clamp01(p)
}

// Baseline computes every transition's covariate-adjusted probability for an
// absolute month, before any policy or shock modifier.
func Baseline(b *config.Bundle, month int, env *Environment) map[string]float64 {
	out := make(map[string]float64, len(b.Transitions.Transitions))
	covByBand := make(map[string]map[string]float64)
	for _, t := range b.Transitions.Transitions {
		cov, ok := covByBand[t.From]
		if !ok {
			cov = Covariates(b, t.From, month, env)
			covByBand[t.From] = cov
		}
		out[t.ID] = Probability(b, t, cov)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
