// Package configtest builds small synthetic configuration bundles for tests.
package configtest

import (
	"testing"

	"github.com/talgya/ageing-futures/internal/config"
)

// Scoring returns a neutral scoring block with no equity dimensions.
func Scoring() config.ScoringConfig {
	return config.ScoringConfig{
		Weights:         config.Weights{Health: 0.4, Cost: 0.2, Capacity: 0.2, Equity: 0.2},
		HealthReference: config.Range{Min: 0, Max: 1},
		CapacityPenalty: 0.2,
	}
}

// SingleBand is one community band "all" of the given size with one
// transition "death" to exit at a flat monthly hazard.
func SingleBand(t testing.TB, size, exitHazard, qalyWeight float64) *config.Bundle {
	t.Helper()
	b := &config.Bundle{
		Baseline: config.Baseline{
			CohortSize:         size,
			StartCalendarMonth: 1,
			Bands:              []config.Band{{ID: "all"}},
		},
		Transitions: config.TransitionSpec{Transitions: []config.Transition{
			{ID: "death", From: "all", To: config.Exit, Base: exitHazard, Tags: []string{"mortality"}},
		}},
		Costs: config.CostConfig{
			QALYWeights: map[string]float64{"all": qalyWeight},
		},
		Scoring: Scoring(),
	}
	return Must(t, b)
}

// Ward is two community bands "a" and "b" admitting into a single service
// band "ward" (service "ward") with a length-of-stay discharge back to "a"
// and an inpatient death transition. Capacity and occupancy are per 1000.
//
// Transition ids: admit_a, admit_b, discharge, ward_death, death_a, death_b.
// Tags: admission on both admissions, mortality on every death.
func Ward(t testing.TB, size, capacityPer1k, occupancyPer1k, admission float64) *config.Bundle {
	t.Helper()
	b := &config.Bundle{
		Baseline: config.Baseline{
			CohortSize:         size,
			StartCalendarMonth: 1,
			Dimensions: []config.Dimension{
				{Name: "group", Levels: []config.Level{{Name: "a", Fraction: 0.5}, {Name: "b", Fraction: 0.5}}},
			},
			Bands: []config.Band{
				{ID: "a", Attributes: map[string]string{"group": "a"}},
				{ID: "b", Attributes: map[string]string{"group": "b"}},
				{ID: "ward", Service: "ward"},
			},
			InitialOccupancyPer1k: map[string]float64{"ward": occupancyPer1k},
			CapacityPer1k:         map[string]float64{"ward": capacityPer1k},
		},
		Transitions: config.TransitionSpec{
			LengthOfStayMonths: map[string]float64{"ward": 2},
			Transitions: []config.Transition{
				{ID: "admit_a", From: "a", To: "ward", Base: admission, Tags: []string{"admission"}},
				{ID: "death_a", From: "a", To: config.Exit, Base: 0.01, Tags: []string{"mortality"}},
				{ID: "admit_b", From: "b", To: "ward", Base: admission, Tags: []string{"admission"}},
				{ID: "death_b", From: "b", To: config.Exit, Base: 0.02, Tags: []string{"mortality"}},
				{ID: "discharge", From: "ward", To: "a", Base: 0.4, UseLengthOfStay: true},
				{ID: "ward_death", From: "ward", To: config.Exit, Base: 0.05, Tags: []string{"mortality"}},
			},
		},
		Policies: config.PolicyLibrary{
			RoundBudget: 100000,
			Policies: []config.Policy{
				{
					ID: "prevent", FixedMonthlyCost: 1000, PerCapitaMonthlyCost: 1, LagMonths: 4,
					DiminishingReturns: 0.5,
					Effects:            config.Effects{config.HazardMultiplier{Target: "tag:admission", Factor: 0.5}},
				},
				{
					ID: "screen", FixedMonthlyCost: 500, LagMonths: 2,
					Effects: config.Effects{config.HazardMultiplier{Target: "admit_a", Factor: 0.7}},
				},
				{
					ID: "beds", FixedMonthlyCost: 2000, LagMonths: 0,
					Effects: config.Effects{
						config.CapacityModifier{Service: "ward", Fraction: 0.5},
						config.CostAdder{Service: "ward", PerOccupantMonthly: 10},
					},
				},
			},
			Shocks: []config.ShockCard{
				{ID: "surge", DurationMonths: 2, Effects: config.Effects{
					config.HazardMultiplier{Target: "tag:admission", Factor: 3},
				}},
				{ID: "strike", DurationMonths: 1, Effects: config.Effects{
					config.CapacityModifier{Service: "ward", Fraction: -0.5},
					config.CostAdder{Service: "ward", PerOccupantMonthly: 25},
				}},
			},
		},
		Costs: config.CostConfig{
			UnitCosts:   map[string]float64{"ward": 100},
			QALYWeights: map[string]float64{"a": 0.07, "b": 0.06, "ward": 0.03},
		},
		Scoring: Scoring(),
	}
	b.Scoring.Equity = []config.EquityDimension{{Dimension: "group", Outcome: config.OutcomeSurvival, MaxDispersion: 0.5}}
	return Must(t, b)
}

// Must validates a hand-built bundle and fails the test on error.
func Must(t testing.TB, b *config.Bundle) *config.Bundle {
	t.Helper()
	if err := b.Validate(); err != nil {
		t.Fatalf("invalid test bundle: %v", err)
	}
	return b
}

// Default loads the embedded configuration.
func Default(t testing.TB) *config.Bundle {
	t.Helper()
	b, err := config.LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	return b
}
