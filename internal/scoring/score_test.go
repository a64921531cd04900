package scoring

import (
	"math"
	"testing"

	"github.com/talgya/ageing-futures/internal/cohort"
	"github.com/talgya/ageing-futures/internal/config"
	"github.com/talgya/ageing-futures/internal/config/configtest"
)

func near(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b))
}

func months(n int, m cohort.MonthlyMetrics) []cohort.MonthlyMetrics {
	out := make([]cohort.MonthlyMetrics, n)
	for i := range out {
		out[i] = m
		out[i].Month = i + 1
	}
	return out
}

func TestScoreSubScores(t *testing.T) {
	b := configtest.Ward(t, 1000, 10, 5, 0.1)
	start := map[string]float64{"a": 500, "b": 500}

	tests := []struct {
		name      string
		metrics   []cohort.MonthlyMetrics
		wantHlth  float64
		wantCost  float64
		wantCap   float64
		wantOver  bool
		wantEquit float64
	}{
		{
			name: "on budget, no pressure",
			metrics: months(4, cohort.MonthlyMetrics{
				QALY: 50, Cost: 12500,
				Utilisation: map[string]float64{"ward": 0.5},
				Population:  map[string]float64{"a": 500, "b": 500},
			}),
			wantHlth: 0.05, wantCost: 0.5, wantCap: 0.5, wantEquit: 1,
		},
		{
			name: "over budget floors cost",
			metrics: months(2, cohort.MonthlyMetrics{
				QALY: 10, Cost: 80000,
				Utilisation: map[string]float64{"ward": 1},
				NearMiss:    true,
				Population:  map[string]float64{"a": 500, "b": 250},
			}),
			wantHlth: 0.01, wantCost: 0, wantCap: 0, wantOver: true,
			// survival 1 and 0.5: CV = 0.25/0.75, over max 0.5.
			wantEquit: 1 - (1.0/3)/0.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := Score(Input{
				TeamID: "t1", Round: 1,
				Metrics:         tt.metrics,
				StartPopulation: start,
				Bundle:          b,
				Weights:         b.Scoring.Weights,
			})
			if !near(rs.Health, tt.wantHlth) {
				t.Errorf("health = %v, want %v", rs.Health, tt.wantHlth)
			}
			if !near(rs.Cost, tt.wantCost) {
				t.Errorf("cost = %v, want %v", rs.Cost, tt.wantCost)
			}
			if !near(rs.Capacity, tt.wantCap) {
				t.Errorf("capacity = %v, want %v", rs.Capacity, tt.wantCap)
			}
			if !near(rs.Equity, tt.wantEquit) {
				t.Errorf("equity = %v, want %v", rs.Equity, tt.wantEquit)
			}
			if rs.OverBudget != tt.wantOver {
				t.Errorf("over budget = %v, want %v", rs.OverBudget, tt.wantOver)
			}
			for name, v := range map[string]float64{"health": rs.Health, "cost": rs.Cost, "capacity": rs.Capacity, "equity": rs.Equity, "composite": rs.Composite} {
				if v < 0 || v > 1 {
					t.Errorf("%s = %v outside [0,1]", name, v)
				}
			}
			w := rs.Weights
			want := w.Health*rs.Health + w.Cost*rs.Cost + w.Capacity*rs.Capacity + w.Equity*rs.Equity
			if !near(rs.Composite, want) {
				t.Errorf("composite = %v, want %v", rs.Composite, want)
			}
		})
	}
}

func TestScoreNormalisesWeights(t *testing.T) {
	b := configtest.SingleBand(t, 1000, 0.02, 0.5)
	in := Input{
		Metrics:         months(1, cohort.MonthlyMetrics{QALY: 490, Population: map[string]float64{"all": 980}}),
		StartPopulation: map[string]float64{"all": 1000},
		Bundle:          b,
	}
	in.Weights = config.Weights{Health: 2}
	a := Score(in)
	in.Weights = config.Weights{Health: 10}
	c := Score(in)
	if !near(a.Composite, c.Composite) || !near(a.Composite, 0.49) {
		t.Errorf("composite %v and %v, want both 0.49", a.Composite, c.Composite)
	}
}

func TestScoreZeroBudgetZeroSpend(t *testing.T) {
	b := configtest.SingleBand(t, 1000, 0.02, 0.07)
	rs := Score(Input{
		Metrics:         months(3, cohort.MonthlyMetrics{Population: map[string]float64{"all": 900}}),
		StartPopulation: map[string]float64{"all": 1000},
		Bundle:          b,
		Weights:         b.Scoring.Weights,
	})
	if rs.Cost != 1 || rs.OverBudget {
		t.Errorf("cost = %v over = %v, want 1 and false", rs.Cost, rs.OverBudget)
	}
	if rs.Equity != 1 {
		t.Errorf("equity with no dimensions = %v, want 1", rs.Equity)
	}
}

func TestDispersion(t *testing.T) {
	b := configtest.Ward(t, 1000, 10, 5, 0.1)
	start := map[string]float64{"a": 400, "b": 400, "ward": 200}
	tests := []struct {
		name string
		dim  config.EquityDimension
		end  map[string]float64
		want float64
	}{
		{"equal survival", config.EquityDimension{Dimension: "group", Outcome: config.OutcomeSurvival}, map[string]float64{"a": 300, "b": 300}, 0},
		{"unequal survival", config.EquityDimension{Dimension: "group", Outcome: config.OutcomeSurvival}, map[string]float64{"a": 400, "b": 200}, 1.0 / 3},
		// a weight .07, b weight .06: mean .065, std .005.
		{"qaly", config.EquityDimension{Dimension: "group", Outcome: config.OutcomeQALY}, map[string]float64{"a": 10, "b": 99}, 0.005 / 0.065},
		{"empty level ignored", config.EquityDimension{Dimension: "group", Outcome: config.OutcomeQALY}, map[string]float64{"a": 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Dispersion(b, tt.dim, start, tt.end); !near(got, tt.want) {
				t.Errorf("Dispersion() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCoefficientOfVariation(t *testing.T) {
	tests := []struct {
		xs   []float64
		want float64
	}{
		{nil, 0},
		{[]float64{3}, 0},
		{[]float64{2, 2, 2}, 0},
		{[]float64{1, 3}, 0.5},
		{[]float64{0, 0}, 0},
	}
	for _, tt := range tests {
		if got := coefficientOfVariation(tt.xs); !near(got, tt.want) {
			t.Errorf("coefficientOfVariation(%v) = %v, want %v", tt.xs, got, tt.want)
		}
	}
}

func TestRankTieBreaks(t *testing.T) {
	scores := []RoundScore{
		{TeamID: "delta", Composite: 0.5, Health: 0.5, Cost: 0.5},
		{TeamID: "alpha", Composite: 0.7, Health: 0.1, Cost: 0.1},
		{TeamID: "charlie", Composite: 0.5, Health: 0.5, Cost: 0.5},
		{TeamID: "bravo", Composite: 0.5, Health: 0.5, Cost: 0.9},
		{TeamID: "echo", Composite: 0.5, Health: 0.6, Cost: 0},
	}
	got := Rank(scores)
	want := []string{"alpha", "echo", "bravo", "charlie", "delta"}
	for i, s := range got {
		if s.TeamID != want[i] || s.Rank != i+1 {
			t.Errorf("position %d = %s rank %d, want %s rank %d", i, s.TeamID, s.Rank, want[i], i+1)
		}
	}

	// Input order does not matter.
	reversed := make([]RoundScore, len(scores))
	for i, s := range scores {
		reversed[len(scores)-1-i] = s
	}
	for i, s := range Rank(reversed) {
		if s.TeamID != want[i] {
			t.Errorf("reversed position %d = %s, want %s", i, s.TeamID, want[i])
		}
	}
	if scores[0].TeamID != "delta" {
		t.Error("Rank reordered its input")
	}
}

func TestCumulative(t *testing.T) {
	w := config.Weights{Health: 1, Cost: 1, Capacity: 1, Equity: 1}
	rounds := []RoundScore{
		{TeamID: "t1", Round: 1, Health: 0.4, Cost: 1, Capacity: 0.6, Equity: 1, QALY: 100, Spend: 10, Budget: 50},
		{TeamID: "t1", Round: 2, Health: 0.6, Cost: 0, Capacity: 0.2, Equity: 0.5, QALY: 90, Spend: 80, Budget: 50, OverBudget: true, NearMiss: true},
	}
	got := Cumulative(rounds, w)
	if got.Round != 2 || got.TeamID != "t1" {
		t.Errorf("round %d team %q", got.Round, got.TeamID)
	}
	if !near(got.Health, 0.5) || !near(got.Cost, 0.5) || !near(got.Capacity, 0.4) || !near(got.Equity, 0.75) {
		t.Errorf("sub-scores = %+v", got)
	}
	if got.QALY != 190 || got.Spend != 90 || got.Budget != 100 {
		t.Errorf("totals qaly %v spend %v budget %v", got.QALY, got.Spend, got.Budget)
	}
	if !got.OverBudget || !got.NearMiss {
		t.Error("flags not carried")
	}
	if !near(got.Composite, (0.5+0.5+0.4+0.75)/4) {
		t.Errorf("composite = %v", got.Composite)
	}

	if empty := Cumulative(nil, w); empty.Composite != 0 {
		t.Errorf("empty cumulative composite = %v", empty.Composite)
	}
}

func TestScoreUsesLockedBudget(t *testing.T) {
	b := configtest.Ward(t, 1000, 10, 5, 0.1)
	tests := []struct {
		name     string
		budget   float64
		wantCost float64
		wantOver bool
	}{
		{"bundle budget", 0, 1 - 50000.0/b.Policies.RoundBudget, false},
		{"session budget", 40000, 0, true},
		{"larger session budget", 200000, 0.75, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := Score(Input{
				Metrics:         months(2, cohort.MonthlyMetrics{Cost: 25000, Population: map[string]float64{"a": 495, "b": 495, "ward": 10}}),
				StartPopulation: map[string]float64{"a": 495, "b": 495, "ward": 10},
				Bundle:          b,
				Weights:         b.Scoring.Weights,
				Budget:          tt.budget,
			})
			if !near(rs.Cost, tt.wantCost) || rs.OverBudget != tt.wantOver {
				t.Errorf("cost = %v over = %v, want %v and %v", rs.Cost, rs.OverBudget, tt.wantCost, tt.wantOver)
			}
		})
	}
}
