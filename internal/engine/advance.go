// Package engine advances a team's cohort through simulated months.
//
// Advance is a pure function of its request: it clones the state it is given,
// runs every month on the clone and returns the new state only if the whole
// call succeeds. Callers must not run two advances for the same team at once.
package engine

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/talgya/ageing-futures/internal/capacity"
	"github.com/talgya/ageing-futures/internal/cohort"
	"github.com/talgya/ageing-futures/internal/config"
	"github.com/talgya/ageing-futures/internal/hazard"
	"github.com/talgya/ageing-futures/internal/modifier"
	"github.com/talgya/ageing-futures/internal/policy"
	"github.com/talgya/ageing-futures/internal/scoring"
	"github.com/talgya/ageing-futures/internal/shock"
	"github.com/talgya/ageing-futures/internal/simerr"
)

// Request is one advance call. Mix replaces the team's funded policies;
// Shock, when non-nil, replaces the team's active shock.
type Request struct {
	State  *cohort.State
	Bundle *config.Bundle
	Mix    policy.Mix
	Shock  *cohort.ActiveShock
	Months int

	// Budget the mix is checked against at lock-in. Zero uses the bundle's
	// round budget.
	Budget float64
	// Seed of the environment covariate.
	Seed int64

	Round         int
	RoundBoundary bool
}

// Result is a committed advance.
type Result struct {
	State   *cohort.State           `json:"state"`
	Metrics []cohort.MonthlyMetrics `json:"metrics"`
	Score   *scoring.RoundScore     `json:"score,omitempty"`
}

// Tolerances for the per-month invariant checks.
const (
	conservationTolerance = 1e-6
	capacityTolerance     = 1e-6
	negativeTolerance     = 1e-9
)

// Advance locks in the policy mix, applies the shock and simulates Months
// months from the state's current month. Any error leaves the caller's state
// untouched and returns no result.
func Advance(req Request) (Result, error) {
	if req.State == nil || req.Bundle == nil {
		return Result{}, fmt.Errorf("advance needs a state and a bundle")
	}
	b := req.Bundle
	if req.Months < 1 {
		return Result{}, fmt.Errorf("advance must cover at least one month, got %d", req.Months)
	}
	if err := req.State.Validate(); err != nil {
		return Result{}, &simerr.SimulationFailure{Month: req.State.Month, Reason: "invalid input state", Err: err}
	}

	budget := req.Budget
	if budget <= 0 {
		budget = b.Policies.RoundBudget
	}
	if err := policy.LockIn(req.Mix, b, req.Months, budget); err != nil {
		return Result{}, err
	}

	st := req.State.Clone()
	st.ActivePolicies = policy.Activate(st.ActivePolicies, req.Mix, st.Month)
	shock.Replace(st, req.Shock)
	st.RecomputeOccupancy(b)

	start := st.Snapshot()
	env := hazard.NewEnvironment(req.Seed)
	metrics := make([]cohort.MonthlyMetrics, 0, req.Months)

	for i := 0; i < req.Months; i++ {
		month := st.Month + 1
		m, err := stepMonth(st, b, month, env)
		if err != nil {
			slog.Warn("advance aborted", "team", st.TeamID, "month", month, "error", err)
			return Result{}, err
		}
		st.Month = month
		metrics = append(metrics, m)
		slog.Debug("month simulated",
			"team", st.TeamID,
			"month", MonthLabel(b, month),
			"population", fmt.Sprintf("%.1f", st.Total()),
			"cost", fmt.Sprintf("%.0f", m.Cost),
			"near_miss", m.NearMiss,
		)
	}

	if sh := st.ActiveShock; sh != nil && st.Month+1 >= sh.StartMonth+sh.Duration {
		st.ActiveShock = nil
	}
	st.Version++

	res := Result{State: st, Metrics: metrics}
	if req.RoundBoundary {
		score := scoring.Score(scoring.Input{
			TeamID:          st.TeamID,
			Round:           req.Round,
			Metrics:         metrics,
			StartPopulation: start,
			Bundle:          b,
			Weights:         b.Scoring.Weights,
			Budget:          budget,
		})
		res.Score = &score
	}

	slog.Info("advance complete",
		"team", st.TeamID,
		"round", req.Round,
		"months", req.Months,
		"through", MonthLabel(b, st.Month),
		"policies", len(st.ActivePolicies),
	)
	return res, nil
}

// stepMonth runs one month on st in place and returns its metrics.
func stepMonth(st *cohort.State, b *config.Bundle, month int, env *hazard.Environment) (cohort.MonthlyMetrics, error) {
	before := st.Total()

	mods := modifier.Stack(
		policy.Resolve(st.ActivePolicies, month, b),
		shock.Resolve(st.ActiveShock, month, b),
	)
	effective := mods.Effective(hazard.Baseline(b, month, env))
	for id, p := range effective {
		if p < 0 || p > 1 || math.IsNaN(p) {
			return cohort.MonthlyMetrics{}, &simerr.SimulationFailure{Month: month, Reason: fmt.Sprintf("hazard %q out of range: %v", id, p)}
		}
	}

	flows, err := hazard.Step(st, b, effective)
	if err != nil {
		return cohort.MonthlyMetrics{}, err
	}
	caps := capacity.Effective(b, mods)
	rationed := capacity.Ration(flows, st.Occupancy, caps, b.ServiceOf)

	for _, f := range rationed.Flows {
		st.Population[f.From] -= f.Amount
		if f.To != config.Exit {
			st.Population[f.To] += f.Amount
		}
	}
	entries := 0.0
	for _, band := range b.Baseline.Bands {
		n := b.Baseline.MonthlyEntriesPer1k[band.ID] * b.Baseline.CohortSize / 1000
		if n > 0 {
			st.Population[band.ID] += n
			entries += n
		}
	}
	for band, n := range st.Population {
		if n < 0 && n > -negativeTolerance {
			st.Population[band] = 0
		}
	}
	st.RecomputeOccupancy(b)

	exits := rationed.Flows.Exits()
	if err := checkInvariants(st, month, before, entries, exits, rationed); err != nil {
		return cohort.MonthlyMetrics{}, err
	}

	m := cohort.MonthlyMetrics{
		Month:         month,
		CalendarMonth: b.CalendarMonth(month),
		Deaths:        exits,
		Entries:       entries,
		PolicyCost:    mods.PolicyCost,
		Admissions:    rationed.Admitted,
		Rationed:      rationed.Rationed,
		Capacity:      caps,
		Utilisation:   make(map[string]float64, len(caps)),
		DemandRatio:   make(map[string]float64, len(caps)),
		NearMiss:      rationed.AnyNearMiss(),
		Population:    st.Snapshot(),
	}
	if st.ActiveShock.Active(month) {
		m.ShockID = st.ActiveShock.ShockID
	}
	for _, service := range b.Services() {
		occ := st.Occupancy[service]
		m.ServiceCost += occ * (b.Costs.UnitCosts[service] + mods.CostAdders[service])
		m.Utilisation[service] = ratio(occ, caps[service])
		m.DemandRatio[service] = ratio(rationed.Demand[service], caps[service])
	}
	for _, band := range b.Baseline.Bands {
		m.QALY += st.Population[band.ID] * b.QALYWeight(band.ID)
	}
	m.Cost = m.PolicyCost + m.ServiceCost

	st.CumulativeSpend += m.Cost
	st.CumulativeQALY += m.QALY
	return m, nil
}

func checkInvariants(st *cohort.State, month int, before, entries, exits float64, rationed capacity.Result) error {
	if err := st.Validate(); err != nil {
		return &simerr.SimulationFailure{Month: month, Reason: "population invariant", Err: err}
	}
	after := st.Total()
	expected := before + entries - exits
	if math.Abs(after-expected) > conservationTolerance*math.Max(1, expected) {
		return &simerr.SimulationFailure{
			Month:  month,
			Reason: fmt.Sprintf("population not conserved: have %.6f, expected %.6f", after, expected),
		}
	}
	for service, occ := range st.Occupancy {
		limit, ok := rationed.Limit[service]
		if !ok {
			continue
		}
		if occ > limit+capacityTolerance*math.Max(1, limit) {
			return &simerr.SimulationFailure{
				Month:  month,
				Reason: fmt.Sprintf("service %q occupancy %.6f exceeds capacity %.6f", service, occ, limit),
			}
		}
	}
	return nil
}

// ratio is occupancy over capacity. Any occupancy of a zero-capacity
// service counts as full.
func ratio(n, limit float64) float64 {
	if limit > 0 {
		return n / limit
	}
	if n > 0 {
		return 1
	}
	return 0
}
