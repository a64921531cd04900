// Package config holds the immutable configuration bundle that every engine
// call receives: baseline population, transition hazards, the policy and
// shock library, unit costs and scoring weights.
package config

// Exit is the pseudo-band that transitions leaving the modelled system target.
const Exit = "exit"

// Link functions for covariate adjustment of a baseline hazard.
const (
	LinkLinear = "linear"
	LinkLog    = "log"
)

// Equity outcomes measured across the levels of a demographic dimension.
const (
	OutcomeQALY     = "qaly"
	OutcomeSurvival = "survival"
)

// Bundle is the validated configuration. Build one with Load, LoadFS or
// LoadDefault; it is never mutated afterwards.
type Bundle struct {
	Baseline    Baseline       `json:"baseline"`
	Transitions TransitionSpec `json:"transitions"`
	Policies    PolicyLibrary  `json:"policies"`
	Costs       CostConfig     `json:"costs"`
	Scoring     ScoringConfig  `json:"scoring"`

	idx *index
}

// Baseline describes the starting cohort and the services it can occupy.
type Baseline struct {
	CohortSize         float64     `json:"cohort_size"`
	// StartCalendarMonth is the calendar month (1..12) of simulation month
	// 1. Zero, or leaving it out of the document, means January.
	StartCalendarMonth int         `json:"start_calendar_month"`
	Dimensions         []Dimension `json:"dimensions"`
	Bands              []Band      `json:"bands"`

	// Per-1000-cohort figures scale with session cohort-size overrides.
	InitialOccupancyPer1k map[string]float64 `json:"initial_occupancy_per_1k"`
	CapacityPer1k         map[string]float64 `json:"capacity_per_1k"`
	MonthlyEntriesPer1k   map[string]float64 `json:"monthly_entries_per_1k"`

	// Global covariates (GP access, community capacity, ...).
	ServiceIndices map[string]float64 `json:"service_indices"`
}

// Dimension is a demographic split such as age or frailty tier.
type Dimension struct {
	Name   string  `json:"name"`
	Levels []Level `json:"levels"`
}

// Level is one value of a dimension with its initial population share.
type Level struct {
	Name     string  `json:"name"`
	Fraction float64 `json:"fraction"`
}

// Band is a compartment of the cohort. Bands with a Service are admission
// states whose population counts as that service's occupancy.
type Band struct {
	ID         string             `json:"id"`
	Attributes map[string]string  `json:"attributes"`
	Service    string             `json:"service,omitempty"`
	Covariates map[string]float64 `json:"covariates,omitempty"`
}

// TransitionSpec lists the monthly hazards between ordered band pairs.
type TransitionSpec struct {
	Transitions        []Transition       `json:"transitions"`
	LengthOfStayMonths map[string]float64 `json:"length_of_stay_months"`
}

// Transition is a monthly hazard from one band to another (or to Exit).
type Transition struct {
	ID              string             `json:"id"`
	From            string             `json:"from"`
	To              string             `json:"to"`
	Base            float64            `json:"base"`
	Link            string             `json:"link,omitempty"`
	Coefficients    map[string]float64 `json:"coefficients,omitempty"`
	Tags            []string           `json:"tags,omitempty"`
	UseLengthOfStay bool               `json:"use_length_of_stay,omitempty"`
}

// PolicyLibrary is the ordered set of policies teams may fund, plus the
// deck of shock cards a lecturer may play.
type PolicyLibrary struct {
	RoundBudget float64     `json:"round_budget"`
	Policies    []Policy    `json:"policies"`
	Shocks      []ShockCard `json:"shocks"`
}

// Policy is a fundable intervention.
type Policy struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	Description          string  `json:"description"`
	FixedMonthlyCost     float64 `json:"fixed_monthly_cost"`
	PerCapitaMonthlyCost float64 `json:"per_capita_monthly_cost"`
	LagMonths            int     `json:"lag_months"`
	DiminishingReturns   float64 `json:"diminishing_returns"`
	Effects              Effects `json:"effects"`
}

// ShockCard is a scripted external event.
type ShockCard struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	DurationMonths int     `json:"duration_months"`
	Effects        Effects `json:"effects"`
}

// CostConfig holds unit costs per service and QALY weights per band.
type CostConfig struct {
	// Cost per occupant per month.
	UnitCosts map[string]float64 `json:"unit_costs"`
	// QALYs accrued per person-month spent in the band.
	QALYWeights map[string]float64 `json:"qaly_weights"`
}

// ScoringConfig drives round scoring.
type ScoringConfig struct {
	Weights         Weights `json:"weights"`
	HealthReference Range   `json:"health_reference"`
	// Service spend allowed per person-month on top of the round budget
	// when normalising the cost objective.
	ServiceAllowancePerCapitaMonth float64           `json:"service_allowance_per_capita_month"`
	CapacityPenalty                float64           `json:"capacity_penalty"`
	Equity                         []EquityDimension `json:"equity"`
}

// Weights are the objective weights of the composite score.
type Weights struct {
	Health   float64 `json:"health"`
	Cost     float64 `json:"cost"`
	Capacity float64 `json:"capacity"`
	Equity   float64 `json:"equity"`
}

// Range is a closed reference interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// EquityDimension names the demographic split across which outcome
// dispersion is measured.
type EquityDimension struct {
	Dimension     string  `json:"dimension"`
	Outcome       string  `json:"outcome"`
	MaxDispersion float64 `json:"max_dispersion"`
}

// Sum returns the total of the four weights.
func (w Weights) Sum() float64 {
	return w.Health + w.Cost + w.Capacity + w.Equity
}

// Normalise rescales the weights to sum to 1. All-zero weights become equal.
func (w Weights) Normalise() Weights {
	sum := w.Sum()
	if sum <= 0 {
		return Weights{Health: 0.25, Cost: 0.25, Capacity: 0.25, Equity: 0.25}
	}
	return Weights{
		Health:   w.Health / sum,
		Cost:     w.Cost / sum,
		Capacity: w.Capacity / sum,
		Equity:   w.Equity / sum,
	}
}
