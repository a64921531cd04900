package cohort

// MonthlyMetrics is the raw outcome of one simulated month.
type MonthlyMetrics struct {
	Month         int     `json:"month"`
	CalendarMonth int     `json:"calendar_month"`
	QALY          float64 `json:"qaly"`
	Cost          float64 `json:"cost"`
	PolicyCost    float64 `json:"policy_cost"`
	ServiceCost   float64 `json:"service_cost"`
	Deaths        float64 `json:"deaths"`
	Entries       float64 `json:"entries"`

	// Per service. Utilisation is post-rationing occupancy over capacity;
	// DemandRatio is the prospective occupancy over capacity before rationing.
	Admissions  map[string]float64 `json:"admissions"`
	Rationed    map[string]float64 `json:"rationed"`
	Capacity    map[string]float64 `json:"capacity"`
	Utilisation map[string]float64 `json:"utilisation"`
	DemandRatio map[string]float64 `json:"demand_ratio"`

	// NearMiss flags a month in which prospective demand exceeded capacity
	// for at least one service.
	NearMiss bool `json:"near_miss"`

	Population map[string]float64 `json:"population"`
	ShockID    string             `json:"shock_id,omitempty"`
}
