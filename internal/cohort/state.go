// Package cohort holds the per-team simulation state and the monthly
// metrics extracted from it.
//
// Populations are real-valued expectations. Nothing is rounded during
// simulation; Rounded exists for display and export.
package cohort

import (
	"fmt"
	"math"
	"sort"

	"github.com/talgya/ageing-futures/internal/config"
)

// State is one team's cohort. The orchestrator never mutates a State it was
// given; it returns a new value.
type State struct {
	TeamID          string             `json:"team_id"`
	Month           int                `json:"month"` // months completed so far
	Population      map[string]float64 `json:"population"`
	Occupancy       map[string]float64 `json:"occupancy"`
	CumulativeSpend float64            `json:"cumulative_spend"`
	CumulativeQALY  float64            `json:"cumulative_qaly"`
	ActivePolicies  []ActivePolicy     `json:"active_policies"`
	ActiveShock     *ActiveShock       `json:"active_shock,omitempty"`

	// Version increments on every committed advance; persistence uses it
	// for compare-and-swap writes.
	Version int64 `json:"version"`
}

// ActivePolicy is a funded policy and the month it was locked in.
type ActivePolicy struct {
	PolicyID        string  `json:"policy_id"`
	ActivationMonth int     `json:"activation_month"`
	Intensity       float64 `json:"intensity"`
	Coverage        float64 `json:"coverage"`
}

// ActiveShock is the shock currently applied to a team. Active for months
// StartMonth through StartMonth+Duration-1.
type ActiveShock struct {
	ShockID    string `json:"shock_id"`
	StartMonth int    `json:"start_month"`
	Duration   int    `json:"duration"`
}

// Active reports whether the shock applies in the given absolute month.
func (s *ActiveShock) Active(month int) bool {
	if s == nil {
		return false
	}
	return month >= s.StartMonth && month < s.StartMonth+s.Duration
}

// New builds the initial cohort from the baseline. Service bands start at
// their configured occupancy; the remainder is spread over community bands
// as the product of their dimension-level fractions.
func New(teamID string, b *config.Bundle) *State {
	base := b.Baseline
	size := base.CohortSize
	s := &State{
		TeamID:     teamID,
		Population: make(map[string]float64, len(base.Bands)),
		Occupancy:  make(map[string]float64, len(b.Services())),
	}

	occupied := 0.0
	for band, per1k := range base.InitialOccupancyPer1k {
		n := per1k * size / 1000
		s.Population[band] = n
		occupied += n
	}

	fraction := make(map[string]map[string]float64, len(base.Dimensions))
	for _, d := range base.Dimensions {
		fraction[d.Name] = make(map[string]float64, len(d.Levels))
		for _, l := range d.Levels {
			fraction[d.Name][l.Name] = l.Fraction
		}
	}
	shares := make(map[string]float64)
	totalShare := 0.0
	for _, band := range base.Bands {
		if band.Service != "" {
			continue
		}
		share := 1.0
		for _, d := range base.Dimensions {
			share *= fraction[d.Name][band.Attributes[d.Name]]
		}
		shares[band.ID] = share
		totalShare += share
	}
	community := size - occupied
	for id, share := range shares {
		if totalShare > 0 {
			s.Population[id] = community * share / totalShare
		}
	}
	for _, band := range base.Bands {
		if _, ok := s.Population[band.ID]; !ok {
			s.Population[band.ID] = 0
		}
	}
	s.RecomputeOccupancy(b)
	return s
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := *s
	out.Population = make(map[string]float64, len(s.Population))
	for k, v := range s.Population {
		out.Population[k] = v
	}
	out.Occupancy = make(map[string]float64, len(s.Occupancy))
	for k, v := range s.Occupancy {
		out.Occupancy[k] = v
	}
	out.ActivePolicies = append([]ActivePolicy(nil), s.ActivePolicies...)
	if s.ActiveShock != nil {
		shock := *s.ActiveShock
		out.ActiveShock = &shock
	}
	return &out
}

// Total returns the population summed over all bands.
func (s *State) Total() float64 {
	total := 0.0
	for _, band := range s.bandIDs() {
		total += s.Population[band]
	}
	return total
}

// RecomputeOccupancy derives service occupancy from service-band populations.
func (s *State) RecomputeOccupancy(b *config.Bundle) {
	occ := make(map[string]float64, len(b.Services()))
	for _, service := range b.Services() {
		occ[service] = 0
	}
	for _, band := range s.bandIDs() {
		if service := b.ServiceOf(band); service != "" {
			occ[service] += s.Population[band]
		}
	}
	s.Occupancy = occ
}

// Validate rejects negative or non-finite populations.
func (s *State) Validate() error {
	for _, band := range s.bandIDs() {
		n := s.Population[band]
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return fmt.Errorf("band %q population is not finite", band)
		}
		if n < 0 {
			return fmt.Errorf("band %q population is negative (%v)", band, n)
		}
	}
	return nil
}

// Snapshot copies the population map.
func (s *State) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(s.Population))
	for k, v := range s.Population {
		out[k] = v
	}
	return out
}

// Rounded returns band counts rounded half away from zero, for display only.
func (s *State) Rounded() map[string]int64 {
	out := make(map[string]int64, len(s.Population))
	for k, v := range s.Population {
		out[k] = int64(math.Round(v))
	}
	return out
}

// bandIDs returns band keys sorted so float sums are reproducible.
func (s *State) bandIDs() []string {
	ids := make([]string, 0, len(s.Population))
	for id := range s.Population {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
