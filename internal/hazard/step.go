package hazard

import (
	"sort"

	"github.com/talgya/ageing-futures/internal/cohort"
	"github.com/talgya/ageing-futures/internal/config"
	"github.com/talgya/ageing-futures/internal/simerr"
)

// Flow is the expected population moving along one transition in a month.
type Flow struct {
	Transition string  `json:"transition"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	Amount     float64 `json:"amount"`
}

// Flows are ordered as the transitions appear in configuration.
type Flows []Flow

// Outflow sums the flows leaving a band.
func (fs Flows) Outflow(band string) float64 {
	total := 0.0
	for _, f := range fs {
		if f.From == band {
			total += f.Amount
		}
	}
	return total
}

// Inflow sums the flows entering a band.
func (fs Flows) Inflow(band string) float64 {
	total := 0.0
	for _, f := range fs {
		if f.To == band {
			total += f.Amount
		}
	}
	return total
}

// Exits sums the flows leaving the modelled system.
func (fs Flows) Exits() float64 {
	return fs.Inflow(config.Exit)
}

// Clone copies the flow slice.
func (fs Flows) Clone() Flows {
	return append(Flows(nil), fs...)
}

// Step computes one month of expected flows. effective maps transition ids
// to fully resolved monthly probabilities; transitions it omits carry no
// flow. When the hazards leaving a band sum to more than 1 they are scaled
// down proportionally so the band's outflow never exceeds its population.
// Step does not modify state.
func Step(state *cohort.State, b *config.Bundle, effective map[string]float64) (Flows, error) {
	ids := make([]string, 0, len(effective))
	for id := range effective {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, ok := b.Transition(id); !ok {
			return nil, simerr.Configf(config.DocTransitions, id, "%w: referenced by effective hazards", simerr.ErrUnknownTransition)
		}
	}

	flows := make(Flows, 0, len(b.Transitions.Transitions))
	for _, band := range b.Baseline.Bands {
		out := b.Outgoing(band.ID)
		if len(out) == 0 {
			continue
		}
		total := 0.0
		for _, id := range out {
			total += effective[id]
		}
		scale := 1.0
		if total > 1 {
			scale = 1 / total
		}
		pop := state.Population[band.ID]
		for _, id := range out {
			t, _ := b.Transition(id)
			flows = append(flows, Flow{
				Transition: id,
				From:       t.From,
				To:         t.To,
				Amount:     pop * effective[id] * scale,
			})
		}
	}
	return flows, nil
}
