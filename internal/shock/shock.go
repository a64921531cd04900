// Package shock applies scripted external events (shock cards) to a team's
// cohort. A shock acts at full strength for its whole window, with no ramp
// and no diminishing returns against policies.
package shock

import (
	"fmt"

	"github.com/talgya/ageing-futures/internal/cohort"
	"github.com/talgya/ageing-futures/internal/config"
	"github.com/talgya/ageing-futures/internal/modifier"
	"github.com/talgya/ageing-futures/internal/simerr"
)

// Play builds the activation of a shock card starting at startMonth. A
// duration of zero uses the card's own duration.
func Play(b *config.Bundle, shockID string, startMonth, duration int) (*cohort.ActiveShock, error) {
	card, ok := b.Shock(shockID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", simerr.ErrUnknownShock, shockID)
	}
	if startMonth < 1 {
		return nil, fmt.Errorf("%w: shock %q start month must be at least 1, got %d", simerr.ErrInvalid, shockID, startMonth)
	}
	if duration < 0 {
		return nil, fmt.Errorf("%w: shock %q duration must be non-negative, got %d", simerr.ErrInvalid, shockID, duration)
	}
	if duration == 0 {
		duration = card.DurationMonths
	}
	return &cohort.ActiveShock{ShockID: shockID, StartMonth: startMonth, Duration: duration}, nil
}

// Replace installs a new shock on a state. At most one shock is active per
// team; a new one overwrites the old rather than queueing behind it. A nil
// activation leaves the current shock in place.
func Replace(state *cohort.State, activation *cohort.ActiveShock) {
	if activation == nil {
		return
	}
	a := *activation
	state.ActiveShock = &a
}

// Resolve returns the shock's modifiers for an absolute month. Outside the
// active window, or for an unknown card, the result is neutral.
func Resolve(activation *cohort.ActiveShock, month int, b *config.Bundle) modifier.Set {
	out := modifier.New()
	if !activation.Active(month) {
		return out
	}
	card, ok := b.Shock(activation.ShockID)
	if !ok {
		return out
	}
	for _, eff := range card.Effects {
		switch v := eff.(type) {
		case config.HazardMultiplier:
			for _, id := range b.Resolve(v.Target) {
				out.Hazard[id] = out.HazardMultiplier(id) * v.Factor
			}
		case config.CostAdder:
			out.CostAdders[v.Service] += v.PerOccupantMonthly
		case config.CapacityModifier:
			out.Capacity[v.Service] = out.CapacityFactor(v.Service)*(1+v.Fraction) - 1
		}
	}
	return out
}
