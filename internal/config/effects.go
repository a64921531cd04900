package config

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Effect kinds as they appear in configuration documents.
const (
	KindHazardMultiplier = "hazard_multiplier"
	KindCostAdder        = "cost_adder"
	KindCapacityModifier = "capacity_modifier"
)

// TagPrefix marks an effect target that selects every transition carrying
// the tag, e.g. "tag:hospital_admission".
const TagPrefix = "tag:"

// Effect is one of HazardMultiplier, CostAdder or CapacityModifier.
type Effect interface {
	Kind() string
	isEffect()
}

// HazardMultiplier scales the hazard of the targeted transitions. For a
// policy the factor is the full-strength multiplier (0.8 means a 20%
// reduction) and must lie in [0,1]; for a shock any non-negative factor is
// allowed.
type HazardMultiplier struct {
	Target string  `json:"target"`
	Factor float64 `json:"factor"`
}

// CostAdder adds a cost per occupant-month to a service.
type CostAdder struct {
	Service            string  `json:"service"`
	PerOccupantMonthly float64 `json:"per_occupant_monthly"`
}

// CapacityModifier changes a service's capacity by a fraction of its
// configured value (0.1 adds 10%, -0.2 removes 20%).
type CapacityModifier struct {
	Service  string  `json:"service"`
	Fraction float64 `json:"fraction"`
}

func (HazardMultiplier) Kind() string { return KindHazardMultiplier }
func (CostAdder) Kind() string        { return KindCostAdder }
func (CapacityModifier) Kind() string { return KindCapacityModifier }

func (HazardMultiplier) isEffect() {}
func (CostAdder) isEffect()        {}
func (CapacityModifier) isEffect() {}

// Effects is a list of typed effects, encoded as objects with a "kind" field.
type Effects []Effect

// UnmarshalJSON decodes the tagged effect objects.
func (e *Effects) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Effects, 0, len(raws))
	for i, raw := range raws {
		var head struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return fmt.Errorf("effect %d: %w", i, err)
		}
		switch head.Kind {
		case KindHazardMultiplier:
			var v HazardMultiplier
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("effect %d: %w", i, err)
			}
			out = append(out, v)
		case KindCostAdder:
			var v CostAdder
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("effect %d: %w", i, err)
			}
			out = append(out, v)
		case KindCapacityModifier:
			var v CapacityModifier
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("effect %d: %w", i, err)
			}
			out = append(out, v)
		default:
			return fmt.Errorf("effect %d: unknown kind %q", i, head.Kind)
		}
	}
	*e = out
	return nil
}

// MarshalJSON encodes each effect with its kind tag.
func (e Effects) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(e))
	for _, eff := range e {
		switch v := eff.(type) {
		case HazardMultiplier:
			out = append(out, struct {
				Kind string `json:"kind"`
				HazardMultiplier
			}{v.Kind(), v})
		case CostAdder:
			out = append(out, struct {
				Kind string `json:"kind"`
				CostAdder
			}{v.Kind(), v})
		case CapacityModifier:
			out = append(out, struct {
				Kind string `json:"kind"`
				CapacityModifier
			}{v.Kind(), v})
		}
	}
	return json.Marshal(out)
}
