package hazard

import (
	opensimplex "github.com/ojrac/opensimplex-go"
)

// Environment is a smooth, seed-deterministic exposure signal (heat, cold,
// air quality) used as the "environment" covariate. Values lie in [-1,1].
type Environment struct {
	noise opensimplex.Noise
}

// NewEnvironment builds the exposure signal for a seed. Teams sharing a
// session seed see the same environment.
func NewEnvironment(seed int64) *Environment {
	return &Environment{noise: opensimplex.NewNormalized(seed)}
}

// At returns the exposure for an absolute simulation month. A nil
// Environment is neutral.
func (e *Environment) At(month int) float64 {
	if e == nil {
		return 0
	}
	v := octaveNoise(e.noise, float64(month), 0.5, 3, 0.15, 0.5)
	return 2*v - 1
}

// octaveNoise layers several frequencies of normalized noise.
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}
