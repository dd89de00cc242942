package scorer

import (
	"math"

	"github.com/nexus-trading/autosnipe/internal/domain"
)

// Weights maps each scorer component to its share of the unified score.
// A Weights value handed to the scorer is never mutated afterwards.
type Weights map[domain.Component]float64

// DefaultWeights favours leader activity, then the launch model.
func DefaultWeights() Weights {
	return Weights{
		domain.ComponentWallets:   0.40,
		domain.ComponentAI:        0.25,
		domain.ComponentSentiment: 0.20,
		domain.ComponentCommunity: 0.15,
	}
}

// UniformWeights gives every component the same share.
func UniformWeights() Weights {
	w := make(Weights, len(domain.AllComponents))
	for _, c := range domain.AllComponents {
		w[c] = 1 / float64(len(domain.AllComponents))
	}
	return w
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	total := 0.0
	for _, c := range domain.AllComponents {
		total += w[c]
	}
	return total
}

// Normalize returns a copy scaled to sum to 1 with every weight in [0,1].
// Negative and NaN entries count as 0; an all-zero input becomes uniform.
func (w Weights) Normalize() Weights {
	out := make(Weights, len(domain.AllComponents))
	total := 0.0
	for _, c := range domain.AllComponents {
		v := w[c]
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		out[c] = v
		total += v
	}
	if total == 0 {
		return UniformWeights()
	}
	for c, v := range out {
		out[c] = v / total
	}
	return out
}

// Clone returns an independent copy.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}
