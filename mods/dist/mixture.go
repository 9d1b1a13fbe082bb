package dist

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MixtureModel is an ordered sequence of weighted component
// distributions. Weights are kept non-negative and summing to one.
// The same shape doubles as the running sufficient-statistic summary
// in online EM.
type MixtureModel struct {
	Weights       []float64
	Distributions []Distribution
}

// NewMixtureModel validates and returns a mixture over the given
// components. Weights must be non-negative; they are normalized to
// sum to one.
func NewMixtureModel(weights []float64, distributions []Distribution) (MixtureModel, error) {
	if len(weights) != len(distributions) || len(weights) == 0 {
		return MixtureModel{}, fmt.Errorf("mixture: %d weights for %d distributions", len(weights), len(distributions))
	}
	var sum float64
	for i, w := range weights {
		if w < 0 {
			return MixtureModel{}, fmt.Errorf("mixture: negative weight %f at component %d", w, i)
		}
		sum += w
	}
	if sum == 0 {
		return MixtureModel{}, fmt.Errorf("mixture: all weights are zero")
	}
	normalized := make([]float64, len(weights))
	for i, w := range weights {
		normalized[i] = w / sum
	}
	dim := distributions[0].Dim()
	for i, d := range distributions {
		if err := CheckParams(d); err != nil {
			return MixtureModel{}, fmt.Errorf("mixture: component %d: %w", i, err)
		}
		if d.Dim() != dim {
			return MixtureModel{}, fmt.Errorf("mixture: component %d has dim %d, expected %d", i, d.Dim(), dim)
		}
	}
	return MixtureModel{Weights: normalized, Distributions: append([]Distribution(nil), distributions...)}, nil
}

// UniformMixture returns a mixture with equal weights over the given
// components.
func UniformMixture(distributions ...Distribution) (MixtureModel, error) {
	weights := make([]float64, len(distributions))
	for i := range weights {
		weights[i] = 1
	}
	return NewMixtureModel(weights, distributions)
}

// Size returns the number of components.
func (m MixtureModel) Size() int { return len(m.Distributions) }

// Dim returns the sample dimension of the components.
func (m MixtureModel) Dim() int { return m.Distributions[0].Dim() }

// WeightSum returns the sum of the component weights.
func (m MixtureModel) WeightSum() float64 {
	var sum float64
	for _, w := range m.Weights {
		sum += w
	}
	return sum
}

// LogLikelihood returns log(sum_k w_k f_k(sample)), computed with a
// max-shifted log-sum-exp to avoid underflow.
func (m MixtureModel) LogLikelihood(sample mat.Vector) (float64, error) {
	lls, err := m.ComponentLogLikelihoods(sample)
	if err != nil {
		return 0, err
	}
	return logSumExp(lls), nil
}

// ComponentLogLikelihoods returns log(w_k) + log(f_k(sample)) for each
// component k.
func (m MixtureModel) ComponentLogLikelihoods(sample mat.Vector) ([]float64, error) {
	lls := make([]float64, m.Size())
	for k, d := range m.Distributions {
		ll, err := d.LogLikelihood(sample)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", k, err)
		}
		lls[k] = math.Log(m.Weights[k]) + ll
	}
	return lls, nil
}

// Responsibilities returns the posterior component membership
// probabilities of the sample given the current mixture parameters.
// The result sums to one.
func (m MixtureModel) Responsibilities(sample mat.Vector) ([]float64, error) {
	lls, err := m.ComponentLogLikelihoods(sample)
	if err != nil {
		return nil, err
	}
	return Softmax(lls), nil
}

// Clone returns a copy sharing no mutable storage with the receiver.
// Component distributions are immutable values and are shared.
func (m MixtureModel) Clone() MixtureModel {
	return MixtureModel{
		Weights:       append([]float64(nil), m.Weights...),
		Distributions: append([]Distribution(nil), m.Distributions...),
	}
}

func logSumExp(values []float64) float64 {
	max := math.Inf(-1)
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	if math.IsInf(max, -1) {
		return max
	}
	var sum float64
	for _, v := range values {
		sum += math.Exp(v - max)
	}
	return max + math.Log(sum)
}

// Softmax exponentiates and normalizes log weights, shifting by the
// maximum first so the result is invariant to an additive constant in
// the inputs.
func Softmax(logWeights []float64) []float64 {
	max := math.Inf(-1)
	for _, v := range logWeights {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(logWeights))
	var sum float64
	for i, v := range logWeights {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
