package mixture_test

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/bayestream/bayestream/mods/dist"
	"github.com/bayestream/bayestream/mods/mixture"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// poissonSample draws a Poisson count with Knuth's method; rates used
// in these tests are small enough for the product not to underflow.
func poissonSample(rnd *rand.Rand, rate float64) float64 {
	l := math.Exp(-rate)
	k := 0
	p := 1.0
	for {
		p *= rnd.Float64()
		if p < l {
			return float64(k)
		}
		k++
	}
}

type randomStep struct {
	rnd *rand.Rand
}

func (r randomStep) At(int64) float64 { return 0.01 + 0.98*r.rnd.Float64() }

func TestEMWeightsStayNormalized(t *testing.T) {
	initial, err := dist.NewMixtureModel(
		[]float64{0.3, 0.7},
		[]dist.Distribution{
			dist.Bernoulli{Probability: 0.2},
			dist.Bernoulli{Probability: 0.9},
		},
	)
	require.NoError(t, err)

	rnd := rand.New(rand.NewSource(17))
	est, err := mixture.New(mixture.Config{
		Initial:  initial,
		StepSize: randomStep{rnd: rand.New(rand.NewSource(18))},
	})
	require.NoError(t, err)

	var st *mixture.State
	for i := 0; i < 500; i++ {
		x := 0.0
		if rnd.Float64() < 0.5 {
			x = 1.0
		}
		st, err = est.Update(st, dist.Scalar(x))
		require.NoError(t, err)
		require.InDelta(t, 1.0, st.Model.WeightSum(), 1e-9)
		require.InDelta(t, 1.0, st.Summary.WeightSum(), 1e-9)
	}
	require.EqualValues(t, 500, st.Index)
	require.EqualValues(t, 500, st.Updates)
}

func TestEMBernoulliMixtureMean(t *testing.T) {
	// A Bernoulli mixture is identifiable only through its mean
	// P(x=1) = sum_k w_k*p_k; the fit must converge to the data's
	// success rate.
	initial, err := dist.NewMixtureModel(
		[]float64{0.5, 0.5},
		[]dist.Distribution{
			dist.Bernoulli{Probability: 0.4},
			dist.Bernoulli{Probability: 0.7},
		},
	)
	require.NoError(t, err)

	est, err := mixture.New(mixture.Config{
		Initial:       initial,
		StepSize:      mixture.ConstantStep(0.1),
		MinibatchSize: 10,
	})
	require.NoError(t, err)

	// Samples from 0.5*Bern(0.1) + 0.5*Bern(0.95): success rate 0.525.
	rnd := rand.New(rand.NewSource(21))
	var st *mixture.State
	for i := 0; i < 5000; i++ {
		p := 0.1
		if rnd.Float64() < 0.5 {
			p = 0.95
		}
		x := 0.0
		if rnd.Float64() < p {
			x = 1.0
		}
		st, err = est.Update(st, dist.Scalar(x))
		require.NoError(t, err)
	}

	var mean float64
	for k, d := range st.Model.Distributions {
		mean += st.Model.Weights[k] * d.(dist.Bernoulli).Probability
	}
	require.InDelta(t, 0.525, mean, 0.1)
}

func TestEMPoissonConvergence(t *testing.T) {
	initial, err := dist.NewMixtureModel(
		[]float64{0.5, 0.5},
		[]dist.Distribution{
			dist.Poisson{Rate: 3},
			dist.Poisson{Rate: 15},
		},
	)
	require.NoError(t, err)

	est, err := mixture.New(mixture.Config{
		Initial:       initial,
		StepSize:      mixture.ConstantStep(0.1),
		MinibatchSize: 10,
	})
	require.NoError(t, err)

	// Samples from 0.5*Pois(5) + 0.5*Pois(20).
	rnd := rand.New(rand.NewSource(23))
	var st *mixture.State
	for i := 0; i < 5000; i++ {
		rate := 5.0
		if rnd.Float64() < 0.5 {
			rate = 20.0
		}
		st, err = est.Update(st, dist.Scalar(poissonSample(rnd, rate)))
		require.NoError(t, err)
	}

	got := []float64{
		st.Model.Distributions[0].(dist.Poisson).Rate,
		st.Model.Distributions[1].(dist.Poisson).Rate,
	}
	sort.Float64s(got)
	require.InDelta(t, 5.0, got[0], 1.5)
	require.InDelta(t, 20.0, got[1], 2.5)
	require.InDelta(t, 0.5, st.Model.Weights[0], 0.15)
}

func TestEMGaussianConvergence(t *testing.T) {
	eyeCov := func() *mat.Dense { return mat.NewDense(2, 2, []float64{1, 0, 0, 1}) }
	initial, err := dist.NewMixtureModel(
		[]float64{0.5, 0.5},
		[]dist.Distribution{
			&dist.MultivariateGaussian{Mean: mat.NewVecDense(2, []float64{1, 1}), Covariance: eyeCov()},
			&dist.MultivariateGaussian{Mean: mat.NewVecDense(2, []float64{4, 4}), Covariance: eyeCov()},
		},
	)
	require.NoError(t, err)

	est, err := mixture.New(mixture.Config{
		Initial:       initial,
		StepSize:      mixture.ConstantStep(0.05),
		MinibatchSize: 10,
	})
	require.NoError(t, err)

	// Samples from 0.5*N([0,0],I) + 0.5*N([5,5],I).
	rnd := rand.New(rand.NewSource(29))
	var st *mixture.State
	for i := 0; i < 5000; i++ {
		cx, cy := 0.0, 0.0
		if rnd.Float64() < 0.5 {
			cx, cy = 5.0, 5.0
		}
		sample := mat.NewVecDense(2, []float64{cx + rnd.NormFloat64(), cy + rnd.NormFloat64()})
		st, err = est.Update(st, sample)
		require.NoError(t, err)
	}

	means := make([]float64, 2)
	for k, d := range st.Model.Distributions {
		g := d.(*dist.MultivariateGaussian)
		means[k] = g.Mean.AtVec(0)
		// Recovered covariance stays near identity.
		require.InDelta(t, 1.0, g.Covariance.At(0, 0), 0.6)
		require.InDelta(t, 1.0, g.Covariance.At(1, 1), 0.6)
	}
	sort.Float64s(means)
	require.InDelta(t, 0.0, means[0], 0.7)
	require.InDelta(t, 5.0, means[1], 0.7)
}

func TestEMMinibatchBuffering(t *testing.T) {
	initial, err := dist.UniformMixture(
		dist.Poisson{Rate: 1},
		dist.Poisson{Rate: 10},
	)
	require.NoError(t, err)

	est, err := mixture.New(mixture.Config{
		Initial:       initial,
		StepSize:      mixture.ConstantStep(0.1),
		MinibatchSize: 3,
	})
	require.NoError(t, err)

	st, err := est.Update(nil, dist.Scalar(1))
	require.NoError(t, err)
	require.EqualValues(t, 1, st.Index)
	require.EqualValues(t, 0, st.Updates)
	require.Equal(t, 1, st.Pending())
	require.Equal(t, initial.Weights, st.Model.Weights)

	st, err = est.Update(st, dist.Scalar(2))
	require.NoError(t, err)
	require.EqualValues(t, 0, st.Updates)
	require.Equal(t, 2, st.Pending())

	st, err = est.Update(st, dist.Scalar(9))
	require.NoError(t, err)
	require.EqualValues(t, 1, st.Updates)
	require.Equal(t, 0, st.Pending())
}

func TestEMUpdateHoldout(t *testing.T) {
	initial, err := dist.UniformMixture(
		dist.Poisson{Rate: 1},
		dist.Poisson{Rate: 10},
	)
	require.NoError(t, err)

	est, err := mixture.New(mixture.Config{
		Initial:       initial,
		StepSize:      mixture.ConstantStep(0.5),
		UpdateHoldout: 2,
	})
	require.NoError(t, err)

	st, err := est.Update(nil, dist.Scalar(9))
	require.NoError(t, err)
	st, err = est.Update(st, dist.Scalar(9))
	require.NoError(t, err)

	// Two held-out updates: the model still carries the initial rates.
	require.Equal(t, 1.0, st.Model.Distributions[0].(dist.Poisson).Rate)
	require.Equal(t, 10.0, st.Model.Distributions[1].(dist.Poisson).Rate)

	st, err = est.Update(st, dist.Scalar(9))
	require.NoError(t, err)
	require.NotEqual(t, 10.0, st.Model.Distributions[1].(dist.Poisson).Rate)
}

func TestEMPriorNotMutated(t *testing.T) {
	initial, err := dist.UniformMixture(
		dist.Bernoulli{Probability: 0.3},
		dist.Bernoulli{Probability: 0.8},
	)
	require.NoError(t, err)

	est, err := mixture.New(mixture.Config{Initial: initial, StepSize: mixture.ConstantStep(0.5)})
	require.NoError(t, err)

	st1, err := est.Update(nil, dist.Scalar(1))
	require.NoError(t, err)
	w := append([]float64(nil), st1.Model.Weights...)
	p := st1.Model.Distributions[0].(dist.Bernoulli).Probability

	_, err = est.Update(st1, dist.Scalar(0))
	require.NoError(t, err)
	require.Equal(t, w, st1.Model.Weights)
	require.Equal(t, p, st1.Model.Distributions[0].(dist.Bernoulli).Probability)
}

func TestEMSampleDimensionError(t *testing.T) {
	initial, err := dist.UniformMixture(dist.Poisson{Rate: 1}, dist.Poisson{Rate: 5})
	require.NoError(t, err)
	est, err := mixture.New(mixture.Config{Initial: initial})
	require.NoError(t, err)

	_, err = est.Update(nil, mat.NewVecDense(2, []float64{1, 2}))
	require.Error(t, err)
}

func TestEMConfigErrors(t *testing.T) {
	initial, err := dist.UniformMixture(dist.Poisson{Rate: 1}, dist.Poisson{Rate: 5})
	require.NoError(t, err)

	_, err = mixture.New(mixture.Config{})
	require.ErrorIs(t, err, mixture.ErrInvalidConfig)

	_, err = mixture.New(mixture.Config{Initial: initial, StepSize: mixture.ConstantStep(2)})
	require.ErrorIs(t, err, mixture.ErrInvalidConfig)

	_, err = mixture.New(mixture.Config{Initial: initial, StepSize: mixture.PolynomialDecay{Exponent: 0.2}})
	require.ErrorIs(t, err, mixture.ErrInvalidConfig)

	_, err = mixture.New(mixture.Config{Initial: initial, MinibatchSize: -1})
	require.ErrorIs(t, err, mixture.ErrInvalidConfig)

	// Degenerate component parameters in a hand-built mixture are caught
	// even when NewMixtureModel was bypassed.
	bad := dist.MixtureModel{
		Weights:       []float64{0.5, 0.5},
		Distributions: []dist.Distribution{dist.Bernoulli{Probability: 1}, dist.Bernoulli{Probability: 0.5}},
	}
	_, err = mixture.New(mixture.Config{Initial: bad})
	require.ErrorIs(t, err, mixture.ErrInvalidConfig)
}
