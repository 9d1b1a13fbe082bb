package dist_test

import (
	"testing"

	"github.com/bayestream/bayestream/mods/dist"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestBernoulliLogLikelihood(t *testing.T) {
	b := dist.Bernoulli{Probability: 0.3}
	ref := distuv.Bernoulli{P: 0.3}

	ll, err := b.LogLikelihood(dist.Scalar(1))
	require.NoError(t, err)
	require.InDelta(t, ref.LogProb(1), ll, 1e-12)

	ll, err = b.LogLikelihood(dist.Scalar(0))
	require.NoError(t, err)
	require.InDelta(t, ref.LogProb(0), ll, 1e-12)
}

func TestPoissonLogLikelihood(t *testing.T) {
	p := dist.Poisson{Rate: 4.5}
	ref := distuv.Poisson{Lambda: 4.5}

	for _, k := range []float64{0, 1, 3, 10} {
		ll, err := p.LogLikelihood(dist.Scalar(k))
		require.NoError(t, err)
		require.InDelta(t, ref.LogProb(k), ll, 1e-12)
	}
}

func TestScalarFamilyAlgebra(t *testing.T) {
	b := dist.Bernoulli{Probability: 0.4}
	require.InDelta(t, 0.2, b.Scale(0.5).(dist.Bernoulli).Probability, 1e-12)
	c := b.Combine(0.5, dist.Bernoulli{Probability: 0.8}).(dist.Bernoulli)
	require.InDelta(t, 0.6, c.Probability, 1e-12)

	p := dist.Poisson{Rate: 10}
	require.InDelta(t, 2.5, p.Scale(0.25).(dist.Poisson).Rate, 1e-12)
	q := p.Combine(0.1, dist.Poisson{Rate: 20}).(dist.Poisson)
	require.InDelta(t, 11.0, q.Rate, 1e-12)

	// Sufficient statistic and FromStat are the identity on the sample
	// value for the scalar families.
	stat := b.SufficientStat(dist.Scalar(1)).FromStat().(dist.Bernoulli)
	require.Equal(t, 1.0, stat.Probability)
}

func TestScalarSummarize(t *testing.T) {
	b := dist.Bernoulli{}
	est, err := b.Summarize(
		[]float64{1, 1, 2},
		[]mat.Vector{dist.Scalar(1), dist.Scalar(0), dist.Scalar(1)},
	)
	require.NoError(t, err)
	require.InDelta(t, 0.75, est.(dist.Bernoulli).Probability, 1e-12)

	_, err = b.Summarize([]float64{0, 0}, []mat.Vector{dist.Scalar(1), dist.Scalar(0)})
	require.Error(t, err)

	_, err = b.Summarize([]float64{1}, []mat.Vector{dist.Scalar(1), dist.Scalar(0)})
	require.Error(t, err)
}

func TestFamilyMixPanics(t *testing.T) {
	require.Panics(t, func() {
		dist.Bernoulli{Probability: 0.5}.Combine(0.5, dist.Poisson{Rate: 1})
	})
}
