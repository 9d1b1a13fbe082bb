// Package dist implements the probability distribution algebra used by
// the estimators: closed-form log-likelihoods, affine operations over
// distribution parameters, and weighted sufficient-statistic summaries.
// The set of supported families (Bernoulli, Poisson, multivariate
// Gaussian) is fixed; mixing families in an algebraic operation is a
// programming error and panics.
package dist

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalidCovariance reports a covariance or noise matrix that is not
// positive definite, detected when a Cholesky factorization fails.
var ErrInvalidCovariance = errors.New("covariance is not positive definite")

// Distribution is a parametric distribution over a fixed family.
// Values are immutable; every operation returns a new value.
//
// Scale, Combine, SufficientStat and FromStat form the algebra on which
// online EM accumulation and multi-model aggregation are built:
// SufficientStat maps one sample to its sufficient statistic in the
// shape of the family, Combine linearly interpolates parameters, and
// FromStat converts an accumulated statistic back to distribution
// parameters.
type Distribution interface {
	// Dim returns the sample dimension. Scalar families report 1.
	Dim() int

	// LogLikelihood returns the log density (or log mass) at sample.
	LogLikelihood(sample mat.Vector) (float64, error)

	// Scale multiplies all parameters by w.
	Scale(w float64) Distribution

	// Combine returns (1-w)*d + w*other, interpolating parameters
	// element-wise. Both distributions must be of the same family.
	Combine(w float64, other Distribution) Distribution

	// SufficientStat returns the sufficient statistic of a single
	// sample, shaped like the family so that statistics can be
	// accumulated with Scale and Combine.
	SufficientStat(sample mat.Vector) Distribution

	// FromStat converts an accumulated sufficient statistic back to
	// distribution parameters. For Bernoulli and Poisson this is the
	// identity; for Gaussian it recovers the covariance from the
	// accumulated second moment.
	FromStat() Distribution

	// Summarize returns the weighted sufficient-statistic estimate of
	// the family parameters from a batch of samples. Weights need not
	// be normalized.
	Summarize(weights []float64, samples []mat.Vector) (Distribution, error)
}

// Scalar wraps a scalar sample as a 1-dimensional vector, for use with
// the scalar families.
func Scalar(v float64) *mat.VecDense {
	return mat.NewVecDense(1, []float64{v})
}

// CheckParams validates a distribution's parameters. A Bernoulli
// probability of exactly 0 or 1 and a non-positive Poisson rate make
// LogLikelihood degenerate (log(0) terms), so they are rejected here
// rather than surfacing as NaN mid-recursion.
func CheckParams(d Distribution) error {
	switch v := d.(type) {
	case Bernoulli:
		if v.Probability <= 0 || v.Probability >= 1 || math.IsNaN(v.Probability) {
			return fmt.Errorf("bernoulli: probability %f not in (0, 1)", v.Probability)
		}
	case Poisson:
		if v.Rate <= 0 || math.IsNaN(v.Rate) {
			return fmt.Errorf("poisson: rate %f must be positive", v.Rate)
		}
	case *MultivariateGaussian:
		n := v.Mean.Len()
		r, c := v.Covariance.Dims()
		if r != n || c != n {
			return fmt.Errorf("gaussian: mean has %d entries, covariance is %dx%d", n, r, c)
		}
	}
	return nil
}

// Bernoulli is a Bernoulli distribution with the given success
// probability. Samples are 0 or 1 in the first vector element.
type Bernoulli struct {
	Probability float64
}

func (b Bernoulli) Dim() int { return 1 }

func (b Bernoulli) LogLikelihood(sample mat.Vector) (float64, error) {
	x := sample.AtVec(0)
	return x*math.Log(b.Probability) + (1-x)*math.Log(1-b.Probability), nil
}

func (b Bernoulli) Scale(w float64) Distribution {
	return Bernoulli{Probability: w * b.Probability}
}

func (b Bernoulli) Combine(w float64, other Distribution) Distribution {
	o := mustBernoulli(other)
	return Bernoulli{Probability: (1-w)*b.Probability + w*o.Probability}
}

func (b Bernoulli) SufficientStat(sample mat.Vector) Distribution {
	return Bernoulli{Probability: sample.AtVec(0)}
}

func (b Bernoulli) FromStat() Distribution { return b }

func (b Bernoulli) Summarize(weights []float64, samples []mat.Vector) (Distribution, error) {
	m, err := weightedScalarMean(weights, samples)
	if err != nil {
		return nil, err
	}
	return Bernoulli{Probability: m}, nil
}

// Poisson is a Poisson distribution with the given rate. Samples are
// non-negative counts in the first vector element.
type Poisson struct {
	Rate float64
}

func (p Poisson) Dim() int { return 1 }

func (p Poisson) LogLikelihood(sample mat.Vector) (float64, error) {
	x := sample.AtVec(0)
	lg, _ := math.Lgamma(x + 1)
	return x*math.Log(p.Rate) - p.Rate - lg, nil
}

func (p Poisson) Scale(w float64) Distribution {
	return Poisson{Rate: w * p.Rate}
}

func (p Poisson) Combine(w float64, other Distribution) Distribution {
	o := mustPoisson(other)
	return Poisson{Rate: (1-w)*p.Rate + w*o.Rate}
}

func (p Poisson) SufficientStat(sample mat.Vector) Distribution {
	return Poisson{Rate: sample.AtVec(0)}
}

func (p Poisson) FromStat() Distribution { return p }

func (p Poisson) Summarize(weights []float64, samples []mat.Vector) (Distribution, error) {
	m, err := weightedScalarMean(weights, samples)
	if err != nil {
		return nil, err
	}
	return Poisson{Rate: m}, nil
}

func weightedScalarMean(weights []float64, samples []mat.Vector) (float64, error) {
	if len(weights) != len(samples) || len(samples) == 0 {
		return 0, fmt.Errorf("summarize: %d weights for %d samples", len(weights), len(samples))
	}
	var sum, wsum float64
	for i, s := range samples {
		sum += weights[i] * s.AtVec(0)
		wsum += weights[i]
	}
	if wsum == 0 {
		return 0, errors.New("summarize: zero total weight")
	}
	return sum / wsum, nil
}

func mustBernoulli(d Distribution) Bernoulli {
	b, ok := d.(Bernoulli)
	if !ok {
		panic(fmt.Sprintf("dist: expected Bernoulli, got %T", d))
	}
	return b
}

func mustPoisson(d Distribution) Poisson {
	p, ok := d.(Poisson)
	if !ok {
		panic(fmt.Sprintf("dist: expected Poisson, got %T", d))
	}
	return p
}
