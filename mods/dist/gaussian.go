package dist

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const log2Pi = 1.8378770664093453 // log(2*pi)

// MultivariateGaussian is a multivariate normal distribution with the
// given mean and covariance. The log-density normalization constant is
// computed from a Cholesky factorization of the covariance, which keeps
// the computation stable for near-singular covariances.
type MultivariateGaussian struct {
	Mean       *mat.VecDense
	Covariance *mat.Dense
}

// NewMultivariateGaussian returns a Gaussian with copies of the given
// mean and covariance.
func NewMultivariateGaussian(mean mat.Vector, covariance mat.Matrix) (*MultivariateGaussian, error) {
	n := mean.Len()
	r, c := covariance.Dims()
	if r != n || c != n {
		return nil, fmt.Errorf("gaussian: mean has %d entries, covariance is %dx%d", n, r, c)
	}
	return &MultivariateGaussian{
		Mean:       mat.VecDenseCopyOf(mean),
		Covariance: mat.DenseCopyOf(covariance),
	}, nil
}

func (g *MultivariateGaussian) Dim() int { return g.Mean.Len() }

// LogLikelihood returns the log density at sample, computed as
// -(m^2 + n*log(2*pi) + logdet(cov))/2 where m is the Mahalanobis
// distance of the sample.
func (g *MultivariateGaussian) LogLikelihood(sample mat.Vector) (float64, error) {
	chol, err := g.factorize()
	if err != nil {
		return 0, err
	}
	m2, err := g.mahalanobisSq(chol, sample)
	if err != nil {
		return 0, err
	}
	n := float64(g.Mean.Len())
	return -0.5 * (m2 + n*log2Pi + chol.LogDet()), nil
}

// Mahalanobis returns the Mahalanobis distance of the sample from the
// distribution mean.
func (g *MultivariateGaussian) Mahalanobis(sample mat.Vector) (float64, error) {
	chol, err := g.factorize()
	if err != nil {
		return 0, err
	}
	m2, err := g.mahalanobisSq(chol, sample)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(m2), nil
}

func (g *MultivariateGaussian) factorize() (*mat.Cholesky, error) {
	n := g.Mean.Len()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(g.Covariance.At(i, j)+g.Covariance.At(j, i)))
		}
	}
	chol := &mat.Cholesky{}
	if ok := chol.Factorize(sym); !ok {
		return nil, fmt.Errorf("gaussian: %w", ErrInvalidCovariance)
	}
	return chol, nil
}

func (g *MultivariateGaussian) mahalanobisSq(chol *mat.Cholesky, sample mat.Vector) (float64, error) {
	if sample.Len() != g.Mean.Len() {
		return 0, fmt.Errorf("gaussian: sample has %d entries, expected %d", sample.Len(), g.Mean.Len())
	}
	diff := mat.NewVecDense(g.Mean.Len(), nil)
	diff.SubVec(sample, g.Mean)

	solved := mat.NewVecDense(g.Mean.Len(), nil)
	if err := chol.SolveVecTo(solved, diff); err != nil {
		return 0, fmt.Errorf("gaussian: %w", ErrInvalidCovariance)
	}
	return mat.Dot(diff, solved), nil
}

func (g *MultivariateGaussian) Scale(w float64) Distribution {
	mean := mat.VecDenseCopyOf(g.Mean)
	mean.ScaleVec(w, mean)
	cov := mat.DenseCopyOf(g.Covariance)
	cov.Scale(w, cov)
	return &MultivariateGaussian{Mean: mean, Covariance: cov}
}

func (g *MultivariateGaussian) Combine(w float64, other Distribution) Distribution {
	o := mustGaussian(other)
	if o.Mean.Len() != g.Mean.Len() {
		panic(fmt.Sprintf("dist: combining gaussians of dim %d and %d", g.Mean.Len(), o.Mean.Len()))
	}
	mean := mat.NewVecDense(g.Mean.Len(), nil)
	mean.AddScaledVec(mean, 1-w, g.Mean)
	mean.AddScaledVec(mean, w, o.Mean)

	cov := mat.DenseCopyOf(g.Covariance)
	cov.Scale(1-w, cov)
	scaled := mat.DenseCopyOf(o.Covariance)
	scaled.Scale(w, scaled)
	cov.Add(cov, scaled)
	return &MultivariateGaussian{Mean: mean, Covariance: cov}
}

// SufficientStat returns the sample's sufficient statistic: the sample
// itself in the mean slot and its outer product, the raw second moment,
// in the covariance slot. FromStat recovers covariance parameters from
// statistics accumulated in this form.
func (g *MultivariateGaussian) SufficientStat(sample mat.Vector) Distribution {
	n := sample.Len()
	second := mat.NewDense(n, n, nil)
	second.Outer(1, sample, sample)
	return &MultivariateGaussian{
		Mean:       mat.VecDenseCopyOf(sample),
		Covariance: second,
	}
}

// FromStat converts an accumulated sufficient statistic, with the raw
// second moment in the covariance slot, to distribution parameters:
// cov = E[x x^T] - E[x] E[x]^T.
func (g *MultivariateGaussian) FromStat() Distribution {
	n := g.Mean.Len()
	cov := mat.DenseCopyOf(g.Covariance)
	outer := mat.NewDense(n, n, nil)
	outer.Outer(1, g.Mean, g.Mean)
	cov.Sub(cov, outer)
	return &MultivariateGaussian{
		Mean:       mat.VecDenseCopyOf(g.Mean),
		Covariance: cov,
	}
}

// Summarize estimates the weighted mean and weighted outer-product
// covariance of the samples in one pass.
func (g *MultivariateGaussian) Summarize(weights []float64, samples []mat.Vector) (Distribution, error) {
	if len(weights) != len(samples) || len(samples) == 0 {
		return nil, fmt.Errorf("summarize: %d weights for %d samples", len(weights), len(samples))
	}
	n := g.Mean.Len()
	var wsum float64
	mean := mat.NewVecDense(n, nil)
	second := mat.NewDense(n, n, nil)
	for i, s := range samples {
		if s.Len() != n {
			return nil, fmt.Errorf("summarize: sample %d has %d entries, expected %d", i, s.Len(), n)
		}
		mean.AddScaledVec(mean, weights[i], s)
		second.RankOne(second, weights[i], s, s)
		wsum += weights[i]
	}
	if wsum == 0 {
		return nil, fmt.Errorf("summarize: zero total weight")
	}
	mean.ScaleVec(1/wsum, mean)
	second.Scale(1/wsum, second)

	outer := mat.NewDense(n, n, nil)
	outer.Outer(1, mean, mean)
	second.Sub(second, outer)
	return &MultivariateGaussian{Mean: mean, Covariance: second}, nil
}

func mustGaussian(d Distribution) *MultivariateGaussian {
	g, ok := d.(*MultivariateGaussian)
	if !ok {
		panic(fmt.Sprintf("dist: expected MultivariateGaussian, got %T", d))
	}
	return g
}
