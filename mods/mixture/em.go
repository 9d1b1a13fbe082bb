// Package mixture implements online Expectation-Maximization for
// finite mixtures of Bernoulli, Poisson or multivariate Gaussian
// components. The recursion follows the stochastic-approximation form
// of online EM: per sample, component responsibilities are computed
// under the current model (E-step), folded into an exponentially
// decayed sufficient-statistic summary, and the model parameters are
// re-derived from the summary (M-step). There is no predict phase;
// every input is an estimate step.
package mixture

import (
	"errors"
	"fmt"
	"math"

	"github.com/bayestream/bayestream/mods/dist"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidConfig reports an invalid estimator configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// StepSize supplies the stochastic-approximation step size for the
// t-th parameter update (t starts at 1).
type StepSize interface {
	At(t int64) float64
}

// ConstantStep is a fixed step size in (0, 1].
type ConstantStep float64

func (c ConstantStep) At(int64) float64 { return float64(c) }

// PolynomialDecay yields gamma_t = (2+t)^(-Exponent). Exponents in
// (0.5, 1] satisfy the usual stochastic-approximation conditions.
type PolynomialDecay struct {
	Exponent float64
}

func (p PolynomialDecay) At(t int64) float64 {
	return math.Pow(2+float64(t), -p.Exponent)
}

// Config parameterizes the online EM estimator.
type Config struct {
	// Initial mixture model; its component family and count fix the
	// estimator's shape.
	Initial dist.MixtureModel

	// StepSize policy. Default: ConstantStep(0.01).
	StepSize StepSize

	// MinibatchSize accumulates this many samples before each
	// parameter update. Default: 1 (fully online).
	MinibatchSize int

	// UpdateHoldout suppresses the M-step for the first UpdateHoldout
	// parameter updates; the summary still accumulates. Default: 0.
	UpdateHoldout int
}

// State is the per-key estimation state: the current mixture model,
// the exponentially decayed sufficient-statistic summary (mixture
// shaped), and any samples pending in the current minibatch. States are
// immutable values; Update returns a fresh one.
type State struct {
	// Index counts processed samples.
	Index int64

	// Updates counts applied parameter updates (one per full
	// minibatch); it drives the step-size schedule.
	Updates int64

	Model   dist.MixtureModel
	Summary dist.MixtureModel

	pending []mat.Vector
}

// Pending returns the number of samples waiting in the current
// minibatch.
func (s *State) Pending() int { return len(s.pending) }

// Estimator runs the online EM recursion. It implements the same
// transition shape as the filter estimators: Update(prior, sample)
// returns the posterior state and never mutates the prior.
type Estimator struct {
	cfg Config
}

// New validates the configuration and returns the estimator.
func New(cfg Config) (*Estimator, error) {
	if cfg.Initial.Size() == 0 {
		return nil, fmt.Errorf("%w: empty initial mixture", ErrInvalidConfig)
	}
	for k, d := range cfg.Initial.Distributions {
		if err := dist.CheckParams(d); err != nil {
			return nil, fmt.Errorf("%w: component %d: %v", ErrInvalidConfig, k, err)
		}
	}
	if cfg.StepSize == nil {
		cfg.StepSize = ConstantStep(0.01)
	}
	if c, ok := cfg.StepSize.(ConstantStep); ok && (c <= 0 || c > 1) {
		return nil, fmt.Errorf("%w: step size %f not in (0, 1]", ErrInvalidConfig, float64(c))
	}
	if p, ok := cfg.StepSize.(PolynomialDecay); ok && (p.Exponent <= 0.5 || p.Exponent > 1) {
		return nil, fmt.Errorf("%w: decay exponent %f not in (0.5, 1]", ErrInvalidConfig, p.Exponent)
	}
	if cfg.MinibatchSize == 0 {
		cfg.MinibatchSize = 1
	}
	if cfg.MinibatchSize < 0 {
		return nil, fmt.Errorf("%w: minibatch size %d", ErrInvalidConfig, cfg.MinibatchSize)
	}
	if cfg.UpdateHoldout < 0 {
		return nil, fmt.Errorf("%w: update holdout %d", ErrInvalidConfig, cfg.UpdateHoldout)
	}
	return &Estimator{cfg: cfg}, nil
}

// Update applies one sample. A nil prior is synthesized from the
// initial mixture with index 0. The sample index always advances; the
// model parameters change only when a full minibatch has accumulated.
func (e *Estimator) Update(prior *State, sample mat.Vector) (*State, error) {
	st := prior
	if st == nil {
		st = &State{
			Model:   e.cfg.Initial.Clone(),
			Summary: initialSummary(e.cfg.Initial),
		}
	}
	if sample.Len() != st.Model.Dim() {
		return nil, fmt.Errorf("mixture: sample has %d entries, expected %d", sample.Len(), st.Model.Dim())
	}

	next := &State{
		Index:   st.Index + 1,
		Updates: st.Updates,
		Model:   st.Model,
		Summary: st.Summary,
		pending: append(append([]mat.Vector(nil), st.pending...), sample),
	}
	if len(next.pending) < e.cfg.MinibatchSize {
		return next, nil
	}

	batch := next.pending
	next.pending = nil
	next.Updates++

	gamma := e.cfg.StepSize.At(next.Updates)
	if gamma <= 0 || gamma > 1 {
		return nil, fmt.Errorf("%w: step size %f at update %d", ErrInvalidConfig, gamma, next.Updates)
	}

	summary, err := accumulate(next.Model, next.Summary, batch, gamma)
	if err != nil {
		return nil, err
	}
	next.Summary = summary

	if next.Updates > int64(e.cfg.UpdateHoldout) {
		next.Model = maximize(summary)
	}
	return next, nil
}

// initialSummary seeds the sufficient-statistic accumulator with the
// initial model's own parameters in statistic form.
func initialSummary(model dist.MixtureModel) dist.MixtureModel {
	stats := make([]dist.Distribution, model.Size())
	for k, d := range model.Distributions {
		if g, ok := d.(*dist.MultivariateGaussian); ok {
			// Second-moment form: E[x x^T] = cov + mean*mean^T.
			n := g.Mean.Len()
			second := mat.DenseCopyOf(g.Covariance)
			outer := mat.NewDense(n, n, nil)
			outer.Outer(1, g.Mean, g.Mean)
			second.Add(second, outer)
			stats[k] = &dist.MultivariateGaussian{
				Mean:       mat.VecDenseCopyOf(g.Mean),
				Covariance: second,
			}
			continue
		}
		stats[k] = d
	}
	return dist.MixtureModel{
		Weights:       append([]float64(nil), model.Weights...),
		Distributions: stats,
	}
}

// accumulate folds a minibatch into the summary: the E-step computes
// per-sample responsibilities under the current model, and the decayed
// accumulation is expressed with the distribution algebra's Scale and
// Combine primitives.
func accumulate(model, summary dist.MixtureModel, batch []mat.Vector, gamma float64) (dist.MixtureModel, error) {
	size := model.Size()
	bn := float64(len(batch))

	respSums := make([]float64, size)
	resps := make([][]float64, len(batch))
	for i, sample := range batch {
		r, err := model.Responsibilities(sample)
		if err != nil {
			return dist.MixtureModel{}, err
		}
		resps[i] = r
		for k := 0; k < size; k++ {
			respSums[k] += r[k]
		}
	}

	weights := make([]float64, size)
	stats := make([]dist.Distribution, size)
	for k := 0; k < size; k++ {
		// Decayed weight: (1-gamma)*w_k + gamma*(sum_i r_ik)/B.
		weights[k] = (1-gamma)*summary.Weights[k] + gamma*respSums[k]/bn

		stat := summary.Distributions[k]
		if respSums[k] > 0 {
			// Responsibility-weighted batch statistic, folded as a
			// weighted average so each sample contributes r_ik/R_k.
			var acc dist.Distribution
			var accWeight float64
			for i, sample := range batch {
				s := summary.Distributions[k].SufficientStat(sample)
				if acc == nil {
					acc = s
					accWeight = resps[i][k]
					continue
				}
				accWeight += resps[i][k]
				if accWeight > 0 {
					acc = acc.Combine(resps[i][k]/accWeight, s)
				}
			}
			// Interpolate the summary toward the batch statistic with
			// the normalized decayed weight.
			beta := gamma * respSums[k] / bn / weights[k]
			stat = stat.Combine(beta, acc)
		}
		stats[k] = stat
	}
	return dist.MixtureModel{Weights: weights, Distributions: stats}, nil
}

// maximize derives the model parameters from the summary: weights come
// from the accumulated responsibilities, component parameters from the
// accumulated statistics.
func maximize(summary dist.MixtureModel) dist.MixtureModel {
	dists := make([]dist.Distribution, summary.Size())
	for k, d := range summary.Distributions {
		dists[k] = d.FromStat()
	}
	return dist.MixtureModel{
		Weights:       append([]float64(nil), summary.Weights...),
		Distributions: dists,
	}
}
