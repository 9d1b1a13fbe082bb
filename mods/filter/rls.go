package filter

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// RLSConfig parameterizes the recursive least squares estimator.
type RLSConfig struct {
	// FeatureSize is the length of the regressor vector.
	FeatureSize int

	// InitialEstimate of the model parameters. Default: zero vector.
	InitialEstimate *mat.VecDense

	// ForgettingFactor exponentially down-weights older observations.
	// Must be in (0, 1]; 1 (the default) weights all history equally.
	// Note the direction is the inverse of the Kalman fading factor,
	// which is >= 1.
	ForgettingFactor float64

	// RegularizationConstant scales the initial inverse-covariance-like
	// matrix P = c*I. Larger values converge faster but are less
	// stable. Default: 10.
	RegularizationConstant float64
}

// RLS is the recursive least squares estimator: one scalar label and
// one regressor vector per step, no matrix inversion anywhere in the
// recursion. It trades the Kalman family's generality (no process
// model, no process noise) for a lower-cost, inversion-free update.
type RLS struct {
	cfg RLSConfig
}

// NewRLS validates the configuration and returns the estimator.
func NewRLS(cfg RLSConfig) (*RLS, error) {
	if cfg.FeatureSize <= 0 {
		return nil, fmt.Errorf("%w: feature size %d", ErrInvalidConfig, cfg.FeatureSize)
	}
	if cfg.ForgettingFactor == 0 {
		cfg.ForgettingFactor = 1
	}
	if cfg.ForgettingFactor <= 0 || cfg.ForgettingFactor > 1 {
		return nil, fmt.Errorf("%w: forgetting factor %f not in (0, 1]", ErrInvalidConfig, cfg.ForgettingFactor)
	}
	if cfg.RegularizationConstant == 0 {
		cfg.RegularizationConstant = 10
	}
	if cfg.RegularizationConstant < 0 {
		return nil, fmt.Errorf("%w: regularization constant %f", ErrInvalidConfig, cfg.RegularizationConstant)
	}
	if cfg.InitialEstimate == nil {
		cfg.InitialEstimate = mat.NewVecDense(cfg.FeatureSize, nil)
	} else if err := checkVecDim("initial estimate", cfg.InitialEstimate, cfg.FeatureSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &RLS{cfg: cfg}, nil
}

// Update applies one (label, features) observation. The input's
// Measurement carries the scalar label in its first entry and Features
// carries the regressor vector; a missing label makes the step a
// no-op on the belief with the index still advancing.
func (r *RLS) Update(prior *State, in Input) (*State, error) {
	st := prior
	if st == nil {
		mean := r.cfg.InitialEstimate
		if in.InitialState != nil {
			if err := checkVecDim("initial estimate", in.InitialState, r.cfg.FeatureSize); err != nil {
				return nil, err
			}
			mean = in.InitialState
		}
		p := eye(r.cfg.FeatureSize)
		p.Scale(r.cfg.RegularizationConstant, p)
		st = &State{Mean: mat.VecDenseCopyOf(mean), Covariance: p}
	}

	next := &State{
		Index:      st.Index + 1,
		Mean:       mat.VecDenseCopyOf(st.Mean),
		Covariance: mat.DenseCopyOf(st.Covariance),
	}
	if in.Measurement == nil {
		return next, nil
	}
	if in.Features == nil {
		return nil, fmt.Errorf("%w: features", ErrDimensionMismatch)
	}
	if err := checkVecDim("features", in.Features, r.cfg.FeatureSize); err != nil {
		return nil, err
	}

	u := in.Features
	label := in.Measurement.AtVec(0)
	phi := r.cfg.ForgettingFactor
	n := r.cfg.FeatureSize

	// g = P*u / (phi + u^T*P*u)
	pu := mat.NewVecDense(n, nil)
	pu.MulVec(next.Covariance, u)
	gain := mat.NewVecDense(n, nil)
	gain.ScaleVec(1/(phi+mat.Dot(u, pu)), pu)

	residual := label - mat.Dot(u, next.Mean)
	next.Mean.AddScaledVec(next.Mean, residual, gain)

	// P = (P - g*u^T*P) / phi
	utp := mat.NewVecDense(n, nil)
	utp.MulVec(next.Covariance.T(), u)
	update := mat.NewDense(n, n, nil)
	update.Outer(1, gain, utp)
	next.Covariance.Sub(next.Covariance, update)
	next.Covariance.Scale(1/phi, next.Covariance)

	next.Residual = mat.NewVecDense(1, []float64{residual})
	return next, nil
}
