package filter

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// LMSConfig parameterizes the normalized least mean squares filter.
type LMSConfig struct {
	FeatureSize int

	// InitialEstimate of the model parameters. Default: zero vector.
	InitialEstimate *mat.VecDense

	// LearningRate controls the speed of convergence. Without
	// interference 1 is optimal. Default: 1.
	LearningRate float64

	// RegularizationConstant stabilizes the normalization term.
	// Default: 1.
	RegularizationConstant float64
}

// LMS is the normalized least mean squares filter, a stochastic
// gradient descent on the per-step squared error. It keeps no
// covariance state at all.
type LMS struct {
	cfg LMSConfig
}

// NewLMS validates the configuration and returns the estimator.
func NewLMS(cfg LMSConfig) (*LMS, error) {
	if cfg.FeatureSize <= 0 {
		return nil, fmt.Errorf("%w: feature size %d", ErrInvalidConfig, cfg.FeatureSize)
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 1
	}
	if cfg.LearningRate < 0 {
		return nil, fmt.Errorf("%w: learning rate %f", ErrInvalidConfig, cfg.LearningRate)
	}
	if cfg.RegularizationConstant == 0 {
		cfg.RegularizationConstant = 1
	}
	if cfg.RegularizationConstant < 0 {
		return nil, fmt.Errorf("%w: regularization constant %f", ErrInvalidConfig, cfg.RegularizationConstant)
	}
	if cfg.InitialEstimate == nil {
		cfg.InitialEstimate = mat.NewVecDense(cfg.FeatureSize, nil)
	} else if err := checkVecDim("initial estimate", cfg.InitialEstimate, cfg.FeatureSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &LMS{cfg: cfg}, nil
}

// Update applies one (label, features) observation:
// w += m*e*u / (c + u^T*u).
func (l *LMS) Update(prior *State, in Input) (*State, error) {
	st := prior
	if st == nil {
		mean := l.cfg.InitialEstimate
		if in.InitialState != nil {
			if err := checkVecDim("initial estimate", in.InitialState, l.cfg.FeatureSize); err != nil {
				return nil, err
			}
			mean = in.InitialState
		}
		st = &State{Mean: mat.VecDenseCopyOf(mean)}
	}

	next := &State{
		Index: st.Index + 1,
		Mean:  mat.VecDenseCopyOf(st.Mean),
	}
	if in.Measurement == nil {
		return next, nil
	}
	if in.Features == nil {
		return nil, fmt.Errorf("%w: features", ErrDimensionMismatch)
	}
	if err := checkVecDim("features", in.Features, l.cfg.FeatureSize); err != nil {
		return nil, err
	}

	u := in.Features
	residual := in.Measurement.AtVec(0) - mat.Dot(u, next.Mean)
	step := l.cfg.LearningRate * residual / (l.cfg.RegularizationConstant + mat.Dot(u, u))
	next.Mean.AddScaledVec(next.Mean, step, u)

	next.Residual = mat.NewVecDense(1, []float64{residual})
	return next, nil
}
