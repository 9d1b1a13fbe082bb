package filter

import (
	"fmt"

	"github.com/bayestream/bayestream/mods/dist"
	"gonum.org/v1/gonum/mat"
)

// KalmanConfig parameterizes the Kalman family. Zero-value matrix
// fields fall back to identity-shaped defaults at construction; every
// matrix can also be overridden per step through the Input.
type KalmanConfig struct {
	StateSize       int
	MeasurementSize int

	InitialState      *mat.VecDense // default: zero vector
	InitialCovariance *mat.Dense    // default: identity
	ProcessModel      *mat.Dense    // default: identity
	ProcessNoise      *mat.Dense    // default: identity
	MeasurementModel  *mat.Dense    // default: ones on the diagonal
	MeasurementNoise  *mat.Dense    // default: identity
	ControlFunction   *mat.Dense    // optional, no default

	// FadingFactor inflates the predicted covariance to favor recent
	// measurements. Must be >= 1; 1 (the default) is the standard
	// Kalman recursion. Note the direction is the inverse of the RLS
	// forgetting factor, which is <= 1.
	FadingFactor float64

	// Diagnostics attached to the posterior state.
	CalculateMahalanobis   bool
	CalculateLogLikelihood bool

	// LikelihoodWindow enables the bounded FIFO of per-step
	// log-likelihoods when > 0. The window capacity is independent of
	// any time-window key used for multi-model aggregation grouping.
	LikelihoodWindow int
}

func (cfg *KalmanConfig) validate() error {
	if cfg.StateSize <= 0 || cfg.MeasurementSize <= 0 {
		return fmt.Errorf("%w: state size %d, measurement size %d", ErrInvalidConfig, cfg.StateSize, cfg.MeasurementSize)
	}
	if cfg.FadingFactor == 0 {
		cfg.FadingFactor = 1
	}
	if cfg.FadingFactor < 1 {
		return fmt.Errorf("%w: fading factor %f < 1", ErrInvalidConfig, cfg.FadingFactor)
	}
	if cfg.LikelihoodWindow < 0 {
		return fmt.Errorf("%w: likelihood window %d", ErrInvalidConfig, cfg.LikelihoodWindow)
	}
	n, m := cfg.StateSize, cfg.MeasurementSize
	if cfg.InitialState == nil {
		cfg.InitialState = mat.NewVecDense(n, nil)
	} else if err := checkVecDim("initial state", cfg.InitialState, n); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.InitialCovariance == nil {
		cfg.InitialCovariance = eye(n)
	} else if err := checkDims("initial covariance", cfg.InitialCovariance, n, n); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.ProcessModel == nil {
		cfg.ProcessModel = eye(n)
	} else if err := checkDims("process model", cfg.ProcessModel, n, n); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.ProcessNoise == nil {
		cfg.ProcessNoise = eye(n)
	} else if err := checkDims("process noise", cfg.ProcessNoise, n, n); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.MeasurementModel == nil {
		h := mat.NewDense(m, n, nil)
		for i := 0; i < m && i < n; i++ {
			h.Set(i, i, 1.0)
		}
		cfg.MeasurementModel = h
	} else if err := checkDims("measurement model", cfg.MeasurementModel, m, n); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.MeasurementNoise == nil {
		cfg.MeasurementNoise = eye(m)
	} else if err := checkDims("measurement noise", cfg.MeasurementNoise, m, m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.ControlFunction != nil {
		if r, _ := cfg.ControlFunction.Dims(); r != n {
			return fmt.Errorf("%w: control function must have %d rows", ErrInvalidConfig, n)
		}
	}
	return nil
}

// initial synthesizes the index-0 state for a key from the configured
// defaults, or from the input's initial overrides.
func (cfg *KalmanConfig) initial(in Input) (*State, error) {
	mean := cfg.InitialState
	if in.InitialState != nil {
		if err := checkVecDim("initial state", in.InitialState, cfg.StateSize); err != nil {
			return nil, err
		}
		mean = in.InitialState
	}
	cov := cfg.InitialCovariance
	if in.InitialCovariance != nil {
		if err := checkDims("initial covariance", in.InitialCovariance, cfg.StateSize, cfg.StateSize); err != nil {
			return nil, err
		}
		cov = in.InitialCovariance
	}
	st := &State{
		Mean:       mat.VecDenseCopyOf(mean),
		Covariance: mat.DenseCopyOf(cov),
	}
	if cfg.LikelihoodWindow > 0 {
		st.Likelihoods = NewLikelihoodWindow(cfg.LikelihoodWindow)
	}
	return st, nil
}

// LinearKalman implements the linear Kalman recursion with optional
// fading factor, control input, and sliding-likelihood maintenance.
type LinearKalman struct {
	cfg KalmanConfig
}

// NewLinearKalman validates the configuration and returns the
// estimator. Configuration errors are reported here and never reach
// the recursion.
func NewLinearKalman(cfg KalmanConfig) (*LinearKalman, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &LinearKalman{cfg: cfg}, nil
}

// Config returns a copy of the validated configuration.
func (k *LinearKalman) Config() KalmanConfig { return k.cfg }

// Update applies one input. The predict phase always runs; the
// estimate phase runs only when the input carries a measurement.
func (k *LinearKalman) Update(prior *State, in Input) (*State, error) {
	st := prior
	if st == nil {
		var err error
		if st, err = k.cfg.initial(in); err != nil {
			return nil, err
		}
	}

	F := matOrDefault(in.ProcessModel, k.cfg.ProcessModel)
	if err := checkDims("process model", F, k.cfg.StateSize, k.cfg.StateSize); err != nil {
		return nil, err
	}
	Q := matOrDefault(in.ProcessNoise, k.cfg.ProcessNoise)
	if err := checkDims("process noise", Q, k.cfg.StateSize, k.cfg.StateSize); err != nil {
		return nil, err
	}

	mean := mat.NewVecDense(k.cfg.StateSize, nil)
	mean.MulVec(F, st.Mean)
	if err := applyControl(mean, in, k.cfg.ControlFunction); err != nil {
		return nil, err
	}
	cov := predictCovariance(st.Covariance, F, Q, k.cfg.FadingFactor)

	next := &State{
		Index:       st.Index + 1,
		Mean:        mean,
		Covariance:  cov,
		Likelihoods: st.Likelihoods,
	}
	if in.Measurement == nil {
		return next, nil
	}

	H := matOrDefault(in.MeasurementModel, k.cfg.MeasurementModel)
	if err := checkDims("measurement model", H, k.cfg.MeasurementSize, k.cfg.StateSize); err != nil {
		return nil, err
	}
	R := matOrDefault(in.MeasurementNoise, k.cfg.MeasurementNoise)
	if err := checkDims("measurement noise", R, k.cfg.MeasurementSize, k.cfg.MeasurementSize); err != nil {
		return nil, err
	}
	if err := checkVecDim("measurement", in.Measurement, k.cfg.MeasurementSize); err != nil {
		return nil, err
	}

	hx := mat.NewVecDense(k.cfg.MeasurementSize, nil)
	hx.MulVec(H, next.Mean)
	if err := correct(next, in.Measurement, hx, H, R); err != nil {
		return nil, err
	}
	if err := attachDiagnostics(next, &k.cfg); err != nil {
		return nil, err
	}
	return next, nil
}

// applyControl adds B*u to the predicted mean. The control term is an
// identity no-op unless both the control vector and a control function
// matrix (per-step or configured) are present.
func applyControl(mean *mat.VecDense, in Input, defaultB *mat.Dense) error {
	if in.Control == nil {
		return nil
	}
	B := in.ControlFunction
	if B == nil {
		B = defaultB
	}
	if B == nil {
		return nil
	}
	r, c := B.Dims()
	if r != mean.Len() {
		return fmt.Errorf("%w: control function is %dx%d, expected %d rows", ErrDimensionMismatch, r, c, mean.Len())
	}
	if err := checkVecDim("control", in.Control, c); err != nil {
		return err
	}
	bu := mat.NewVecDense(mean.Len(), nil)
	bu.MulVec(B, in.Control)
	mean.AddVec(mean, bu)
	return nil
}

// predictCovariance computes lambda*(F*P*F^T) + Q.
func predictCovariance(P, F, Q *mat.Dense, lambda float64) *mat.Dense {
	n, _ := P.Dims()
	cov := mat.NewDense(n, n, nil)
	cov.Product(F, P, F.T())
	if lambda != 1 {
		cov.Scale(lambda, cov)
	}
	cov.Add(cov, Q)
	return cov
}

// correct fuses the measurement into the predicted state in place:
// residual, residual covariance, gain (obtained by solving, never by
// explicit inversion), posterior mean and covariance.
func correct(st *State, z, hx *mat.VecDense, H, R *mat.Dense) error {
	n := st.Mean.Len()
	m := z.Len()

	residual := mat.NewVecDense(m, nil)
	residual.SubVec(z, hx)

	S := mat.NewDense(m, m, nil)
	S.Product(H, st.Covariance, H.T())
	S.Add(S, R)

	pht := mat.NewDense(n, m, nil)
	pht.Mul(st.Covariance, H.T())

	// K = P'*H^T*S^-1, computed as the solution of S^T K^T = (P'*H^T)^T.
	var kt mat.Dense
	if err := kt.Solve(S.T(), pht.T()); err != nil {
		return fmt.Errorf("residual covariance: %w", dist.ErrInvalidCovariance)
	}
	gain := mat.DenseCopyOf(kt.T())

	kr := mat.NewVecDense(n, nil)
	kr.MulVec(gain, residual)
	st.Mean.AddVec(st.Mean, kr)

	ikh := mat.NewDense(n, n, nil)
	ikh.Mul(gain, H)
	ikh.Sub(eye(n), ikh)
	cov := mat.NewDense(n, n, nil)
	cov.Mul(ikh, st.Covariance)

	st.Covariance = cov
	st.Residual = residual
	st.ResidualCovariance = S
	return nil
}

// attachDiagnostics computes the optional residual metrics and advances
// the sliding-likelihood window.
func attachDiagnostics(st *State, cfg *KalmanConfig) error {
	if !cfg.CalculateMahalanobis && !cfg.CalculateLogLikelihood && cfg.LikelihoodWindow == 0 {
		return nil
	}
	g := &dist.MultivariateGaussian{
		Mean:       mat.NewVecDense(st.Residual.Len(), nil),
		Covariance: st.ResidualCovariance,
	}
	if cfg.CalculateMahalanobis {
		d, err := g.Mahalanobis(st.Residual)
		if err != nil {
			return err
		}
		st.Mahalanobis = &d
	}
	if cfg.CalculateLogLikelihood || cfg.LikelihoodWindow > 0 {
		ll, err := g.LogLikelihood(st.Residual)
		if err != nil {
			return err
		}
		if cfg.CalculateLogLikelihood {
			st.LogLikelihood = &ll
		}
		if cfg.LikelihoodWindow > 0 {
			w := st.Likelihoods
			if w == nil {
				w = NewLikelihoodWindow(cfg.LikelihoodWindow)
			}
			w = w.Push(ll)
			sum := w.Sum()
			st.Likelihoods = w
			st.SlidingLogLikelihood = &sum
		}
	}
	return nil
}
