package filter

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// StateFunc evaluates a (possibly nonlinear) process or measurement
// function at the given state for one input.
type StateFunc func(state mat.Vector, in Input) (*mat.VecDense, error)

// JacobianFunc evaluates a Jacobian at the given state for one input.
type JacobianFunc func(state mat.Vector, in Input) (*mat.Dense, error)

// ExtendedKalmanConfig extends the linear configuration with
// caller-supplied process and measurement functions and their
// Jacobians. Any function left nil falls back to the linear behavior
// derived from the configured matrices; nil noise Jacobians default to
// identity.
type ExtendedKalmanConfig struct {
	KalmanConfig

	ProcessFunction      StateFunc
	ProcessJacobian      JacobianFunc
	ProcessNoiseJacobian JacobianFunc

	MeasurementFunction      StateFunc
	MeasurementJacobian      JacobianFunc
	MeasurementNoiseJacobian JacobianFunc
}

// ExtendedKalman implements the extended Kalman recursion. The
// linearization point is always the most recent estimate; there is no
// re-linearization within a step.
type ExtendedKalman struct {
	cfg ExtendedKalmanConfig
}

// NewExtendedKalman validates the configuration and returns the
// estimator.
func NewExtendedKalman(cfg ExtendedKalmanConfig) (*ExtendedKalman, error) {
	if err := cfg.KalmanConfig.validate(); err != nil {
		return nil, err
	}
	if cfg.ProcessFunction != nil && cfg.ProcessJacobian == nil {
		return nil, fmt.Errorf("%w: process function requires a process jacobian", ErrInvalidConfig)
	}
	if cfg.MeasurementFunction != nil && cfg.MeasurementJacobian == nil {
		return nil, fmt.Errorf("%w: measurement function requires a measurement jacobian", ErrInvalidConfig)
	}
	return &ExtendedKalman{cfg: cfg}, nil
}

// Update applies one input: nonlinear mean propagation with
// Jacobian-based covariance propagation, then the measurement update
// when the input carries a measurement.
func (k *ExtendedKalman) Update(prior *State, in Input) (*State, error) {
	st := prior
	if st == nil {
		var err error
		if st, err = k.cfg.initial(in); err != nil {
			return nil, err
		}
	}
	n, m := k.cfg.StateSize, k.cfg.MeasurementSize

	F := matOrDefault(in.ProcessModel, k.cfg.ProcessModel)
	if err := checkDims("process model", F, n, n); err != nil {
		return nil, err
	}
	Q := matOrDefault(in.ProcessNoise, k.cfg.ProcessNoise)
	// With a noise Jacobian the raw noise may live in its own space;
	// noiseThroughJacobian validates the mapping instead.
	if k.cfg.ProcessNoiseJacobian == nil {
		if err := checkDims("process noise", Q, n, n); err != nil {
			return nil, err
		}
	}

	// Mean propagation through the process function, covariance through
	// its Jacobian evaluated at the prior estimate.
	var mean *mat.VecDense
	fjac := F
	if k.cfg.ProcessFunction != nil {
		var err error
		if mean, err = k.cfg.ProcessFunction(st.Mean, in); err != nil {
			return nil, fmt.Errorf("process function: %w", err)
		}
		if err = checkVecDim("process function result", mean, n); err != nil {
			return nil, err
		}
		if fjac, err = k.cfg.ProcessJacobian(st.Mean, in); err != nil {
			return nil, fmt.Errorf("process jacobian: %w", err)
		}
		if err = checkDims("process jacobian", fjac, n, n); err != nil {
			return nil, err
		}
	} else {
		mean = mat.NewVecDense(n, nil)
		mean.MulVec(F, st.Mean)
	}
	if err := applyControl(mean, in, k.cfg.ControlFunction); err != nil {
		return nil, err
	}

	qeff := Q
	if k.cfg.ProcessNoiseJacobian != nil {
		L, err := k.cfg.ProcessNoiseJacobian(st.Mean, in)
		if err != nil {
			return nil, fmt.Errorf("process noise jacobian: %w", err)
		}
		if qeff, err = noiseThroughJacobian(Q, L); err != nil {
			return nil, err
		}
		if err = checkDims("mapped process noise", qeff, n, n); err != nil {
			return nil, err
		}
	}
	cov := predictCovariance(st.Covariance, fjac, qeff, k.cfg.FadingFactor)

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
	if err := checkDims("measurement model", H, m, n); err != nil {
		return nil, err
	}
	R := matOrDefault(in.MeasurementNoise, k.cfg.MeasurementNoise)
	if k.cfg.MeasurementNoiseJacobian == nil {
		if err := checkDims("measurement noise", R, m, m); err != nil {
			return nil, err
		}
	}
	if err := checkVecDim("measurement", in.Measurement, m); err != nil {
		return nil, err
	}

	var hx *mat.VecDense
	hjac := H
	if k.cfg.MeasurementFunction != nil {
		var err error
		if hx, err = k.cfg.MeasurementFunction(next.Mean, in); err != nil {
			return nil, fmt.Errorf("measurement function: %w", err)
		}
		if err = checkVecDim("measurement function result", hx, m); err != nil {
			return nil, err
		}
		if hjac, err = k.cfg.MeasurementJacobian(next.Mean, in); err != nil {
			return nil, fmt.Errorf("measurement jacobian: %w", err)
		}
		if err = checkDims("measurement jacobian", hjac, m, n); err != nil {
			return nil, err
		}
	} else {
		hx = mat.NewVecDense(m, nil)
		hx.MulVec(H, next.Mean)
	}

	reff := R
	if k.cfg.MeasurementNoiseJacobian != nil {
		M, err := k.cfg.MeasurementNoiseJacobian(next.Mean, in)
		if err != nil {
			return nil, fmt.Errorf("measurement noise jacobian: %w", err)
		}
		if reff, err = noiseThroughJacobian(R, M); err != nil {
			return nil, err
		}
		if err = checkDims("mapped measurement noise", reff, m, m); err != nil {
			return nil, err
		}
	}

	if err := correct(next, in.Measurement, hx, hjac, reff); err != nil {
		return nil, err
	}
	if err := attachDiagnostics(next, &k.cfg.KalmanConfig); err != nil {
		return nil, err
	}
	return next, nil
}

// noiseThroughJacobian maps a noise covariance through its Jacobian:
// J*N*J^T.
func noiseThroughJacobian(noise, jac *mat.Dense) (*mat.Dense, error) {
	jr, jc := jac.Dims()
	nr, _ := noise.Dims()
	if jc != nr {
		return nil, fmt.Errorf("%w: noise jacobian is %dx%d for %dx%d noise", ErrDimensionMismatch, jr, jc, nr, nr)
	}
	out := mat.NewDense(jr, jr, nil)
	out.Product(jac, noise, jac.T())
	return out, nil
}
