// Package filter implements online, per-key recursive state estimation:
// the linear and extended Kalman recursions, recursive least squares,
// normalized least mean squares, a Rauch-Tung-Striebel smoother, and
// the sliding-likelihood / multi-model aggregation logic built on top
// of them. Each estimator implements the shared Transition contract so
// that a hosting runtime can drive any of them one input at a time per
// key.
package filter

import (
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDimensionMismatch reports an input matrix or vector whose
	// dimensions do not match the estimator's declared sizes.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrInvalidConfig reports an invalid estimator configuration,
	// detected at construction before any input is processed.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Input carries one step of one key's input sequence. A nil Measurement
// makes the step predict-only. The matrix and vector fields override
// the estimator's configured defaults for this step only.
type Input struct {
	Key  string
	Time time.Time

	// Measurement is the observation vector. Nil means no measurement
	// arrived for this step.
	Measurement *mat.VecDense

	// Features is the regressor vector for the least-squares family.
	Features *mat.VecDense

	// Per-step overrides of the configured system matrices.
	MeasurementModel *mat.Dense
	MeasurementNoise *mat.Dense
	ProcessModel     *mat.Dense
	ProcessNoise     *mat.Dense

	// Control input. The control term is applied only when both the
	// vector and the function matrix are present.
	Control         *mat.VecDense
	ControlFunction *mat.Dense

	// Initial belief overrides, consulted only when the key has no
	// prior state yet.
	InitialState      *mat.VecDense
	InitialCovariance *mat.Dense
}

// State is the per-key posterior belief. States are treated as
// immutable values: Update never modifies its prior argument and
// returns a freshly allocated posterior, so states can be handed to a
// parallel-by-key runtime without copying.
type State struct {
	// Index counts processed inputs for the key. A predict-only step
	// still advances it.
	Index int64

	Mean       *mat.VecDense
	Covariance *mat.Dense

	// Residual fields are set only by steps that carried a measurement.
	Residual           *mat.VecDense
	ResidualCovariance *mat.Dense

	// Diagnostics, populated according to the estimator options.
	Mahalanobis          *float64
	LogLikelihood        *float64
	SlidingLogLikelihood *float64

	// Likelihoods is the bounded FIFO of recent per-step
	// log-likelihoods backing SlidingLogLikelihood.
	Likelihoods *LikelihoodWindow
}

// Transition is the state-transition contract shared by all estimator
// families: one input applied to a prior state yields a posterior
// state. A nil prior is synthesized from the estimator's configured
// initial parameters (or the input's initial overrides) with index 0.
// Implementations are pure functions of (prior, in); on error the
// returned state is nil and the prior remains valid.
type Transition interface {
	Update(prior *State, in Input) (*State, error)
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1.0)
	}
	return m
}

// matOrDefault returns the override when present, the configured
// default otherwise.
func matOrDefault(override, def *mat.Dense) *mat.Dense {
	if override != nil {
		return override
	}
	return def
}

func checkDims(name string, m *mat.Dense, rows, cols int) error {
	r, c := m.Dims()
	if r != rows || c != cols {
		return fmt.Errorf("%w: %s is %dx%d, expected %dx%d", ErrDimensionMismatch, name, r, c, rows, cols)
	}
	return nil
}

func checkVecDim(name string, v *mat.VecDense, n int) error {
	if v.Len() != n {
		return fmt.Errorf("%w: %s has %d entries, expected %d", ErrDimensionMismatch, name, v.Len(), n)
	}
	return nil
}
