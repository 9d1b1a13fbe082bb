package filter

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

type smootherStateChange struct {
	// The transition used to advance the model from the previous
	// a posteriori estimate to the current a priori estimate,
	// x_{k|k-1} = F_k x_{k-1}.
	processModel *mat.Dense

	// State before the measurement, x_{k|k-1}, P_{k|k-1}.
	aPrioriMean       *mat.VecDense
	aPrioriCovariance *mat.Dense

	// State after the measurement, x_{k|k}, P_{k|k}.
	aPosterioriMean       *mat.VecDense
	aPosterioriCovariance *mat.Dense
}

// Smoother implements Rauch-Tung-Striebel smoothing over a recorded
// input sequence: a forward linear Kalman pass followed by a backward
// recursion, so each state is estimated from the entire history
// including future observations.
type Smoother struct {
	filter *LinearKalman
}

// NewSmoother creates a smoother around the given filter.
func NewSmoother(filter *LinearKalman) *Smoother {
	return &Smoother{filter: filter}
}

// Smooth runs the forward filter over the inputs and returns the
// smoothed state sequence, one state per input.
func (s *Smoother) Smooth(inputs []Input) ([]*State, error) {
	n := len(inputs)
	if n == 0 {
		return nil, nil
	}

	ss, err := s.forwardPass(inputs)
	if err != nil {
		return nil, err
	}

	dims := ss[0].aPrioriMean.Len()
	result := make([]*State, n)
	result[n-1] = &State{
		Index:      int64(n),
		Mean:       ss[n-1].aPosterioriMean,
		Covariance: ss[n-1].aPosterioriCovariance,
	}

	C := mat.NewDense(dims, dims, nil)
	aPrioriCovarianceInv := mat.NewDense(dims, dims, nil)
	x := mat.NewVecDense(dims, nil)
	P := mat.NewDense(dims, dims, nil)

	for i := n - 2; i >= 0; i-- {
		if err := aPrioriCovarianceInv.Inverse(ss[i+1].aPrioriCovariance); err != nil {
			return nil, fmt.Errorf("smoother: singular a priori covariance at step %d: %w", i+1, err)
		}

		C.Product(
			ss[i].aPosterioriCovariance,
			ss[i+1].processModel.T(),
			aPrioriCovarianceInv,
		)

		x.SubVec(result[i+1].Mean, ss[i+1].aPrioriMean)
		x.MulVec(C, x)
		x.AddVec(ss[i].aPosterioriMean, x)

		P.Sub(result[i+1].Covariance, ss[i+1].aPrioriCovariance)
		P.Product(C, P, C.T())
		P.Add(ss[i].aPosterioriCovariance, P)

		result[i] = &State{
			Index:      int64(i + 1),
			Mean:       mat.VecDenseCopyOf(x),
			Covariance: mat.DenseCopyOf(P),
		}
	}

	return result, nil
}

// forwardPass runs the regular filter over the inputs, recording the
// a priori and a posteriori states of every step.
func (s *Smoother) forwardPass(inputs []Input) ([]smootherStateChange, error) {
	cfg := s.filter.Config()
	result := make([]smootherStateChange, len(inputs))

	var prior *State
	for i, in := range inputs {
		change := &result[i]

		st := prior
		if st == nil {
			var err error
			if st, err = cfg.initial(in); err != nil {
				return nil, err
			}
		}

		F := matOrDefault(in.ProcessModel, cfg.ProcessModel)
		if err := checkDims("process model", F, cfg.StateSize, cfg.StateSize); err != nil {
			return nil, err
		}
		Q := matOrDefault(in.ProcessNoise, cfg.ProcessNoise)
		if err := checkDims("process noise", Q, cfg.StateSize, cfg.StateSize); err != nil {
			return nil, err
		}
		change.processModel = mat.DenseCopyOf(F)

		aprioriMean := mat.NewVecDense(cfg.StateSize, nil)
		aprioriMean.MulVec(F, st.Mean)
		if err := applyControl(aprioriMean, in, cfg.ControlFunction); err != nil {
			return nil, err
		}
		change.aPrioriMean = aprioriMean
		change.aPrioriCovariance = predictCovariance(st.Covariance, F, Q, cfg.FadingFactor)

		posterior, err := s.filter.Update(prior, in)
		if err != nil {
			return nil, fmt.Errorf("smoother: forward pass step %d: %w", i, err)
		}
		change.aPosterioriMean = posterior.Mean
		change.aPosterioriCovariance = posterior.Covariance
		prior = posterior
	}

	return result, nil
}
