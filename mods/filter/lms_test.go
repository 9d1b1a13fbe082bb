package filter_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/bayestream/bayestream/mods/filter"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestLMSConvergesOnCleanData(t *testing.T) {
	truth := []float64{0.5, 0.2, 1.2}

	lms, err := filter.NewLMS(filter.LMSConfig{FeatureSize: 3})
	require.NoError(t, err)

	rnd := rand.New(rand.NewSource(5))
	var st *filter.State
	for i := 0; i < 2000; i++ {
		u := []float64{2*rnd.Float64() - 1, 2*rnd.Float64() - 1, 1}
		z := truth[0]*u[0] + truth[1]*u[1] + truth[2]*u[2]
		st, err = lms.Update(st, filter.Input{
			Key:         "k",
			Measurement: mat.NewVecDense(1, []float64{z}),
			Features:    mat.NewVecDense(3, u),
		})
		require.NoError(t, err)
	}

	for i, v := range truth {
		require.InDelta(t, v, st.Mean.AtVec(i), 0.05)
	}
	require.Nil(t, st.Covariance)
	require.Less(t, math.Abs(st.Residual.AtVec(0)), 0.2)
}

func TestLMSSingleStep(t *testing.T) {
	lms, err := filter.NewLMS(filter.LMSConfig{
		FeatureSize:            1,
		LearningRate:           0.5,
		RegularizationConstant: 1,
	})
	require.NoError(t, err)

	// w=0, u=1, z=2: step = 0.5*2/(1+1) = 0.5.
	st, err := lms.Update(nil, filter.Input{
		Key:         "k",
		Measurement: mat.NewVecDense(1, []float64{2}),
		Features:    mat.NewVecDense(1, []float64{1}),
	})
	require.NoError(t, err)
	require.InDelta(t, 0.5, st.Mean.AtVec(0), 1e-12)
	require.InDelta(t, 2.0, st.Residual.AtVec(0), 1e-12)
}

func TestLMSPredictOnlyAndErrors(t *testing.T) {
	lms, err := filter.NewLMS(filter.LMSConfig{FeatureSize: 2})
	require.NoError(t, err)

	st, err := lms.Update(nil, filter.Input{Key: "k"})
	require.NoError(t, err)
	require.EqualValues(t, 1, st.Index)
	require.Nil(t, st.Residual)

	_, err = lms.Update(st, filter.Input{
		Key:         "k",
		Measurement: mat.NewVecDense(1, []float64{1}),
		Features:    mat.NewVecDense(3, []float64{1, 2, 3}),
	})
	require.ErrorIs(t, err, filter.ErrDimensionMismatch)

	_, err = filter.NewLMS(filter.LMSConfig{FeatureSize: 1, LearningRate: -1})
	require.ErrorIs(t, err, filter.ErrInvalidConfig)
}
