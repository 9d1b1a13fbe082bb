package stream_test

import (
	"sync"
	"testing"
	"time"

	"github.com/bayestream/bayestream/mods/filter"
	"github.com/bayestream/bayestream/mods/stream"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newScalarFilter(t *testing.T) *filter.LinearKalman {
	t.Helper()
	kf, err := filter.NewLinearKalman(filter.KalmanConfig{
		StateSize:         1,
		MeasurementSize:   1,
		InitialCovariance: mat.NewDense(1, 1, []float64{10}),
		ProcessNoise:      mat.NewDense(1, 1, []float64{0}),
		MeasurementNoise:  mat.NewDense(1, 1, []float64{1}),
	})
	require.NoError(t, err)
	return kf
}

func measurement(key string, v float64) filter.Input {
	return filter.Input{Key: key, Measurement: mat.NewVecDense(1, []float64{v})}
}

func TestPipelineKeysAreIsolated(t *testing.T) {
	pipe := stream.New[*filter.State, filter.Input]("isolated", newScalarFilter(t))
	defer pipe.Close()

	for i := 0; i < 5; i++ {
		_, err := pipe.Feed("low", measurement("low", 1))
		require.NoError(t, err)
		_, err = pipe.Feed("high", measurement("high", 100))
		require.NoError(t, err)
	}

	low, ok := pipe.State("low")
	require.True(t, ok)
	high, ok := pipe.State("high")
	require.True(t, ok)

	require.EqualValues(t, 5, low.Index)
	require.EqualValues(t, 5, high.Index)
	require.Less(t, low.Mean.AtVec(0), 2.0)
	require.Greater(t, high.Mean.AtVec(0), 90.0)
	require.EqualValues(t, 10, pipe.Processed())
	require.EqualValues(t, 0, pipe.Failed())
}

func TestPipelineFailedStepKeepsState(t *testing.T) {
	pipe := stream.New[*filter.State, filter.Input]("reject", newScalarFilter(t))
	defer pipe.Close()

	st, err := pipe.Feed("k", measurement("k", 3))
	require.NoError(t, err)
	mean := st.Mean.AtVec(0)

	// A measurement of the wrong dimension is rejected.
	_, err = pipe.Feed("k", filter.Input{
		Key:         "k",
		Measurement: mat.NewVecDense(2, []float64{1, 2}),
	})
	require.ErrorIs(t, err, filter.ErrDimensionMismatch)
	require.EqualValues(t, 1, pipe.Failed())

	kept, ok := pipe.State("k")
	require.True(t, ok)
	require.EqualValues(t, 1, kept.Index)
	require.Equal(t, mean, kept.Mean.AtVec(0))

	// The key recovers on the next valid input.
	st, err = pipe.Feed("k", measurement("k", 3))
	require.NoError(t, err)
	require.EqualValues(t, 2, st.Index)
}

func TestPipelineUnknownKey(t *testing.T) {
	pipe := stream.New[*filter.State, filter.Input]("unknown", newScalarFilter(t))
	defer pipe.Close()

	_, ok := pipe.State("nope")
	require.False(t, ok)
	require.Empty(t, pipe.Keys())
}

func TestPipelineConcurrentFeeds(t *testing.T) {
	pipe := stream.New[*filter.State, filter.Input]("concurrent", newScalarFilter(t))
	defer pipe.Close()

	keys := []string{"a", "b", "c", "d"}
	const perKey = 50

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			for i := 0; i < perKey; i++ {
				_, err := pipe.Feed(key, measurement(key, 1))
				require.NoError(t, err)
			}
		}(key)
	}
	wg.Wait()

	for _, key := range keys {
		st, ok := pipe.State(key)
		require.True(t, ok)
		require.EqualValues(t, perKey, st.Index)
	}
	require.EqualValues(t, len(keys)*perKey, pipe.Processed())
}

func TestPipelineTTLEviction(t *testing.T) {
	pipe := stream.New[*filter.State, filter.Input]("ttl", newScalarFilter(t),
		stream.WithStateTTL[*filter.State, filter.Input](20*time.Millisecond))
	defer pipe.Close()

	_, err := pipe.Feed("k", measurement("k", 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := pipe.State("k")
		return !ok
	}, time.Second, 10*time.Millisecond)

	// A fresh input restarts the key from the initial belief.
	st, err := pipe.Feed("k", measurement("k", 1))
	require.NoError(t, err)
	require.EqualValues(t, 1, st.Index)
}
