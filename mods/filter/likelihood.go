package filter

import (
	"fmt"
	"time"

	"github.com/bayestream/bayestream/mods/dist"
	"gonum.org/v1/gonum/mat"
)

// LikelihoodWindow is a fixed-capacity FIFO of recent per-step
// log-likelihoods, oldest first. Windows are immutable: Push returns a
// new window, so a window can be shared between the prior and posterior
// state of a step without copying discipline at the call sites.
type LikelihoodWindow struct {
	capacity int
	values   []float64
}

// NewLikelihoodWindow returns an empty window with the given capacity.
func NewLikelihoodWindow(capacity int) *LikelihoodWindow {
	if capacity <= 0 {
		panic(fmt.Sprintf("filter: likelihood window capacity %d", capacity))
	}
	return &LikelihoodWindow{capacity: capacity}
}

// Push appends v, evicting the oldest value when the window is full,
// and returns the resulting window.
func (w *LikelihoodWindow) Push(v float64) *LikelihoodWindow {
	values := w.values
	if len(values) == w.capacity {
		values = values[1:]
	}
	next := make([]float64, len(values), len(values)+1)
	copy(next, values)
	return &LikelihoodWindow{capacity: w.capacity, values: append(next, v)}
}

// Sum returns the windowed log-likelihood: the sum of the window
// contents.
func (w *LikelihoodWindow) Sum() float64 {
	var sum float64
	for _, v := range w.values {
		sum += v
	}
	return sum
}

// Values returns the window contents, oldest first.
func (w *LikelihoodWindow) Values() []float64 {
	return append([]float64(nil), w.values...)
}

// Len returns the number of stored values.
func (w *LikelihoodWindow) Len() int { return len(w.values) }

// Cap returns the configured capacity.
func (w *LikelihoodWindow) Cap() int { return w.capacity }

// Aggregate combines the posterior states of competing,
// differently-parameterized models for the same logical entity into a
// single soft model-averaged state. Each state is weighted by its
// sliding log-likelihood (falling back to the per-step log-likelihood),
// exponentiated and normalized with a max shift so the weights are
// invariant to an additive constant in the log-likelihoods. All states
// must share the same index and dimensions.
func Aggregate(states []*State) (*State, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("aggregate: no states")
	}
	index := states[0].Index
	n := states[0].Mean.Len()
	logWeights := make([]float64, len(states))
	for i, st := range states {
		if st.Index != index {
			return nil, fmt.Errorf("aggregate: state index %d, expected %d", st.Index, index)
		}
		if st.Mean.Len() != n {
			return nil, fmt.Errorf("%w: state %d has %d entries, expected %d", ErrDimensionMismatch, i, st.Mean.Len(), n)
		}
		switch {
		case st.SlidingLogLikelihood != nil:
			logWeights[i] = *st.SlidingLogLikelihood
		case st.Likelihoods != nil:
			logWeights[i] = st.Likelihoods.Sum()
		case st.LogLikelihood != nil:
			logWeights[i] = *st.LogLikelihood
		default:
			return nil, fmt.Errorf("aggregate: state %d carries no likelihood", i)
		}
	}
	weights := dist.Softmax(logWeights)

	mean := mat.NewVecDense(n, nil)
	cov := mat.NewDense(n, n, nil)
	for i, st := range states {
		mean.AddScaledVec(mean, weights[i], st.Mean)
		if st.Covariance != nil {
			scaled := mat.DenseCopyOf(st.Covariance)
			scaled.Scale(weights[i], scaled)
			cov.Add(cov, scaled)
		}
	}
	return &State{Index: index, Mean: mean, Covariance: cov}, nil
}

// Aggregator groups per-model posterior states by state index, and
// optionally by an event-time window, and emits the combined state once
// every model has reported. The time window is configured independently
// of the likelihood window capacity; the two are not synchronized.
type Aggregator struct {
	models  int
	window  time.Duration
	pending map[aggregateKey][]*State
}

type aggregateKey struct {
	index  int64
	bucket int64
}

// NewAggregator returns an aggregator expecting the given number of
// competing models per group. A zero window groups by state index only.
func NewAggregator(models int, window time.Duration) (*Aggregator, error) {
	if models <= 0 {
		return nil, fmt.Errorf("%w: %d models", ErrInvalidConfig, models)
	}
	if window < 0 {
		return nil, fmt.Errorf("%w: negative aggregation window", ErrInvalidConfig)
	}
	return &Aggregator{
		models:  models,
		window:  window,
		pending: make(map[aggregateKey][]*State),
	}, nil
}

// Offer adds one model's posterior for the given event time. When the
// group is complete the combined state is returned and the group is
// discarded. An offer that would complete the group but fails to
// aggregate (e.g. a state carrying no likelihood) is rejected without
// touching the already-pending states. Each model must offer exactly
// once per group; the aggregator cannot tell duplicate offers from the
// same model apart from distinct models.
func (a *Aggregator) Offer(st *State, t time.Time) (*State, bool, error) {
	key := aggregateKey{index: st.Index}
	if a.window > 0 {
		key.bucket = t.UnixNano() / int64(a.window)
	}
	group := append(a.pending[key], st)
	if len(group) < a.models {
		a.pending[key] = group
		return nil, false, nil
	}
	combined, err := Aggregate(group)
	if err != nil {
		return nil, false, err
	}
	delete(a.pending, key)
	return combined, true, nil
}
