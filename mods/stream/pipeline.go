// Package stream hosts estimators in a single process: it keeps one
// state per key, serializes updates within a key, and leaves cross-key
// parallelism to the caller. It is the in-process reference for the
// keyed, ordered delivery boundary; a distributed runtime would replace
// this package, not the estimators.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bayestream/bayestream/mods/logging"
	"github.com/jellydator/ttlcache/v3"
	cmap "github.com/orcaman/concurrent-map/v2"
	gometrics "github.com/rcrowley/go-metrics"
)

// Transition is the state-transition contract hosted by a pipeline:
// one input applied to a prior state yields a posterior state. S is the
// per-key state type, I the per-step input type. A nil/zero prior means
// the key is new.
type Transition[S any, I any] interface {
	Update(prior S, in I) (S, error)
}

// Pipeline drives one estimator over a keyed input stream. Updates for
// the same key are serialized; different keys may be fed concurrently.
// A failed step leaves the key's stored state untouched.
type Pipeline[S any, I any] struct {
	name       string
	log        logging.Log
	transition Transition[S, I]

	states *ttlcache.Cache[string, S]
	locks  cmap.ConcurrentMap[string, *sync.Mutex]

	processed gometrics.Counter
	failed    gometrics.Counter
	evicted   gometrics.Counter

	closeOnce sync.Once
}

// Option configures a pipeline.
type Option[S any, I any] func(*Pipeline[S, I])

// WithStateTTL evicts a key's state after it has been idle for the
// given duration. Without it states are kept until Close.
func WithStateTTL[S any, I any](ttl time.Duration) Option[S, I] {
	return func(p *Pipeline[S, I]) {
		p.states = ttlcache.New(ttlcache.WithTTL[string, S](ttl))
	}
}

// WithLogger overrides the default logger.
func WithLogger[S any, I any](log logging.Log) Option[S, I] {
	return func(p *Pipeline[S, I]) {
		p.log = log
	}
}

// New returns a pipeline named for metrics and logging purposes.
func New[S any, I any](name string, transition Transition[S, I], opts ...Option[S, I]) *Pipeline[S, I] {
	p := &Pipeline[S, I]{
		name:       name,
		transition: transition,
		locks:      cmap.New[*sync.Mutex](),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logging.GetLog(fmt.Sprintf("pipeline-%s", name))
	}
	if p.states == nil {
		p.states = ttlcache.New(ttlcache.WithTTL[string, S](ttlcache.NoTTL))
	}
	p.processed = gometrics.GetOrRegisterCounter(fmt.Sprintf("pipeline.%s.processed", name), gometrics.DefaultRegistry)
	p.failed = gometrics.GetOrRegisterCounter(fmt.Sprintf("pipeline.%s.failed", name), gometrics.DefaultRegistry)
	p.evicted = gometrics.GetOrRegisterCounter(fmt.Sprintf("pipeline.%s.evicted", name), gometrics.DefaultRegistry)
	p.states.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, S]) {
		if reason == ttlcache.EvictionReasonExpired {
			p.evicted.Inc(1)
			p.dropLock(item.Key())
			p.log.Debugf("key %q state evicted", item.Key())
		}
	})
	go p.states.Start()
	return p
}

// Feed applies one input to the key's state and returns the posterior.
// Inputs for the same key must arrive in their intended order; Feed
// serializes concurrent calls per key but cannot restore an order the
// caller lost.
func (p *Pipeline[S, I]) Feed(key string, in I) (S, error) {
	mu := p.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	var prior S
	if item := p.states.Get(key); item != nil {
		prior = item.Value()
	}
	next, err := p.transition.Update(prior, in)
	if err != nil {
		p.failed.Inc(1)
		p.log.Warnf("key %q step rejected: %s", key, err.Error())
		var zero S
		return zero, fmt.Errorf("key %q: %w", key, err)
	}
	p.states.Set(key, next, ttlcache.DefaultTTL)
	p.processed.Inc(1)
	return next, nil
}

// State returns the key's current state, or the zero value when the
// key is unknown or evicted.
func (p *Pipeline[S, I]) State(key string) (S, bool) {
	if item := p.states.Get(key, ttlcache.WithDisableTouchOnHit[string, S]()); item != nil {
		return item.Value(), true
	}
	var zero S
	return zero, false
}

// Keys returns the keys with live state.
func (p *Pipeline[S, I]) Keys() []string {
	return p.states.Keys()
}

// Processed returns the number of successfully applied steps.
func (p *Pipeline[S, I]) Processed() int64 { return p.processed.Count() }

// Failed returns the number of rejected steps.
func (p *Pipeline[S, I]) Failed() int64 { return p.failed.Count() }

// Close stops the eviction loop. The pipeline must not be fed after
// Close.
func (p *Pipeline[S, I]) Close() {
	p.closeOnce.Do(func() {
		p.states.Stop()
	})
}

func (p *Pipeline[S, I]) lockFor(key string) *sync.Mutex {
	if mu, ok := p.locks.Get(key); ok {
		return mu
	}
	mu := &sync.Mutex{}
	if !p.locks.SetIfAbsent(key, mu) {
		mu, _ = p.locks.Get(key)
	}
	return mu
}

// dropLock releases an evicted key's mutex so churning keys do not
// accumulate locks. A lock observed held belongs to an in-flight Feed
// that is about to recreate the state; it is kept for that Feed.
func (p *Pipeline[S, I]) dropLock(key string) {
	mu, ok := p.locks.Get(key)
	if !ok || !mu.TryLock() {
		return
	}
	p.locks.Remove(key)
	mu.Unlock()
}
