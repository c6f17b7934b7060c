package router

import (
	"sort"
	"sync"
	"time"
)

// HealthTracker manages circuit breakers for all providers.
type HealthTracker struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	failureThreshold      int
	recoveryProbeInterval time.Duration
	onChange              func(provider string, state CircuitState)
}

// NewHealthTracker creates a health tracker with the given circuit breaker config.
func NewHealthTracker(failureThreshold int, recoveryProbeInterval time.Duration) *HealthTracker {
	return &HealthTracker{
		breakers:              make(map[string]*CircuitBreaker),
		failureThreshold:      failureThreshold,
		recoveryProbeInterval: recoveryProbeInterval,
	}
}

// OnStateChange registers fn to be called after every recorded outcome with
// the provider's resulting state. Must be set before the tracker is shared.
func (ht *HealthTracker) OnStateChange(fn func(provider string, state CircuitState)) {
	ht.onChange = fn
}

// GetBreaker returns (or lazily creates) the circuit breaker for a provider.
func (ht *HealthTracker) GetBreaker(provider string) *CircuitBreaker {
	ht.mu.RLock()
	cb, ok := ht.breakers[provider]
	ht.mu.RUnlock()
	if ok {
		return cb
	}

	ht.mu.Lock()
	defer ht.mu.Unlock()
	// Double-check after acquiring write lock
	if cb, ok := ht.breakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(ht.failureThreshold, ht.recoveryProbeInterval)
	ht.breakers[provider] = cb
	return cb
}

// Allow reports whether the provider may be tried now, taking the half-open
// probe slot if there is one.
func (ht *HealthTracker) Allow(provider string) bool {
	return ht.GetBreaker(provider).Allow()
}

// State returns the provider's circuit state without taking a probe slot.
func (ht *HealthTracker) State(provider string) CircuitState {
	return ht.GetBreaker(provider).State()
}

// RecordSuccess records a successful request for the provider.
func (ht *HealthTracker) RecordSuccess(provider string) {
	cb := ht.GetBreaker(provider)
	cb.RecordSuccess()
	ht.notify(provider, cb)
}

// RecordFailure records a failed request for the provider.
func (ht *HealthTracker) RecordFailure(provider string) {
	cb := ht.GetBreaker(provider)
	cb.RecordFailure()
	ht.notify(provider, cb)
}

// RecordAbandoned releases a probe slot taken by Allow without an outcome.
func (ht *HealthTracker) RecordAbandoned(provider string) {
	ht.GetBreaker(provider).RecordAbandoned()
}

// Snapshot returns the state of every known provider.
func (ht *HealthTracker) Snapshot() map[string]CircuitState {
	ht.mu.RLock()
	names := make([]string, 0, len(ht.breakers))
	for name := range ht.breakers {
		names = append(names, name)
	}
	ht.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]CircuitState, len(names))
	for _, name := range names {
		out[name] = ht.GetBreaker(name).State()
	}
	return out
}

func (ht *HealthTracker) notify(provider string, cb *CircuitBreaker) {
	if ht.onChange != nil {
		ht.onChange(provider, cb.State())
	}
}
