package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/esb/pkg/metrics"
	"github.com/cuemby/esb/pkg/types"
)

// breakerState mirrors types.BreakerState as a small int so it can live in
// an atomic.Int32 for the lock-free CLOSED read path (§4.3).
type breakerState int32

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) toTypes() types.BreakerState {
	switch s {
	case stateOpen:
		return types.BreakerOpen
	case stateHalfOpen:
		return types.BreakerHalfOpen
	default:
		return types.BreakerClosed
	}
}

// Breaker is one function's CLOSED/OPEN/HALF_OPEN state machine. Reads while
// CLOSED take the lock-free fast path; every transition is guarded by mu.
type Breaker struct {
	function        string
	threshold       int
	recoveryTimeout time.Duration

	state atomic.Int32

	mu                  sync.Mutex
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

func newBreaker(function string, threshold int, recovery time.Duration) *Breaker {
	return &Breaker{function: function, threshold: threshold, recoveryTimeout: recovery}
}

// Allow reports whether a call may proceed, and whether this call is the
// single permitted HALF_OPEN probe (the caller must report its outcome via
// RecordSuccess/RecordFailure so the next caller isn't stuck behind it).
func (b *Breaker) Allow() (allowed bool, isProbe bool) {
	if breakerState(b.state.Load()) == stateClosed {
		return true, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch breakerState(b.state.Load()) {
	case stateClosed:
		return true, false
	case stateOpen:
		if time.Since(b.openedAt) < b.recoveryTimeout {
			return false, false
		}
		b.state.Store(int32(stateHalfOpen))
		b.probeInFlight = true
		b.reportState()
		return true, true
	case stateHalfOpen:
		if b.probeInFlight {
			return false, false
		}
		b.probeInFlight = true
		return true, true
	default:
		return false, false
	}
}

// RecordSuccess closes the breaker and resets its failure counter. Called
// whether the just-completed call was a normal CLOSED call or the HALF_OPEN
// probe.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probeInFlight = false
	b.state.Store(int32(stateClosed))
	b.reportState()
}

// RecordFailure counts a failure toward the threshold (CLOSED) or reopens
// the breaker immediately (a failed HALF_OPEN probe).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if breakerState(b.state.Load()) == stateHalfOpen {
		b.probeInFlight = false
		b.openedAt = time.Now()
		b.state.Store(int32(stateOpen))
		b.reportState()
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.threshold {
		b.openedAt = time.Now()
		b.state.Store(int32(stateOpen))
		b.reportState()
	}
}

// State returns the breaker's current state for inspection (tests, /health).
func (b *Breaker) State() types.BreakerState {
	return breakerState(b.state.Load()).toTypes()
}

func (b *Breaker) reportState() {
	metrics.CircuitBreakerState.WithLabelValues(b.function).Set(metrics.BreakerStateValue(breakerState(b.state.Load()).toTypes()))
}

// Breakers is the per-function registry of Breaker, created on first use.
type Breakers struct {
	threshold int
	recovery  time.Duration

	mu sync.Mutex
	m  map[string]*Breaker
}

// NewBreakers builds a registry sharing one threshold/recovery-timeout pair
// across every function (CIRCUIT_BREAKER_THRESHOLD, CIRCUIT_BREAKER_RECOVERY_TIMEOUT).
func NewBreakers(threshold int, recovery time.Duration) *Breakers {
	return &Breakers{threshold: threshold, recovery: recovery, m: make(map[string]*Breaker)}
}

// Get returns function's breaker, creating it CLOSED on first access.
func (bs *Breakers) Get(function string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	b, ok := bs.m[function]
	if !ok {
		b = newBreaker(function, bs.threshold, bs.recovery)
		bs.m[function] = b
	}
	return b
}
